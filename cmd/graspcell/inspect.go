package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	persistlog "graspcell.ai/internal/persistence/log"
	"graspcell.ai/internal/persistence/results"
	"graspcell.ai/internal/persistence/snapshot"
	"graspcell.ai/internal/sim/cell"
)

func newInspectCmd() *cobra.Command {
	var depth bool
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a sensor record, tick log or results file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], depth)
		},
	}
	cmd.Flags().BoolVar(&depth, "depth", false, "include the depth image in sensor record output")
	return cmd
}

func inspect(w io.Writer, path string, depth bool) error {
	switch {
	case strings.HasSuffix(path, snapshot.Ext):
		rec, err := snapshot.Read(path)
		if err != nil {
			return err
		}
		if !depth {
			rec.Depth = nil
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case strings.HasSuffix(path, ".jsonl.zst"):
		sum, err := summarizeTicks(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "run:         %s\n", sum.runID)
		fmt.Fprintf(w, "ticks:       %d (%d..%d)\n", sum.ticks, sum.first, sum.last)
		fmt.Fprintf(w, "transitions: %d\n", sum.transitions)
		fmt.Fprintf(w, "skipped:     %d world-ticks\n", sum.skipped)
		fmt.Fprintf(w, "grasps:      %d/%d succeeded\n", sum.successes, sum.outcomes)
		return nil
	case strings.HasSuffix(path, ".csv"):
		rows, err := results.Read(path)
		if err != nil {
			return err
		}
		perWorld := map[int][2]int{}
		maxWorld := -1
		for _, r := range rows {
			c := perWorld[r.World]
			c[0]++
			if r.Success {
				c[1]++
			}
			perWorld[r.World] = c
			maxWorld = max(maxWorld, r.World)
		}
		fmt.Fprintf(w, "rows: %d\n", len(rows))
		for i := 0; i <= maxWorld; i++ {
			if c, ok := perWorld[i]; ok {
				fmt.Fprintf(w, "env %d: %d/%d\n", i, c[1], c[0])
			}
		}
		return nil
	default:
		return fmt.Errorf("inspect: unknown file type %q", path)
	}
}

type tickSummary struct {
	runID       string
	ticks       int
	first, last uint64
	transitions int
	skipped     int
	outcomes    int
	successes   int
}

func summarizeTicks(path string) (tickSummary, error) {
	var out tickSummary
	err := persistlog.ReadJSONL(path, func(s cell.Summary) error {
		if out.ticks == 0 {
			out.first = s.Tick
			out.runID = s.RunID
		}
		out.ticks++
		out.last = s.Tick
		out.transitions += len(s.Transitions)
		out.skipped += len(s.Skipped)
		for _, o := range s.Outcomes {
			out.outcomes++
			if o.Success {
				out.successes++
			}
		}
		return nil
	})
	return out, err
}
