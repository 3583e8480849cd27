package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"graspcell.ai/internal/persistence/indexdb"
	persistlog "graspcell.ai/internal/persistence/log"
	"graspcell.ai/internal/persistence/results"
	"graspcell.ai/internal/persistence/snapshot"
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/grasp"
	"graspcell.ai/internal/sim/kinematic"
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/tuning"
	"graspcell.ai/internal/transport/observer"
)

type runOptions struct {
	config    string
	data      string
	ticks     int
	listen    string
	disableDB bool
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the cell on the kinematic engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.config, "config", "configs/cell.yaml", "tuning file (empty for defaults)")
	f.StringVar(&o.data, "data", "./data", "runtime data directory")
	f.IntVar(&o.ticks, "ticks", 0, "tick budget (0 runs until interrupted)")
	f.StringVar(&o.listen, "listen", "", "http listen address for health, metrics and the observer feed")
	f.BoolVar(&o.disableDB, "disable-db", false, "disable the sqlite index")
	return cmd
}

// exportStores appends to the primary store and then mirrors the rows.
// Only a primary failure fails the export, so a retry never duplicates
// primary rows.
type exportStores struct {
	primary ledger.Store
	mirrors []ledger.Store
	logger  *log.Logger
}

func (e *exportStores) Append(rows []ledger.Row) error {
	if err := e.primary.Append(rows); err != nil {
		return err
	}
	for _, m := range e.mirrors {
		if err := m.Append(rows); err != nil && e.logger != nil {
			e.logger.Printf("mirror %d result rows: %v", len(rows), err)
		}
	}
	return nil
}

func run(o runOptions) error {
	logger := log.New(os.Stdout, "[graspcell] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(o.config)
	if err != nil {
		return fmt.Errorf("tuning: %w", err)
	}

	lib := grasp.NewDirLibrary(tune.Grasp.LibraryDir)
	if err := lib.Preload(tune.Objects); err != nil {
		return fmt.Errorf("grasp library: %w", err)
	}
	engine, err := kinematic.New(tune, kinematic.DefaultConfig(tune))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	c, err := cell.New(tune, cell.Options{
		Engine:     engine,
		Controller: kinematic.Controller{},
		Library:    lib,
		Logger:     log.New(os.Stdout, "[cell] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		return err
	}
	c.Ledger.Logger = log.New(os.Stdout, "[ledger] ", log.LstdFlags|log.Lmicroseconds)

	runDir := filepath.Join(o.data, "runs", c.RunID)
	resultsPath := tune.Export.ResultsPath
	if !filepath.IsAbs(resultsPath) {
		resultsPath = filepath.Join(o.data, resultsPath)
	}
	stores := &exportStores{primary: results.NewCSV(resultsPath), logger: logger}
	var sensors cell.SensorSink = snapshot.Dir{Path: filepath.Join(o.data, "records", c.RunID)}

	tickLog := persistlog.NewTickLogger(runDir)
	outcomeLog := persistlog.NewOutcomeLogger(runDir)
	defer tickLog.Close()
	defer outcomeLog.Close()
	c.Sinks = append(c.Sinks, tickLog, outcomeLog)

	var idx *indexdb.SQLiteIndex
	if !o.disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(o.data, "index", "graspcell.sqlite"), c.RunID)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		defer idx.Close()
		if err := idx.RecordRun(tune); err != nil {
			logger.Printf("index run: %v", err)
		}
		stores.mirrors = append(stores.mirrors, idx)
		sensors = idx.Sensors(sensors)
		c.Sinks = append(c.Sinks, idx)
	}
	c.Results = stores
	c.Sensors = sensors

	ctx, cancel := signalContext()
	defer cancel()

	if o.listen != "" {
		obs := observer.NewServer(c, logger)
		c.Sinks = append(c.Sinks, obs)
		srv := &http.Server{
			Addr:              o.listen,
			Handler:           newMux(c, idx, obs, tickLog),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("listening on %s", o.listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
				cancel()
			}
		}()
	}

	logger.Printf("run %s: %d worlds, %d objects, dt=%gs", c.RunID, tune.Worlds.Count, len(tune.Objects), tune.Timing.DT())
	err = loop(ctx, c, o.ticks, logger)

	c.ExportResults()
	if n, werr := tickLog.Err(); n > 0 {
		logger.Printf("tick log: %d failed writes, last: %v", n, werr)
	}
	for w, t := range c.Ledger.Totals() {
		logger.Printf("env %d: %d/%d grasps, reward %g", w, t.Successes, t.Attempts, t.Reward)
	}
	if errors.Is(err, context.Canceled) {
		logger.Printf("interrupted at tick %d", c.Ticks())
		return nil
	}
	return err
}

// loop runs decision loops until the budget is spent. A zero budget runs
// until ctx ends.
func loop(ctx context.Context, c *cell.Cell, budget int, logger *log.Logger) error {
	for {
		remaining := 0
		if budget > 0 {
			remaining = budget - int(c.Ticks())
			if remaining <= 0 {
				return nil
			}
		}
		ids, err := c.StepWithin(ctx, remaining)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			logger.Printf("tick %d: decision point for envs %v", c.Ticks(), ids)
		}
	}
}
