// Package results writes exported grasp outcomes as a CSV table.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"graspcell.ai/internal/sim/ledger"
)

// Header is the column layout. The last column holds the attempt's reward.
var Header = []string{"Environment ID", "Episode Number", "Step Number", "Grasp Success"}

// HeaderMismatchError is returned when an existing file has other columns.
type HeaderMismatchError struct {
	Path string
	Got  []string
}

func (e *HeaderMismatchError) Error() string {
	return fmt.Sprintf("results %s: unexpected header %q", e.Path, e.Got)
}

// CSV appends rows to the file at Path, creating it with Header first.
type CSV struct {
	Path string

	mu sync.Mutex
}

func NewCSV(path string) *CSV {
	return &CSV{Path: path}
}

func (c *CSV) Append(rows []ledger.Row) error {
	if len(rows) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh, err := c.checkHeader()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return err
		}
	}
	for _, r := range rows {
		if err := w.Write(format(r)); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// checkHeader reports whether the file still needs a header.
func (c *CSV) checkHeader() (bool, error) {
	f, err := os.Open(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	got, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("results %s: %w", c.Path, err)
	}
	if !slices.Equal(got, Header) {
		return false, &HeaderMismatchError{Path: c.Path, Got: got}
	}
	return false, nil
}

func format(r ledger.Row) []string {
	return []string{
		strconv.Itoa(r.World),
		strconv.Itoa(r.Episode),
		strconv.Itoa(r.Step),
		strconv.FormatFloat(r.Reward, 'g', -1, 64),
	}
}

// Read returns every row of a results file. Success is derived from a
// positive reward.
func Read(path string) ([]ledger.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if !slices.Equal(recs[0], Header) {
		return nil, &HeaderMismatchError{Path: path, Got: recs[0]}
	}
	out := make([]ledger.Row, 0, len(recs)-1)
	for i, rec := range recs[1:] {
		var r ledger.Row
		var errs [4]error
		r.World, errs[0] = strconv.Atoi(rec[0])
		r.Episode, errs[1] = strconv.Atoi(rec[1])
		r.Step, errs[2] = strconv.Atoi(rec[2])
		r.Reward, errs[3] = strconv.ParseFloat(rec[3], 64)
		if err := errors.Join(errs[:]...); err != nil {
			return nil, fmt.Errorf("results %s line %d: %w", path, i+2, err)
		}
		r.Success = r.Reward > 0
		out = append(out, r)
	}
	return out, nil
}
