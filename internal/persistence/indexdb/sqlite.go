// Package indexdb keeps a queryable SQLite index of a cell run: transitions,
// exported outcomes and where each sensor record was written.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"graspcell.ai/internal/persistence/snapshot"
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db    *sql.DB
	runID string

	ch   chan req
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	dropTick   atomic.Uint64
	dropSensor atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSensor
	reqRows
)

type req struct {
	kind reqKind

	tick cell.Summary

	path   string
	header snapshot.Header

	rows  []ledger.Row
	reply chan error
}

// Stats reports queue pressure. Tick and sensor writes are dropped rather
// than stalling the cell when the writer falls behind.
type Stats struct {
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	DropTickTotal   uint64 `json:"drop_tick_total"`
	DropSensorTotal uint64 `json:"drop_sensor_total"`
}

// OpenSQLite opens (creating if needed) the index at path. Rows and
// transitions written through the index are tagged with runID.
func OpenSQLite(path, runID string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer, serialized access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:    db,
		runID: runID,
		ch:    make(chan req, 4096),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		DropTickTotal:   s.dropTick.Load(),
		DropSensorTotal: s.dropSensor.Load(),
	}
}

// OnTick indexes the tick's transitions. It never blocks.
func (s *SQLiteIndex) OnTick(sum cell.Summary) {
	if s == nil || s.closed.Load() || len(sum.Transitions) == 0 {
		return
	}
	select {
	case s.ch <- req{kind: reqTick, tick: sum}:
	default:
		s.dropTick.Add(1)
	}
}

// RecordSensor indexes a sensor record written at path.
func (s *SQLiteIndex) RecordSensor(path string, h snapshot.Header) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSensor, path: path, header: h}:
	default:
		s.dropSensor.Add(1)
	}
}

// Append stores exported result rows. Unlike tick writes it waits for the
// commit, so the ledger only marks rows exported once they are durable.
func (s *SQLiteIndex) Append(rows []ledger.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if s.closed.Load() {
		return errors.New("sqlite index closed")
	}
	reply := make(chan error, 1)
	s.ch <- req{kind: reqRows, rows: rows, reply: reply}
	return <-reply
}

// Sensors wraps next so every record it writes is also indexed.
func (s *SQLiteIndex) Sensors(next cell.SensorSink) cell.SensorSink {
	return indexedSensors{next: next, idx: s}
}

type indexedSensors struct {
	next cell.SensorSink
	idx  *SQLiteIndex
}

func (w indexedSensors) WriteRecord(rec snapshot.Record) (string, error) {
	path, err := w.next.WriteRecord(rec)
	if err != nil {
		return path, err
	}
	w.idx.RecordSensor(path, rec.Header)
	return path, nil
}

// RecordRun stores the run's tuning and its digest.
func (s *SQLiteIndex) RecordRun(tune tuning.Tuning) error {
	if s == nil || s.db == nil {
		return nil
	}
	raw, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run_id, started_at, worlds, seed, tuning_json, digest) VALUES(?,?,?,?,?,?)`,
		s.runID, time.Now().UTC().Format(time.RFC3339Nano), tune.Worlds.Count, tune.Worlds.Seed, string(raw), digest,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES('last_run', ?)`, s.runID); err != nil {
		return err
	}
	return tx.Commit()
}

// Outcomes returns the stored rows of a run ordered by world, episode and
// step.
func (s *SQLiteIndex) Outcomes(ctx context.Context, runID string) ([]ledger.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world, episode, step, success, reward FROM outcomes WHERE run_id=? ORDER BY world, episode, step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Row
	for rows.Next() {
		var r ledger.Row
		var success int
		if err := rows.Scan(&r.World, &r.Episode, &r.Step, &success, &r.Reward); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of rows of table tagged with runID.
func (s *SQLiteIndex) Count(ctx context.Context, table, runID string) (int, error) {
	switch table {
	case "outcomes", "transitions", "sensor_records":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE run_id=?`, runID).Scan(&n)
	return n, err
}

func initPragmas(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA temp_store=MEMORY;`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			worlds INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			tuning_json TEXT NOT NULL,
			digest TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			world INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transitions_world ON transitions(run_id, world, tick);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			run_id TEXT NOT NULL,
			world INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			step INTEGER NOT NULL,
			success INTEGER NOT NULL,
			reward REAL NOT NULL,
			PRIMARY KEY(run_id, world, episode, step)
		);`,
		`CREATE TABLE IF NOT EXISTS sensor_records (
			path TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			world INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			step INTEGER NOT NULL,
			tick INTEGER NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) loop() {
	defer close(s.done)

	ctx := context.Background()

	var (
		tx        *sql.Tx
		insTr     *sql.Stmt
		insRow    *sql.Stmt
		insSensor *sql.Stmt
		pending   int
	)
	lastFlush := time.Now()
	const (
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		insTr, err = tx.PrepareContext(ctx, `INSERT INTO transitions(run_id, tick, world, from_state, to_state) VALUES(?,?,?,?,?)`)
		if err != nil {
			return err
		}
		insRow, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO outcomes(run_id, world, episode, step, success, reward) VALUES(?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		insSensor, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO sensor_records(path, run_id, world, episode, step, tick) VALUES(?,?,?,?,?,?)`)
		return err
	}
	closeStmts := func() {
		for _, st := range []*sql.Stmt{insTr, insRow, insSensor} {
			if st != nil {
				_ = st.Close()
			}
		}
		insTr, insRow, insSensor = nil, nil, nil
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		closeStmts()
		err := tx.Commit()
		tx = nil
		pending = 0
		lastFlush = time.Now()
		return err
	}
	rollback := func() {
		if tx == nil {
			return
		}
		closeStmts()
		_ = tx.Rollback()
		tx = nil
		pending = 0
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				_ = commit()
				return
			}
			if tx == nil {
				if err := begin(); err != nil {
					rollback()
					if r.reply != nil {
						r.reply <- err
					}
					continue
				}
			}
			err := s.apply(ctx, r, insTr, insRow, insSensor)
			if err != nil {
				// A failed request discards the open batch.
				rollback()
				if r.reply != nil {
					r.reply <- err
				}
				continue
			}
			pending++
			if r.reply != nil {
				r.reply <- commit()
				continue
			}
			if pending >= commitEvery || time.Since(lastFlush) >= commitMaxWait {
				if err := commit(); err != nil {
					rollback()
				}
			}
		case <-ticker.C:
			if err := commit(); err != nil {
				rollback()
			}
		}
	}
}

func (s *SQLiteIndex) apply(ctx context.Context, r req, insTr, insRow, insSensor *sql.Stmt) error {
	switch r.kind {
	case reqTick:
		for _, t := range r.tick.Transitions {
			if _, err := insTr.ExecContext(ctx, r.tick.RunID, int64(r.tick.Tick), t.World, t.From.String(), t.To.String()); err != nil {
				return err
			}
		}
	case reqRows:
		for _, row := range r.rows {
			success := 0
			if row.Success {
				success = 1
			}
			if _, err := insRow.ExecContext(ctx, s.runID, row.World, row.Episode, row.Step, success, row.Reward); err != nil {
				return err
			}
		}
	case reqSensor:
		h := r.header
		if _, err := insSensor.ExecContext(ctx, r.path, h.RunID, h.World, h.Episode, h.Step, int64(h.Tick)); err != nil {
			return err
		}
	}
	return nil
}
