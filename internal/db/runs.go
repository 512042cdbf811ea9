package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vessel.level/internal/supervisor"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one execution of the control loop.
type Run struct {
	ID         string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Source names the frame source: webcam, replay or sim.
	Source     string `json:"source"`
	ConfigJSON string `json:"config_json"`
}

// LevelPoint is one tick of level history.
type LevelPoint struct {
	Tick       uint64    `json:"tick"`
	Timestamp  time.Time `json:"timestamp"`
	RawValid   bool      `json:"raw_valid"`
	RawLevelMM float64   `json:"raw_level_mm"`
	Quality    float64   `json:"quality"`
	LevelMM    float64   `json:"level_mm"`
	Confidence string    `json:"confidence"`
	State      string    `json:"state"`
	BandMinMM  float64   `json:"band_min_mm"`
	BandMaxMM  float64   `json:"band_max_mm"`
}

// FaultRecord is one stored fault.
type FaultRecord struct {
	Tick       uint64    `json:"tick"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	PumpID     string    `json:"pump_id,omitempty"`
	Detail     string    `json:"detail"`
	LastGoodMM *float64  `json:"last_good_mm,omitempty"`
}

// StartRun records a new run and returns it.
func (db *DB) StartRun(ctx context.Context, source, configJSON string, startedAt time.Time) (Run, error) {
	run := Run{
		ID:         uuid.NewString(),
		StartedAt:  startedAt.UTC(),
		Source:     source,
		ConfigJSON: configJSON,
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, source, config_json) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), run.Source, run.ConfigJSON)
	if err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the end of a run.
func (db *DB) FinishRun(ctx context.Context, runID string, finishedAt time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE run_id = ?`, finishedAt.UTC().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns one run.
func (db *DB) GetRun(ctx context.Context, runID string) (Run, error) {
	row := db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, source, config_json FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Runs lists runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, source, config_json FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun(ctx context.Context) (Run, error) {
	runs, err := db.Runs(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrRunNotFound
	}
	return runs[0], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&run.ID, &started, &finished, &run.Source, &run.ConfigJSON); err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

// RecordTick stores a snapshot with its commands and faults in one
// transaction.
func (db *DB) RecordTick(ctx context.Context, runID string, s *supervisor.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO ticks (
			run_id, tick, ts_unix_nanos, raw_valid, raw_level_mm, quality, raw_fault,
			level_mm, confidence, state, mode, band_min_mm, band_max_mm
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, s.Tick, s.Timestamp.UnixNano(), s.RawValid, s.RawLevelMM, s.Quality, string(s.RawFault),
		s.LevelMM, string(s.Confidence), string(s.State), string(s.Mode), s.Band.MinMM, s.Band.MaxMM)
	if err != nil {
		return fmt.Errorf("failed to insert tick %d: %w", s.Tick, err)
	}

	for _, c := range s.Commands {
		d := c.Decision
		_, err = tx.ExecContext(ctx, `INSERT INTO commands (
				run_id, tick, pump_id, stop, direction, rate_ml_min, reason, attempts, acked, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, s.Tick, d.PumpID, d.Stop, string(d.Direction), d.Rate, d.Reason, c.Attempts, c.Acked, c.Error)
		if err != nil {
			return fmt.Errorf("failed to insert command: %w", err)
		}
	}

	for _, f := range s.Faults {
		var lastGood sql.NullFloat64
		if f.HasLastGood {
			lastGood = sql.NullFloat64{Float64: f.LastGoodMM, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO faults (
				run_id, tick, ts_unix_nanos, kind, pump_id, detail, last_good_mm
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, s.Tick, f.At.UnixNano(), string(f.Kind), f.PumpID, f.Detail, lastGood)
		if err != nil {
			return fmt.Errorf("failed to insert fault: %w", err)
		}
	}

	return tx.Commit()
}

// LevelHistory returns the ticks of runID at or after since, oldest first,
// keeping the most recent limit points.
func (db *DB) LevelHistory(ctx context.Context, runID string, since time.Time, limit int) ([]LevelPoint, error) {
	if limit <= 0 {
		limit = 3600
	}
	rows, err := db.QueryContext(ctx, `SELECT * FROM (
			SELECT tick, ts_unix_nanos, raw_valid, raw_level_mm, quality, level_mm,
				confidence, state, band_min_mm, band_max_mm
			FROM ticks WHERE run_id = ? AND ts_unix_nanos >= ?
			ORDER BY tick DESC LIMIT ?
		) ORDER BY tick ASC`, runID, since.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []LevelPoint
	for rows.Next() {
		var (
			p  LevelPoint
			ts int64
		)
		if err := rows.Scan(&p.Tick, &ts, &p.RawValid, &p.RawLevelMM, &p.Quality, &p.LevelMM,
			&p.Confidence, &p.State, &p.BandMinMM, &p.BandMaxMM); err != nil {
			return nil, err
		}
		p.Timestamp = time.Unix(0, ts).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// Faults returns the faults of runID, oldest first.
func (db *DB) Faults(ctx context.Context, runID string) ([]FaultRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT tick, ts_unix_nanos, kind, pump_id, detail, last_good_mm
		FROM faults WHERE run_id = ? ORDER BY tick ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaultRecord
	for rows.Next() {
		var (
			f        FaultRecord
			ts       int64
			lastGood sql.NullFloat64
		)
		if err := rows.Scan(&f.Tick, &ts, &f.Kind, &f.PumpID, &f.Detail, &lastGood); err != nil {
			return nil, err
		}
		f.Timestamp = time.Unix(0, ts).UTC()
		if lastGood.Valid {
			v := lastGood.Float64
			f.LastGoodMM = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CommandCount returns how many commands of runID were stored, split by
// acked and failed.
func (db *DB) CommandCount(ctx context.Context, runID string) (acked, failed int, err error) {
	err = db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN acked THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN acked THEN 0 ELSE 1 END), 0)
		FROM commands WHERE run_id = ?`, runID).Scan(&acked, &failed)
	return acked, failed, err
}
