package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Repair is one parent repair run.
type Repair struct {
	ParentSessionID string
	Keyspace        string
	Tables          []string
	Ranges          []dht.Range
	Coordinator     string
	Participants    []string
	Incremental     bool
	Status          Status
	StartedAt       time.Time
	FinishedAt      time.Time // zero while running
	SyncedRanges    int
	Error           string
}

// Job is the outcome of repairing one table over one range.
type Job struct {
	SessionID       string
	ParentSessionID string
	Keyspace        string
	Table           string
	Range           dht.Range
	Mismatches      int
	Success         bool
	Error           string
	FinishedAt      time.Time
}

// RecordStarted inserts a running repair.
func (s *Store) RecordStarted(ctx context.Context, r Repair) error {
	tables, err := json.Marshal(r.Tables)
	if err != nil {
		return fmt.Errorf("marshal tables: %w", err)
	}
	ranges, err := json.Marshal(r.Ranges)
	if err != nil {
		return fmt.Errorf("marshal ranges: %w", err)
	}
	participants, err := json.Marshal(r.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repairs (parent_session_id, keyspace, tables, ranges, coordinator, participants, incremental, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ParentSessionID, r.Keyspace, string(tables), string(ranges), r.Coordinator, string(participants),
		r.Incremental, StatusRunning, r.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert repair %s: %w", r.ParentSessionID, err)
	}
	return nil
}

// RecordFinished marks a repair as succeeded.
func (s *Store) RecordFinished(ctx context.Context, parentSessionID string, syncedRanges int, at time.Time) error {
	return s.finish(ctx, parentSessionID, StatusSucceeded, syncedRanges, "", at)
}

// RecordFailed marks a repair as failed with its cause.
func (s *Store) RecordFailed(ctx context.Context, parentSessionID string, syncedRanges int, cause error, at time.Time) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, parentSessionID, StatusFailed, syncedRanges, msg, at)
}

func (s *Store) finish(ctx context.Context, id string, status Status, synced int, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE repairs SET status = ?, synced_ranges = ?, error = ?, finished_at = ?
		WHERE parent_session_id = ?`,
		status, synced, nullString(errMsg), at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update repair %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordJob stores the outcome of one repair job.
func (s *Store) RecordJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO repair_jobs
			(session_id, parent_session_id, keyspace, table_name, range_left, range_right, mismatches, success, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.SessionID, j.ParentSessionID, j.Keyspace, j.Table, int64(j.Range.Left), int64(j.Range.Right),
		j.Mismatches, j.Success, nullString(j.Error), j.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert repair job %s: %w", j.SessionID, err)
	}
	return nil
}

// Get returns a single repair.
func (s *Store) Get(ctx context.Context, parentSessionID string) (Repair, error) {
	row := s.db.QueryRowContext(ctx, selectRepairs+` WHERE parent_session_id = ?`, parentSessionID)
	r, err := scanRepair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repair{}, fmt.Errorf("%w: %s", ErrNotFound, parentSessionID)
	}
	return r, err
}

// List returns the most recent repairs first. limit <= 0 returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Repair, error) {
	query := selectRepairs + ` ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repairs: %w", err)
	}
	defer rows.Close()

	var out []Repair
	for rows.Next() {
		r, err := scanRepair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Jobs returns the jobs of a repair ordered by table and range.
func (s *Store) Jobs(ctx context.Context, parentSessionID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, parent_session_id, keyspace, table_name, range_left, range_right, mismatches, success, error, finished_at
		FROM repair_jobs WHERE parent_session_id = ?
		ORDER BY table_name, range_left`, parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("query repair jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j           Job
			left, right int64
			errMsg      sql.NullString
			finished    int64
		)
		if err := rows.Scan(&j.SessionID, &j.ParentSessionID, &j.Keyspace, &j.Table, &left, &right,
			&j.Mismatches, &j.Success, &errMsg, &finished); err != nil {
			return nil, fmt.Errorf("scan repair job: %w", err)
		}
		j.Range = dht.NewRange(dht.Token(left), dht.Token(right))
		j.Error = errMsg.String
		j.FinishedAt = time.UnixMilli(finished)
		out = append(out, j)
	}
	return out, rows.Err()
}

const selectRepairs = `
	SELECT parent_session_id, keyspace, tables, ranges, coordinator, participants, incremental,
	       status, started_at, finished_at, synced_ranges, error
	FROM repairs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRepair(sc scanner) (Repair, error) {
	var (
		r                            Repair
		tables, ranges, participants string
		status                       string
		started                      int64
		finished                     sql.NullInt64
		errMsg                       sql.NullString
	)
	if err := sc.Scan(&r.ParentSessionID, &r.Keyspace, &tables, &ranges, &r.Coordinator, &participants,
		&r.Incremental, &status, &started, &finished, &r.SyncedRanges, &errMsg); err != nil {
		return Repair{}, err
	}

	if err := json.Unmarshal([]byte(tables), &r.Tables); err != nil {
		return Repair{}, fmt.Errorf("unmarshal tables: %w", err)
	}
	if err := json.Unmarshal([]byte(ranges), &r.Ranges); err != nil {
		return Repair{}, fmt.Errorf("unmarshal ranges: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &r.Participants); err != nil {
		return Repair{}, fmt.Errorf("unmarshal participants: %w", err)
	}

	r.Status = Status(status)
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64)
	}
	r.Error = errMsg.String
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
