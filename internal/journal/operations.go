package journal

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Outcomes of an operation.
const (
	OutcomeRunning = "running"
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
)

// timeFormat is fixed width so text order in SQLite matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Operation is one journaled lifecycle call.
type Operation struct {
	ID         string    `json:"id"`
	Instance   string    `json:"instance,omitempty"`
	Op         string    `json:"op"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Begin records the start of op on instance and returns the new entry.
func (d *DB) Begin(instance, op string) (*Operation, error) {
	o := &Operation{
		ID:        uuid.NewString(),
		Instance:  instance,
		Op:        op,
		Outcome:   OutcomeRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := d.Save(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Finish marks o finished with the outcome implied by err.
func (d *DB) Finish(o *Operation, err error) error {
	o.FinishedAt = time.Now().UTC()
	o.Outcome = OutcomeOK
	o.Detail = ""
	if err != nil {
		o.Outcome = OutcomeFailed
		o.Detail = err.Error()
	}
	return d.Save(o)
}

// Save inserts or replaces an operation.
func (d *DB) Save(o *Operation) error {
	finished := ""
	if !o.FinishedAt.IsZero() {
		finished = o.FinishedAt.Format(timeFormat)
	}
	_, err := d.db.Exec(`
		INSERT INTO operations (id, instance, op, outcome, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			detail = excluded.detail,
			finished_at = excluded.finished_at
	`, o.ID, o.Instance, o.Op, o.Outcome, o.Detail, o.StartedAt.Format(timeFormat), finished)
	return err
}

// Get returns the operation with id, or nil if there is none.
func (d *DB) Get(id string) (*Operation, error) {
	row := d.db.QueryRow(`
		SELECT id, instance, op, outcome, detail, started_at, finished_at
		FROM operations WHERE id = ?
	`, id)
	o, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// List returns operations newest first. An empty instance lists all of
// them; limit <= 0 means no limit.
func (d *DB) List(instance string, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(`
		SELECT id, instance, op, outcome, detail, started_at, finished_at
		FROM operations
		WHERE ? = '' OR instance = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, instance, instance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*Operation, error) {
	var o Operation
	var startedStr, finishedStr string
	if err := s.Scan(&o.ID, &o.Instance, &o.Op, &o.Outcome, &o.Detail, &startedStr, &finishedStr); err != nil {
		return nil, err
	}
	o.StartedAt, _ = time.Parse(timeFormat, startedStr)
	if finishedStr != "" {
		o.FinishedAt, _ = time.Parse(timeFormat, finishedStr)
	}
	return &o, nil
}
