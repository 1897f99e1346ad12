// Package ledger appends scoring-relevant contribution events. Writes are
// fire-and-forget: they run after the triggering transaction has committed,
// and failures are logged, never returned to the caller.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"protolab/internal/domain"
)

type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *log.Logger
}

// Context carries the free-form event payload.
type Context map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Record appends one immutable entry for uid.
func (w Writer) Record(ctx context.Context, uid string, evt domain.EventType, payload Context) {
	w.RecordMany(ctx, []string{uid}, evt, payload)
}

// RecordMany fans the same event out to every beneficiary.
func (w Writer) RecordMany(ctx context.Context, uids []string, evt domain.EventType, payload Context) {
	if payload == nil {
		payload = Context{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.logger().Printf("ledger: marshal %s context: %v", evt, err)
		return
	}
	ts := w.now().UTC().Format(time.RFC3339)
	for _, uid := range uids {
		if uid == "" {
			continue
		}
		if _, err := w.DB.ExecContext(ctx, `INSERT INTO ledger_entries(ts,uid,event_type,context_json) VALUES (?,?,?,?)`,
			ts, uid, string(evt), string(data)); err != nil {
			w.logger().Printf("ledger: append %s for %s: %v", evt, uid, err)
		}
	}
}

// Tail returns the most recent entries, optionally filtered by uid. Read
// access exists only for the operator CLI.
func (w Writer) Tail(ctx context.Context, limit int, uid string) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,uid,event_type,context_json FROM ledger_entries`
	var args []any
	if uid != "" {
		query += ` WHERE uid=?`
		args = append(args, uid)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.UID, &e.EventType, &e.Context); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
