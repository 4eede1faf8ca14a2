// Package timeline appends audit entries. Writer.Append is the only code
// path that inserts timeline rows; the schema rejects updates and deletes.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"permitline/internal/domain"
)

// TimeFormat is fixed width so occurred_at strings sort chronologically.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Format renders t in UTC using TimeFormat.
func Format(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

type Writer struct {
	Now func() time.Time
}

type Details map[string]any

type Entry struct {
	RequestID string
	Action    domain.AuditAction
	ActorRole domain.Role
	ActorID   string
	Comment   string
	From      domain.State
	To        domain.State
	Details   Details
	// OccurredAt is filled by Stamp when empty.
	OccurredAt string
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Stamp returns the timestamp for the next entry of a request: the clock
// reading, clamped so it never sorts before the request's latest entry.
func (w Writer) Stamp(ctx context.Context, tx *sql.Tx, requestID string) (string, error) {
	at := w.now().UTC()
	var last sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT occurred_at FROM timeline WHERE request_id=? ORDER BY id DESC LIMIT 1`, requestID).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read last timeline entry: %w", err)
	}
	if last.Valid {
		prev, perr := time.Parse(time.RFC3339Nano, last.String)
		if perr == nil && at.Before(prev) {
			at = prev
		}
	}
	return Format(at), nil
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.TimelineEntry, error) {
	if !e.Action.Valid() {
		return domain.TimelineEntry{}, fmt.Errorf("unknown audit action %q", e.Action)
	}
	if e.OccurredAt == "" {
		at, err := w.Stamp(ctx, tx, e.RequestID)
		if err != nil {
			return domain.TimelineEntry{}, err
		}
		e.OccurredAt = at
	}
	var details any
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return domain.TimelineEntry{}, fmt.Errorf("marshal timeline details: %w", err)
		}
		details = string(data)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO timeline(request_id,action,actor_role,actor_id,comment,from_state,to_state,details_json,occurred_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.RequestID, string(e.Action), string(e.ActorRole), nullable(e.ActorID), nullable(e.Comment), nullable(string(e.From)), string(e.To), details, e.OccurredAt)
	if err != nil {
		return domain.TimelineEntry{}, fmt.Errorf("append timeline: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	return domain.TimelineEntry{
		ID:            id,
		RequestID:     e.RequestID,
		Action:        e.Action,
		ActorRole:     e.ActorRole,
		ActorIdentity: e.ActorID,
		Comment:       e.Comment,
		FromState:     e.From,
		ToState:       e.To,
		Details:       e.Details,
		OccurredAt:    e.OccurredAt,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
