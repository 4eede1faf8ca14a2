package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"permitline/internal/domain"
)

const timelineColumns = `id,request_id,action,actor_role,actor_id,comment,from_state,to_state,details_json,occurred_at`

func scanTimeline(rows *sql.Rows) ([]domain.TimelineEntry, error) {
	defer rows.Close()
	var res []domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		var action, role, to string
		var actorID, comment, from, details sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &action, &role, &actorID, &comment, &from, &to, &details, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		e.ActorRole = domain.Role(role)
		e.ToState = domain.State(to)
		e.ActorIdentity = actorID.String
		e.Comment = comment.String
		e.FromState = domain.State(from.String)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode timeline details %d: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Timeline returns every entry of a request in insertion order.
func (r Repo) Timeline(ctx context.Context, requestID string) ([]domain.TimelineEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+timelineColumns+` FROM timeline WHERE request_id=? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

type TimelineFilters struct {
	RequestID string
	Action    domain.AuditAction
	ActorRole domain.Role
	// Before pages backwards: only entries with id < Before.
	Before int64
	Limit  int
}

// LatestTimeline returns entries newest first across all requests.
func (r Repo) LatestTimeline(ctx context.Context, f TimelineFilters) ([]domain.TimelineEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, string(f.Action))
	}
	if f.ActorRole != "" {
		clauses = append(clauses, "actor_role=?")
		args = append(args, string(f.ActorRole))
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM timeline WHERE %s ORDER BY id DESC LIMIT ?`, timelineColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

// TimelineAfter returns entries with IDs greater than the cursor in ascending order.
func (r Repo) TimelineAfter(ctx context.Context, limit int, cursor int64) ([]domain.TimelineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+timelineColumns+` FROM timeline WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

// LatestTimelineID returns the most recent timeline entry ID.
func (r Repo) LatestTimelineID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM timeline`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
