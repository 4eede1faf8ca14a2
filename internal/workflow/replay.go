package workflow

import (
	"fmt"
	"time"

	"permitline/internal/domain"
)

// ReplayError points at the first timeline entry that cannot be explained
// by the transition table.
type ReplayError struct {
	EntryID int64
	Index   int
	Reason  string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay entry %d (#%d): %s", e.EntryID, e.Index, e.Reason)
}

// Replay recomputes a request's state from its timeline by pushing every
// entry back through the table. Entries must be in insertion order.
// Reopen entries are taken as recorded: the reopen policy was checked when
// they were written and may have changed since.
func (r *Registry) Replay(entries []domain.TimelineEntry) (domain.State, error) {
	if len(entries) == 0 {
		return "", &ReplayError{Reason: "timeline is empty"}
	}
	first := entries[0]
	if first.Action != domain.AuditCreation {
		return "", &ReplayError{EntryID: first.ID, Reason: fmt.Sprintf("first entry is %s, want %s", first.Action, domain.AuditCreation)}
	}
	if first.ToState != domain.StateSubmitted && first.ToState != domain.StateDraft {
		return "", &ReplayError{EntryID: first.ID, Reason: fmt.Sprintf("request created in %s", first.ToState)}
	}
	state := first.ToState
	prevID := first.ID
	prevAt, err := parseOccurredAt(first)
	if err != nil {
		return "", err
	}
	for i, entry := range entries[1:] {
		idx := i + 1
		if entry.ID <= prevID {
			return "", &ReplayError{EntryID: entry.ID, Index: idx, Reason: "entries out of insertion order"}
		}
		at, err := parseOccurredAt(entry)
		if err != nil {
			return "", err
		}
		if at.Before(prevAt) {
			return "", &ReplayError{EntryID: entry.ID, Index: idx, Reason: "occurred_at went backwards"}
		}
		if entry.Action == domain.AuditCreation {
			return "", &ReplayError{EntryID: entry.ID, Index: idx, Reason: "second CREATION entry"}
		}
		rule, ok := r.byAudit[auditKey{state, entry.ActorRole, entry.Action}]
		if !ok {
			return "", &ReplayError{EntryID: entry.ID, Index: idx, Reason: fmt.Sprintf("no rule for %s by %s from %s", entry.Action, entry.ActorRole, state)}
		}
		if entry.ToState != "" && entry.ToState != rule.Next {
			return "", &ReplayError{EntryID: entry.ID, Index: idx, Reason: fmt.Sprintf("entry recorded %s, table gives %s", entry.ToState, rule.Next)}
		}
		state = rule.Next
		prevID = entry.ID
		prevAt = at
	}
	return state, nil
}

func parseOccurredAt(e domain.TimelineEntry) (time.Time, error) {
	at, err := time.Parse(time.RFC3339Nano, e.OccurredAt)
	if err != nil {
		return time.Time{}, &ReplayError{EntryID: e.ID, Reason: fmt.Sprintf("bad occurred_at %q", e.OccurredAt)}
	}
	return at, nil
}
