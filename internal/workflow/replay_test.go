package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitline/internal/domain"
)

type entryBuilder struct {
	id  int64
	at  time.Time
	out []domain.TimelineEntry
}

func (b *entryBuilder) add(action domain.AuditAction, role domain.Role, to domain.State) *entryBuilder {
	b.id++
	b.at = b.at.Add(time.Minute)
	b.out = append(b.out, domain.TimelineEntry{
		ID:         b.id,
		RequestID:  "r-1",
		Action:     action,
		ActorRole:  role,
		ToState:    to,
		OccurredAt: b.at.Format(time.RFC3339Nano),
	})
	return b
}

func newEntries() *entryBuilder {
	return &entryBuilder{at: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestReplayFullPathToIssued(t *testing.T) {
	b := newEntries().
		add(domain.AuditCreation, domain.RoleClient, domain.StateSubmitted).
		add(domain.AuditReturnToClient, domain.RoleWindowClerk, domain.StateReturnedByWindow).
		add(domain.AuditSubmission, domain.RoleClient, domain.StateSubmitted).
		add(domain.AuditWindowValidation, domain.RoleWindowClerk, domain.StatePendingTechnicalReview).
		add(domain.AuditTechnicalValidation, domain.RoleTechnicalDirector, domain.StatePendingTechnicalReview).
		add(domain.AuditDirectorApproval, domain.RoleTechnicalDirector, domain.StateApprovedByTechnicalDirector).
		add(domain.AuditExecutiveApproval, domain.RoleExecutiveDirection, domain.StatePendingNationalAuthority).
		add(domain.AuditAuthorityApproval, domain.RoleNationalAuthority, domain.StateIssued)

	st, err := DefaultRegistry().Replay(b.out)
	require.NoError(t, err)
	assert.Equal(t, domain.StateIssued, st)
}

func TestReplayDraftStart(t *testing.T) {
	b := newEntries().
		add(domain.AuditCreation, domain.RoleClient, domain.StateDraft).
		add(domain.AuditDocumentRemoved, domain.RoleClient, domain.StateDraft).
		add(domain.AuditSubmission, domain.RoleClient, domain.StateSubmitted)
	st, err := DefaultRegistry().Replay(b.out)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, st)
}

func TestReplayAcceptsRecordedReopenUnderAnyPolicy(t *testing.T) {
	b := newEntries().
		add(domain.AuditCreation, domain.RoleSystem, domain.StateSubmitted).
		add(domain.AuditWindowValidation, domain.RoleWindowClerk, domain.StatePendingTechnicalReview).
		add(domain.AuditDirectorRejection, domain.RoleTechnicalDirector, domain.StateRejectedByTechnicalDirector).
		add(domain.AuditSubmission, domain.RoleClient, domain.StateSubmitted)

	for name, reg := range map[string]*Registry{
		"reopen allowed": NewRegistry(ReopenPolicy{Kinds: map[domain.RequestKind]bool{domain.KindNew: true}}),
		"reopen revoked": NewRegistry(ReopenPolicy{}),
	} {
		st, err := reg.Replay(b.out)
		require.NoError(t, err, name)
		assert.Equal(t, domain.StateSubmitted, st, name)
	}
}

func TestReplayRejectsResubmitFromWrongRole(t *testing.T) {
	b := newEntries().
		add(domain.AuditCreation, domain.RoleClient, domain.StateSubmitted).
		add(domain.AuditWindowValidation, domain.RoleWindowClerk, domain.StatePendingTechnicalReview).
		add(domain.AuditDirectorRejection, domain.RoleTechnicalDirector, domain.StateRejectedByTechnicalDirector).
		add(domain.AuditSubmission, domain.RoleWindowClerk, domain.StateSubmitted)

	_, err := NewRegistry(ReopenPolicy{Kinds: map[domain.RequestKind]bool{domain.KindNew: true}}).Replay(b.out)
	var re *ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int64(4), re.EntryID)
}

func TestReplayDetectsDrift(t *testing.T) {
	reg := DefaultRegistry()

	wrongRole := newEntries().
		add(domain.AuditCreation, domain.RoleClient, domain.StateSubmitted).
		add(domain.AuditDirectorApproval, domain.RoleTechnicalDirector, domain.StateApprovedByTechnicalDirector)
	_, err := reg.Replay(wrongRole.out)
	var re *ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int64(2), re.EntryID)

	wrongTarget := newEntries().
		add(domain.AuditCreation, domain.RoleClient, domain.StateSubmitted).
		add(domain.AuditWindowValidation, domain.RoleWindowClerk, domain.StateIssued)
	_, err = reg.Replay(wrongTarget.out)
	require.Error(t, err)

	noCreation := newEntries().
		add(domain.AuditWindowValidation, domain.RoleWindowClerk, domain.StatePendingTechnicalReview)
	_, err = reg.Replay(noCreation.out)
	require.Error(t, err)

	_, err = reg.Replay(nil)
	require.Error(t, err)
}

func TestReplayRejectsTimeTravel(t *testing.T) {
	b := newEntries().
		add(domain.AuditCreation, domain.RoleClient, domain.StateSubmitted).
		add(domain.AuditWindowValidation, domain.RoleWindowClerk, domain.StatePendingTechnicalReview)
	b.out[1].OccurredAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	_, err := DefaultRegistry().Replay(b.out)
	require.Error(t, err)
}
