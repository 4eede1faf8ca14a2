package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitline/internal/certificate"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/migrate"
	"permitline/internal/projection"
	"permitline/internal/workflow"
)

func at(state domain.State, id, updated string) domain.Request {
	return domain.Request{ID: id, ApplicantID: "a-" + id, Kind: domain.KindNew, State: state, UpdatedAt: updated}
}

func TestActionableMirrorsHolder(t *testing.T) {
	reg := workflow.DefaultRegistry()
	reqs := []domain.Request{
		at(domain.StateSubmitted, "2", "2024-01-02"),
		at(domain.StateSubmitted, "1", "2024-01-01"),
		at(domain.StatePendingTechnicalReview, "3", "2024-01-01"),
		at(domain.StateIssued, "4", "2024-01-01"),
	}
	for _, role := range domain.Roles {
		got := projection.Actionable(reg, reqs, role)
		for _, r := range got {
			assert.Equal(t, role, reg.Holder(r))
		}
	}
	clerk := projection.Actionable(reg, reqs, domain.RoleWindowClerk)
	require.Len(t, clerk, 2)
	assert.Equal(t, "1", clerk[0].ID)
	assert.Empty(t, projection.Actionable(reg, reqs, domain.RoleNone))
}

func TestCountForPendingTakesPrecedence(t *testing.T) {
	reg := workflow.NewRegistry(workflow.ReopenPolicy{Kinds: map[domain.RequestKind]bool{domain.KindNew: true}})
	reqs := []domain.Request{
		at(domain.StateRejectedByTechnicalDirector, "1", "t"),
		at(domain.StateIssued, "2", "t"),
		at(domain.StateRejectedByExecutive, "3", "t"),
		at(domain.StateReturnedByWindow, "4", "t"),
	}
	// NEW requests rejected by the director can be reopened, so the
	// client holds them.
	assert.Equal(t, domain.Counts{Pending: 2, Approved: 1, Rejected: 1}, projection.CountFor(reg, reqs, domain.RoleClient))
	assert.Equal(t, domain.Counts{Approved: 3, Rejected: 1}, projection.CountFor(reg, reqs, domain.RoleWindowClerk))
	assert.Equal(t, domain.Counts{Approved: 2, Rejected: 1}, projection.CountFor(reg, reqs, domain.RoleTechnicalDirector))

	strict := workflow.DefaultRegistry()
	assert.Equal(t, domain.Counts{Pending: 1, Approved: 1, Rejected: 2}, projection.CountFor(strict, reqs, domain.RoleClient))
}

func TestVisible(t *testing.T) {
	own := at(domain.StateDraft, "1", "t")
	assert.True(t, projection.Visible(own, domain.RoleClient, own.ApplicantID))
	assert.False(t, projection.Visible(own, domain.RoleClient, "someone-else"))
	assert.False(t, projection.Visible(own, domain.RoleWindowClerk, ""))
	assert.True(t, projection.Visible(at(domain.StateIssued, "2", "t"), domain.RoleNationalAuthority, ""))
}

func TestMemoryCacheExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := projection.NewMemoryCache()
	c.Now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", domain.Counts{Pending: 3}, time.Minute))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, got.Pending)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

type stubCerts struct{ calls int }

func (s *stubCerts) GenerateCertificate(ctx context.Context, id string) (string, error) {
	s.calls++
	return certificate.Generator{Prefix: "CERT"}.GenerateCertificate(ctx, id)
}

func TestServiceFollowsRequestThroughPipeline(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	certs := &stubCerts{}
	eng.Certificates = certs
	svc := projection.Service{Repo: eng.Repo, Registry: eng.Registry}
	ctx := context.Background()

	req, err := eng.CreateRequest(ctx, engine.CreateRequestInput{ApplicantID: "citizen-9", ServiceType: "import-permit", Kind: domain.KindNew})
	require.NoError(t, err)
	_, err = eng.CreateRequest(ctx, engine.CreateRequestInput{ApplicantID: "citizen-9", ServiceType: "import-permit", Kind: domain.KindNew, Draft: true})
	require.NoError(t, err)

	queue, err := svc.ListActionable(ctx, projection.Scope{Role: domain.RoleWindowClerk}, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, req.ID, queue[0].ID)

	steps := []struct {
		role   domain.Role
		action domain.Action
	}{
		{domain.RoleWindowClerk, domain.ActionValidate},
		{domain.RoleTechnicalDirector, domain.ActionApprove},
		{domain.RoleExecutiveDirection, domain.ActionApprove},
	}
	for _, s := range steps {
		_, err := eng.ApplyTransition(ctx, engine.TransitionInput{RequestID: req.ID, ActorRole: s.role, Action: s.action})
		require.NoError(t, err)
	}
	counts, err := svc.Counts(ctx, projection.Scope{Role: domain.RoleNationalAuthority})
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Pending: 1}, counts)

	_, err = eng.ApplyTransition(ctx, engine.TransitionInput{RequestID: req.ID, ActorRole: domain.RoleNationalAuthority, Action: domain.ActionApprove})
	require.NoError(t, err)

	counts, err = svc.Counts(ctx, projection.Scope{Role: domain.RoleNationalAuthority})
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Approved: 1}, counts)
	assert.Equal(t, 1, certs.calls)

	client, err := svc.Counts(ctx, projection.Scope{Role: domain.RoleClient, ApplicantID: "citizen-9"})
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Pending: 1, Approved: 1}, client)

	all, err := svc.ListAll(ctx, projection.Scope{Role: domain.RoleWindowClerk}, projection.ListFilters{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.StateIssued, all[0].State)

	_, err = svc.Counts(ctx, projection.Scope{Role: domain.RoleClient})
	assert.Error(t, err)
}

func TestServiceServesCachedCounts(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	cache := projection.NewMemoryCache()
	svc := projection.Service{Repo: eng.Repo, Registry: eng.Registry, Cache: cache, TTL: time.Minute}
	ctx := context.Background()
	scope := projection.Scope{Role: domain.RoleWindowClerk}

	first, err := svc.Counts(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, first.Pending)

	_, err = eng.CreateRequest(ctx, engine.CreateRequestInput{ApplicantID: "a", ServiceType: "s", Kind: domain.KindRenewal})
	require.NoError(t, err)

	cached, err := svc.Counts(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, cached.Pending)

	fresh, err := projection.Service{Repo: eng.Repo, Registry: eng.Registry}.Counts(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Pending)
}
