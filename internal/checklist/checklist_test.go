package checklist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/migrate"
	"permitline/internal/workflow"
)

func TestChecklistGatesWindowValidation(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	eng := engine.New(conn, cfg)
	checker := Checker{Repo: eng.Repo, Config: cfg}
	eng.Checker = checker
	ctx := context.Background()

	req, err := eng.CreateRequest(ctx, engine.CreateRequestInput{
		ApplicantID: "a",
		ServiceType: "radio-licence",
		Kind:        domain.KindLostOrStolenReplacement,
		Documents: []engine.DocumentInput{
			{Kind: "application_form", Ref: "r1"},
			{Kind: "identity_document", Ref: "r2"},
		},
	})
	require.NoError(t, err)

	missing, err := checker.MissingDocuments(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"police_report"}, missing)

	_, err = eng.ApplyTransition(ctx, engine.TransitionInput{RequestID: req.ID, ActorRole: domain.RoleWindowClerk, Action: domain.ActionValidate})
	require.ErrorIs(t, err, workflow.ErrPreconditionFailed)
	assert.Contains(t, err.Error(), "police_report")

	_, err = eng.ApplyTransition(ctx, engine.TransitionInput{RequestID: req.ID, ActorRole: domain.RoleWindowClerk, Action: domain.ActionReturn, Comment: "police report missing"})
	require.NoError(t, err)
	_, err = eng.ApplyTransition(ctx, engine.TransitionInput{
		RequestID: req.ID, ActorRole: domain.RoleClient, Action: domain.ActionResubmit,
		Documents: []engine.DocumentInput{{Kind: "police_report", Ref: "r3"}},
	})
	require.NoError(t, err)

	complete, err := checker.IsSubmissionComplete(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, complete)
	res, err := eng.ApplyTransition(ctx, engine.TransitionInput{RequestID: req.ID, ActorRole: domain.RoleWindowClerk, Action: domain.ActionValidate})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingTechnicalReview, res.Request.State)
}
