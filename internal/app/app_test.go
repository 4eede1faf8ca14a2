package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/projection"
)

func TestOpenWiresDefaults(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), Registerer: reg})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Engine.Checker)
	require.NotNil(t, a.Engine.Certificates)
	require.NotNil(t, a.Engine.Notifier)
	require.NotNil(t, a.Projection.Cache)
	require.True(t, a.Config.Workflow.Drafts)

	req, err := a.Engine.CreateRequest(ctx, engine.CreateRequestInput{
		ApplicantID: "applicant-1",
		ServiceType: "radio-license",
		Kind:        domain.KindNew,
		Payload:     json.RawMessage(`{"band":"VHF"}`),
		ActorRole:   domain.RoleClient,
		ActorID:     "applicant-1",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateSubmitted, req.State)
	require.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.RequestsCreated.WithLabelValues(string(domain.KindNew))))

	counts, err := a.Projection.Counts(ctx, projection.Scope{Role: domain.RoleWindowClerk})
	require.NoError(t, err)
	require.Equal(t, 1, counts.Pending)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := `workflow:
  drafts: false
certificates:
  prefix: PRM
dashboard:
  cache_ttl_seconds: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "permitline.yml"), []byte(yml), 0o644))
	a, err := Open(context.Background(), Options{Workspace: dir})
	require.NoError(t, err)
	defer a.Close()

	require.False(t, a.Config.Workflow.Drafts)
	require.Nil(t, a.Projection.Cache)
	require.Nil(t, a.Metrics)
	require.Nil(t, a.Engine.Notifier)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "permitline.yml"), []byte("workflow: [not, a, map]\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir})
	require.Error(t, err)
}
