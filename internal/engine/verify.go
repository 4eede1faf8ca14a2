package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"permitline/internal/domain"
	"permitline/internal/repo"
)

// ReplayReport compares a request's stored state with the state its
// timeline replays to.
type ReplayReport struct {
	RequestID string       `json:"request_id"`
	Stored    domain.State `json:"stored_state"`
	Replayed  domain.State `json:"replayed_state,omitempty"`
	Entries   int          `json:"entries"`
	Error     string       `json:"error,omitempty"`
}

func (r ReplayReport) OK() bool {
	return r.Error == "" && r.Stored == r.Replayed
}

// VerifyReplay replays one request's timeline through the registry.
func (e Engine) VerifyReplay(ctx context.Context, id string) (ReplayReport, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("request %s: %w", id, err)
	}
	entries, err := e.Repo.Timeline(ctx, id)
	if err != nil {
		return ReplayReport{}, err
	}
	report := ReplayReport{RequestID: id, Stored: req.State, Entries: len(entries)}
	state, err := e.registry().Replay(entries)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	report.Replayed = state
	if state != req.State {
		report.Error = fmt.Sprintf("stored state %s, timeline replays to %s", req.State, state)
	}
	return report, nil
}

// VerifyAll replays every request, at most workers at a time, and returns
// the reports ordered by request id.
func (e Engine) VerifyAll(ctx context.Context, workers int) ([]ReplayReport, error) {
	reqs, err := e.Repo.ListRequests(ctx, repo.RequestFilters{})
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var mu sync.Mutex
	reports := make([]ReplayReport, 0, len(reqs))
	for _, req := range reqs {
		id := req.ID
		g.Go(func() error {
			report, err := e.VerifyReplay(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].RequestID < reports[j].RequestID })
	return reports, nil
}
