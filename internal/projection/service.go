package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"permitline/internal/domain"
	"permitline/internal/repo"
	"permitline/internal/workflow"
)

// Scope narrows a projection to what one principal may see. ApplicantID
// is required for the client role.
type Scope struct {
	Role        domain.Role
	ApplicantID string
}

func (s Scope) filters() repo.RequestFilters {
	f := repo.RequestFilters{}
	if s.Role == domain.RoleClient {
		f.ApplicantID = s.ApplicantID
	} else {
		f.ExcludeDraft = true
	}
	return f
}

func (s Scope) validate() error {
	if !s.Role.Valid() {
		return fmt.Errorf("unknown role %q", s.Role)
	}
	if s.Role == domain.RoleClient && s.ApplicantID == "" {
		return fmt.Errorf("client projections need an applicant id")
	}
	return nil
}

func (s Scope) cacheKey() string {
	if s.Role == domain.RoleClient {
		return fmt.Sprintf("counts:%s:%s", s.Role, s.ApplicantID)
	}
	return "counts:" + string(s.Role)
}

// Service reads requests through the repo. Counts may be served from
// Cache for up to TTL.
type Service struct {
	Repo     repo.Repo
	Registry *workflow.Registry
	Cache    Cache
	TTL      time.Duration
	Logger   *slog.Logger
}

func (s Service) registry() *workflow.Registry {
	if s.Registry != nil {
		return s.Registry
	}
	return workflow.DefaultRegistry()
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ListActionable returns the scope role's work queue.
func (s Service) ListActionable(ctx context.Context, scope Scope, limit int) ([]domain.Request, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	states := s.registry().HolderStates(scope.Role)
	if len(states) == 0 {
		return []domain.Request{}, nil
	}
	f := scope.filters()
	f.States = states
	f.Order = repo.OldestUpdateFirst
	reqs, err := s.Repo.ListRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	out := Actionable(s.registry(), reqs, scope.Role)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []domain.Request{}
	}
	return out, nil
}

// Counts returns the dashboard cards for the scope.
func (s Service) Counts(ctx context.Context, scope Scope) (domain.Counts, error) {
	if err := scope.validate(); err != nil {
		return domain.Counts{}, err
	}
	key := scope.cacheKey()
	if s.Cache != nil && s.TTL > 0 {
		c, ok, err := s.Cache.Get(ctx, key)
		if err != nil {
			s.logger().Warn("dashboard cache read failed", "key", key, "error", err)
		} else if ok {
			return c, nil
		}
	}
	reqs, err := s.Repo.ListRequests(ctx, scope.filters())
	if err != nil {
		return domain.Counts{}, err
	}
	c := CountFor(s.registry(), reqs, scope.Role)
	if s.Cache != nil && s.TTL > 0 {
		if err := s.Cache.Set(ctx, key, c, s.TTL); err != nil {
			s.logger().Warn("dashboard cache write failed", "key", key, "error", err)
		}
	}
	return c, nil
}

// ListFilters narrows ListAll.
type ListFilters struct {
	States      []domain.State
	Kind        domain.RequestKind
	ServiceType string
	ApplicantID string
	Limit       int
	CursorTS    string
	CursorID    string
}

// ListAll is the read-only "all requests" view, newest first, including
// closed requests.
func (s Service) ListAll(ctx context.Context, scope Scope, lf ListFilters) ([]domain.Request, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	f := scope.filters()
	f.States = lf.States
	f.Kind = lf.Kind
	f.ServiceType = lf.ServiceType
	if scope.Role != domain.RoleClient && lf.ApplicantID != "" {
		f.ApplicantID = lf.ApplicantID
	}
	f.Limit = lf.Limit
	f.CursorTS = lf.CursorTS
	f.CursorID = lf.CursorID
	reqs, err := s.Repo.ListRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Request, 0, len(reqs))
	for _, r := range reqs {
		if Visible(r, scope.Role, scope.ApplicantID) {
			out = append(out, r)
		}
	}
	return out, nil
}
