// Package projection derives per-role queues and dashboard counts from
// current request state. It never writes.
package projection

import (
	"sort"

	"permitline/internal/domain"
	"permitline/internal/workflow"
)

// Actionable returns the requests role currently holds, oldest update first.
func Actionable(reg *workflow.Registry, reqs []domain.Request, role domain.Role) []domain.Request {
	var out []domain.Request
	if role == domain.RoleNone {
		return out
	}
	for _, r := range reqs {
		if reg.Holder(r) == role {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CountFor classifies reqs for role's dashboard cards. A request the role
// holds counts as pending even if its state is also in an approved or
// rejected set.
func CountFor(reg *workflow.Registry, reqs []domain.Request, role domain.Role) domain.Counts {
	var c domain.Counts
	spec, _ := reg.Queue(role)
	approved := stateSet(spec.Approved)
	rejected := stateSet(spec.Rejected)
	for _, r := range reqs {
		switch {
		case role != domain.RoleNone && reg.Holder(r) == role:
			c.Pending++
		case approved[r.State]:
			c.Approved++
		case rejected[r.State]:
			c.Rejected++
		}
	}
	return c
}

// Visible reports whether a principal acting as role may read req in the
// "all requests" views. Clients see only their own requests; staff never
// see drafts.
func Visible(req domain.Request, role domain.Role, actorID string) bool {
	switch role {
	case domain.RoleClient:
		return actorID != "" && req.ApplicantID == actorID
	case domain.RoleNone:
		return false
	default:
		return req.State != domain.StateDraft
	}
}

func stateSet(states []domain.State) map[domain.State]bool {
	set := make(map[domain.State]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}
