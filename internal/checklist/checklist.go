// Package checklist decides whether a submission carries every document
// its kind or service requires.
package checklist

import (
	"context"
	"sort"

	"permitline/internal/config"
	"permitline/internal/repo"
)

type Checker struct {
	Repo   repo.Repo
	Config *config.Config
}

func (c Checker) IsSubmissionComplete(ctx context.Context, requestID string) (bool, error) {
	missing, err := c.MissingDocuments(ctx, requestID)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// MissingDocuments lists required document kinds with no active document.
func (c Checker) MissingDocuments(ctx context.Context, requestID string) ([]string, error) {
	req, err := c.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if c.Config == nil {
		return nil, nil
	}
	required := c.Config.RequiredDocuments(req.Kind, req.ServiceType)
	if len(required) == 0 {
		return nil, nil
	}
	docs, err := c.Repo.ListDocuments(ctx, requestID, false)
	if err != nil {
		return nil, err
	}
	have := map[string]bool{}
	for _, d := range docs {
		have[d.Kind] = true
	}
	var missing []string
	for _, kind := range required {
		if !have[kind] {
			missing = append(missing, kind)
		}
	}
	sort.Strings(missing)
	return missing, nil
}
