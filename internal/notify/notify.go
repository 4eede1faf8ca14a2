// Package notify delivers applicant notifications emitted after a
// transition commits.
package notify

//go:generate mockgen -source=notify.go -destination=mocks/notifier.go -package=mocks Notifier
//go:generate mockgen -source=kafka.go -destination=mocks/producer.go -package=mocks Producer

import (
	"context"
	"errors"
	"log/slog"

	"permitline/internal/domain"
)

// Notifier matches engine.Notifier.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Log writes each notification as a structured log line.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n domain.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"request_id", n.RequestID,
		"event", n.Event,
		"recipient", n.Recipient,
		"state", n.State,
		"entry_id", n.EntryID,
	)
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, target := range m {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
