// Package dispatch delivers notifications to providers, requesters and
// operators over whichever channels are configured.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier is the outbound notification channel. Callers treat every call as
// fire-and-forget and only log failures.
type Notifier interface {
	NotifyProvider(ctx context.Context, providerID string, n models.Notification) error
	NotifyRequester(ctx context.Context, requesterID string, n models.Notification) error
	NotifyAdmins(ctx context.Context, n models.Notification) error
}

// Role identifies the audience of a session or message.
type Role string

const (
	RoleProvider  Role = "provider"
	RoleRequester Role = "requester"
	RoleAdmin     Role = "admin"
)

// Fallback tries each notifier in order and stops at the first success.
type Fallback []Notifier

func (f Fallback) NotifyProvider(ctx context.Context, providerID string, n models.Notification) error {
	return f.try(func(x Notifier) error { return x.NotifyProvider(ctx, providerID, n) })
}

func (f Fallback) NotifyRequester(ctx context.Context, requesterID string, n models.Notification) error {
	return f.try(func(x Notifier) error { return x.NotifyRequester(ctx, requesterID, n) })
}

func (f Fallback) NotifyAdmins(ctx context.Context, n models.Notification) error {
	return f.try(func(x Notifier) error { return x.NotifyAdmins(ctx, n) })
}

func (f Fallback) try(call func(Notifier) error) error {
	if len(f) == 0 {
		return errors.New("no notification channel configured")
	}
	var errs []error
	for i, x := range f {
		if x == nil {
			continue
		}
		err := call(x)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("channel %d: %w", i, err))
	}
	return errors.Join(errs...)
}
