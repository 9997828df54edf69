// Package ingest carries provider location and presence updates from the
// edge into the store and the position index.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// LocationUpdate is one provider ping. Loc may be omitted when only
// presence changes; going offline clears the stored position. Pings never
// change availability.
type LocationUpdate struct {
	ProviderID string             `json:"provider_id"`
	Loc        *models.Coordinate `json:"loc,omitempty"`
	Online     bool               `json:"online"`
	At         time.Time          `json:"at"`
}

func (u LocationUpdate) Validate() error {
	if strings.TrimSpace(u.ProviderID) == "" {
		return models.Validationf("provider_id is required")
	}
	if u.Loc != nil && !u.Loc.Valid() {
		return models.Validationf("invalid location %v", *u.Loc)
	}
	if u.Online && u.Loc == nil {
		return models.Validationf("online updates need a location")
	}
	return nil
}

// Decode parses a message value produced by KafkaProducer.
func Decode(value []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return u, models.Validationf("decode location update: %v", err)
	}
	return u, u.Validate()
}

// Applier writes updates to the store and mirrors positions into the
// locator. Either side may be nil.
type Applier struct {
	Store   storage.Store
	Locator geo.Locator
	Logger  *slog.Logger
}

func NewApplier(store storage.Store, loc geo.Locator, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{Store: store, Locator: loc, Logger: logger}
}

// Apply records u and returns the stored provider. It returns nil when no
// store is configured or when u is older than the last applied update, in
// which case the locator is left alone too.
func (a *Applier) Apply(ctx context.Context, u LocationUpdate) (*models.Provider, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	var saved *models.Provider
	if a.Store != nil {
		var loc *models.Coordinate
		if u.Online {
			loc = u.Loc
		}
		wasOnline := false
		err := a.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
			var err error
			if wasOnline, err = tx.MoveProvider(ctx, u.ProviderID, loc, u.Online, u.At); err != nil {
				return err
			}
			saved, err = tx.GetProvider(ctx, u.ProviderID)
			return err
		})
		if errors.Is(err, models.ErrStaleUpdate) {
			a.Logger.Debug("stale provider location dropped", "provider_id", u.ProviderID, "at", u.At)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case u.Online && !wasOnline:
			observability.ProvidersOnline.Inc()
		case !u.Online && wasOnline:
			observability.ProvidersOnline.Dec()
		}
	}

	if a.Locator != nil {
		var err error
		if u.Online {
			err = a.Locator.Upsert(ctx, u.ProviderID, *u.Loc)
		} else {
			err = a.Locator.Remove(ctx, u.ProviderID)
		}
		if err != nil {
			return saved, models.Dependency("position index", err)
		}
	}
	a.Logger.Debug("provider location applied", "provider_id", u.ProviderID, "online", u.Online)
	return saved, nil
}

// ApplyWithRetry retries failed position index writes with doubling delay.
// Validation and not-found errors are returned at once.
func (a *Applier) ApplyWithRetry(ctx context.Context, u LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = a.Apply(ctx, u); err == nil {
			return nil
		}
		if models.IsPermanent(err) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("apply update for %s: %w", u.ProviderID, err)
}
