package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Locator is a position index for providers. It answers radius queries
// only; availability and compatibility live in the store.
type Locator interface {
	Nearby(ctx context.Context, center models.Coordinate, radiusMeters float64, limit int) ([]Hit, error)
	Upsert(ctx context.Context, id string, c models.Coordinate) error
	Remove(ctx context.Context, id string) error
}

// Hit is one provider position returned by a radius query.
type Hit struct {
	ID             string
	Loc            models.Coordinate
	DistanceMeters float64
}

type entry struct {
	loc     models.Coordinate
	updated time.Time
}

// Index is an in-process Locator.
type Index struct {
	mu        sync.RWMutex
	providers map[string]entry
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, id string, c models.Coordinate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[id] = entry{loc: c, updated: time.Now()}
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.providers, id)
	return nil
}

// naive scan; in prod use RedisIndex
func (g *Index) Nearby(_ context.Context, center models.Coordinate, radiusMeters float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	arr := make([]Hit, 0, len(g.providers))
	for id, e := range g.providers {
		d := Distance(center, e.loc)
		if d > radiusMeters {
			continue
		}
		arr = append(arr, Hit{ID: id, Loc: e.loc, DistanceMeters: d})
	}
	g.mu.RUnlock()

	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].DistanceMeters == arr[j].DistanceMeters {
			return arr[i].ID < arr[j].ID
		}
		return arr[i].DistanceMeters < arr[j].DistanceMeters
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	return arr, nil
}
