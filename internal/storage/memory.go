package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is an in-process Store. Transactions run under the store lock
// against a copy of the state that replaces the original on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	providers     map[string]*models.Provider
	providerZones map[string][]models.ProviderZone
	bookings      map[string]*models.Booking
	attempts      map[string][]*models.DispatchAttempt // by booking id, insertion order
	zones         map[string]models.ServiceZone
	providerOrder []string
}

func newMemState() *memState {
	return &memState{
		providers:     make(map[string]*models.Provider),
		providerZones: make(map[string][]models.ProviderZone),
		bookings:      make(map[string]*models.Booking),
		attempts:      make(map[string][]*models.DispatchAttempt),
		zones:         make(map[string]models.ServiceZone),
	}
}

// clone copies the maps. Records are never mutated in place, so sharing the
// pointed-to values between copies is safe.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.providerZones {
		c.providerZones[k] = append([]models.ProviderZone(nil), v...)
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.attempts {
		c.attempts[k] = append([]*models.DispatchAttempt(nil), v...)
	}
	for k, v := range s.zones {
		c.zones[k] = v
	}
	c.providerOrder = append([]string(nil), s.providerOrder...)
	return c
}

func (m *MemoryStore) with(fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) GetProvider(ctx context.Context, id string) (p *models.Provider, err error) {
	err = m.with(func(s *memState) error { p, err = s.getProvider(id); return err })
	return p, err
}

func (m *MemoryStore) ListProviders(ctx context.Context, f ProviderFilter) (out []models.Provider, err error) {
	err = m.with(func(s *memState) error { out = s.listProviders(f); return nil })
	return out, err
}

func (m *MemoryStore) SaveProvider(ctx context.Context, p *models.Provider) error {
	return m.with(func(s *memState) error { s.saveProvider(p); return nil })
}

func (m *MemoryStore) SetProviderAvailable(ctx context.Context, id string, available bool) error {
	return m.with(func(s *memState) error { return s.setAvailable(id, available) })
}

func (m *MemoryStore) MoveProvider(ctx context.Context, id string, loc *models.Coordinate, online bool, at time.Time) (wasOnline bool, err error) {
	err = m.with(func(s *memState) error { wasOnline, err = s.moveProvider(id, loc, online, at); return err })
	return wasOnline, err
}

func (m *MemoryStore) AccrueEarnings(ctx context.Context, id string, amount int64) error {
	return m.with(func(s *memState) error { return s.accrue(id, amount) })
}

func (m *MemoryStore) ProviderZones(ctx context.Context, providerID string) (out []models.ProviderZone, err error) {
	err = m.with(func(s *memState) error {
		out = append([]models.ProviderZone(nil), s.providerZones[providerID]...)
		return nil
	})
	return out, err
}

func (m *MemoryStore) SaveProviderZone(ctx context.Context, pz models.ProviderZone) error {
	return m.with(func(s *memState) error { s.saveProviderZone(pz); return nil })
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	return m.with(func(s *memState) error { return s.createBooking(b) })
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (b *models.Booking, err error) {
	err = m.with(func(s *memState) error { b, err = s.getBooking(id); return err })
	return b, err
}

func (m *MemoryStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	return m.with(func(s *memState) error { return s.updateBooking(b) })
}

func (m *MemoryStore) EngagedBooking(ctx context.Context, providerID string) (b *models.Booking, err error) {
	err = m.with(func(s *memState) error { b, err = s.engagedBooking(providerID); return err })
	return b, err
}

func (m *MemoryStore) CreateAttempt(ctx context.Context, a *models.DispatchAttempt) (created bool, err error) {
	err = m.with(func(s *memState) error { created = s.createAttempt(a); return nil })
	return created, err
}

func (m *MemoryStore) ListAttempts(ctx context.Context, bookingID string) (out []models.DispatchAttempt, err error) {
	err = m.with(func(s *memState) error { out = s.listAttempts(bookingID); return nil })
	return out, err
}

func (m *MemoryStore) UpdateAttempt(ctx context.Context, a *models.DispatchAttempt) error {
	return m.with(func(s *memState) error { return s.updateAttempt(a) })
}

func (m *MemoryStore) ListZones(ctx context.Context) (out []models.ServiceZone, err error) {
	err = m.with(func(s *memState) error { out = s.listZones(); return nil })
	return out, err
}

func (m *MemoryStore) SaveZone(ctx context.Context, z models.ServiceZone) error {
	return m.with(func(s *memState) error { s.zones[z.ID] = z; return nil })
}

// memTx is the Store view handed to Atomically callbacks. The outer lock is
// already held.
type memTx struct{ state *memState }

func (t *memTx) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	return t.state.getProvider(id)
}

func (t *memTx) ListProviders(ctx context.Context, f ProviderFilter) ([]models.Provider, error) {
	return t.state.listProviders(f), nil
}

func (t *memTx) SaveProvider(ctx context.Context, p *models.Provider) error {
	t.state.saveProvider(p)
	return nil
}

func (t *memTx) SetProviderAvailable(ctx context.Context, id string, available bool) error {
	return t.state.setAvailable(id, available)
}

func (t *memTx) MoveProvider(ctx context.Context, id string, loc *models.Coordinate, online bool, at time.Time) (bool, error) {
	return t.state.moveProvider(id, loc, online, at)
}

func (t *memTx) AccrueEarnings(ctx context.Context, id string, amount int64) error {
	return t.state.accrue(id, amount)
}

func (t *memTx) ProviderZones(ctx context.Context, providerID string) ([]models.ProviderZone, error) {
	return append([]models.ProviderZone(nil), t.state.providerZones[providerID]...), nil
}

func (t *memTx) SaveProviderZone(ctx context.Context, pz models.ProviderZone) error {
	t.state.saveProviderZone(pz)
	return nil
}

func (t *memTx) CreateBooking(ctx context.Context, b *models.Booking) error {
	return t.state.createBooking(b)
}

func (t *memTx) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return t.state.getBooking(id)
}

func (t *memTx) UpdateBooking(ctx context.Context, b *models.Booking) error {
	return t.state.updateBooking(b)
}

func (t *memTx) EngagedBooking(ctx context.Context, providerID string) (*models.Booking, error) {
	return t.state.engagedBooking(providerID)
}

func (t *memTx) CreateAttempt(ctx context.Context, a *models.DispatchAttempt) (bool, error) {
	return t.state.createAttempt(a), nil
}

func (t *memTx) ListAttempts(ctx context.Context, bookingID string) ([]models.DispatchAttempt, error) {
	return t.state.listAttempts(bookingID), nil
}

func (t *memTx) UpdateAttempt(ctx context.Context, a *models.DispatchAttempt) error {
	return t.state.updateAttempt(a)
}

func (t *memTx) ListZones(ctx context.Context) ([]models.ServiceZone, error) {
	return t.state.listZones(), nil
}

func (t *memTx) SaveZone(ctx context.Context, z models.ServiceZone) error {
	t.state.zones[z.ID] = z
	return nil
}

// Nested transactions join the outer one.
func (t *memTx) Atomically(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func (s *memState) getProvider(id string) (*models.Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, models.NotFoundf("provider %s", id)
	}
	return cloneProvider(p), nil
}

func (s *memState) listProviders(f ProviderFilter) []models.Provider {
	out := make([]models.Provider, 0)
	for _, id := range s.providerOrder {
		p := s.providers[id]
		if !f.Matches(*p, s.providerZones[id]) {
			continue
		}
		out = append(out, *cloneProvider(p))
	}
	return out
}

func (s *memState) saveProvider(p *models.Provider) {
	if _, ok := s.providers[p.ID]; !ok {
		s.providerOrder = append(s.providerOrder, p.ID)
	}
	c := cloneProvider(p)
	if c.Updated.IsZero() {
		c.Updated = time.Now()
	}
	s.providers[p.ID] = c
}

func (s *memState) setAvailable(id string, available bool) error {
	p, ok := s.providers[id]
	if !ok {
		return models.NotFoundf("provider %s", id)
	}
	if p.Available == available {
		return models.ErrConflict
	}
	c := cloneProvider(p)
	c.Available = available
	c.Updated = time.Now()
	s.providers[id] = c
	return nil
}

func (s *memState) moveProvider(id string, loc *models.Coordinate, online bool, at time.Time) (bool, error) {
	p, ok := s.providers[id]
	if !ok {
		return false, models.NotFoundf("provider %s", id)
	}
	if at.Before(p.LocatedAt) {
		return p.Online, models.ErrStaleUpdate
	}
	c := cloneProvider(p)
	c.Online = online
	c.Loc = nil
	if loc != nil {
		l := *loc
		c.Loc = &l
	}
	c.LocatedAt = at
	s.providers[id] = c
	return p.Online, nil
}

func (s *memState) accrue(id string, amount int64) error {
	p, ok := s.providers[id]
	if !ok {
		return models.NotFoundf("provider %s", id)
	}
	c := cloneProvider(p)
	c.Earnings += amount
	s.providers[id] = c
	return nil
}

func (s *memState) saveProviderZone(pz models.ProviderZone) {
	list := s.providerZones[pz.ProviderID]
	for i, z := range list {
		if z.ZoneID == pz.ZoneID {
			list[i] = pz
			return
		}
	}
	s.providerZones[pz.ProviderID] = append(list, pz)
}

func (s *memState) createBooking(b *models.Booking) error {
	if _, ok := s.bookings[b.ID]; ok {
		return models.ErrConflict
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *memState) getBooking(id string) (*models.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return nil, models.NotFoundf("booking %s", id)
	}
	return b.Clone(), nil
}

func (s *memState) updateBooking(b *models.Booking) error {
	cur, ok := s.bookings[b.ID]
	if !ok {
		return models.NotFoundf("booking %s", b.ID)
	}
	if cur.Version != b.Version {
		return models.ErrVersionConflict
	}
	b.Version++
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *memState) engagedBooking(providerID string) (*models.Booking, error) {
	for _, b := range s.bookings {
		if b.ProviderID == providerID && b.Status.Engaged() {
			return b.Clone(), nil
		}
	}
	return nil, models.NotFoundf("engaged booking for provider %s", providerID)
}

func (s *memState) createAttempt(a *models.DispatchAttempt) bool {
	for _, cur := range s.attempts[a.BookingID] {
		if cur.ProviderID == a.ProviderID {
			return false
		}
	}
	c := *a
	s.attempts[a.BookingID] = append(s.attempts[a.BookingID], &c)
	return true
}

func (s *memState) listAttempts(bookingID string) []models.DispatchAttempt {
	list := s.attempts[bookingID]
	out := make([]models.DispatchAttempt, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	return out
}

func (s *memState) updateAttempt(a *models.DispatchAttempt) error {
	list := s.attempts[a.BookingID]
	for i, cur := range list {
		if cur.ProviderID == a.ProviderID {
			c := *a
			list[i] = &c
			return nil
		}
	}
	return models.NotFoundf("attempt %s/%s", a.BookingID, a.ProviderID)
}

func (s *memState) listZones() []models.ServiceZone {
	out := make([]models.ServiceZone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneProvider(p *models.Provider) *models.Provider {
	c := *p
	if p.Loc != nil {
		loc := *p.Loc
		c.Loc = &loc
	}
	c.Tags = append([]string(nil), p.Tags...)
	return &c
}
