package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var origin = models.Coordinate{Lat: 5.6037, Lon: -0.1870}

// metresPerDegreeLat for the 6371 km sphere.
const metresPerDegreeLat = 111194.93

func north(m float64) models.Coordinate {
	return models.Coordinate{Lat: origin.Lat + m/metresPerDegreeLat, Lon: origin.Lon}
}

type recordingNotifier struct {
	mu         sync.Mutex
	providers  []string
	requesters []string
	fail       map[string]bool
	// delivered runs after each successful offer, outside the lock.
	delivered func(id string)
}

func (n *recordingNotifier) NotifyProvider(_ context.Context, id string, _ models.Notification) error {
	n.mu.Lock()
	if n.fail[id] {
		n.mu.Unlock()
		return errors.New("device unreachable")
	}
	n.providers = append(n.providers, id)
	hook := n.delivered
	n.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return nil
}

func (n *recordingNotifier) NotifyRequester(_ context.Context, id string, _ models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requesters = append(n.requesters, id)
	return nil
}

func (n *recordingNotifier) NotifyAdmins(context.Context, models.Notification) error { return nil }

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

// fire runs timer i's callback the way the runtime would, even if stopped.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	t.fired = true
	c.mu.Unlock()
	t.f()
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// exhaustion mimics the lifecycle controller's terminal transition.
type exhaustion struct {
	store    storage.Store
	notifier *recordingNotifier
	calls    int
}

func (x *exhaustion) NoProviderAvailable(ctx context.Context, bookingID string) error {
	x.calls++
	b, err := x.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != models.StatusPending {
		return models.ErrBookingUnavailable
	}
	b.MarkStatus(models.StatusNoDriverAvailable, time.Now())
	if err := x.store.UpdateBooking(ctx, b); err != nil {
		return err
	}
	return x.notifier.NotifyRequester(ctx, b.RequesterID, models.Notification{Kind: models.NotifyNoProvider})
}

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	notifier *recordingNotifier
	clock    *fakeClock
	exhaust  *exhaustion
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	n := &recordingNotifier{fail: map[string]bool{}}
	clock := &fakeClock{}
	e := New(directory.StoreDirectory{Store: store}, store, n, nil, DefaultConfig(), nil)
	e.Timers = NewRoundTimers(clock.AfterFunc)
	seq := 0
	e.NewID = func() string { seq++; return fmt.Sprintf("att-%d", seq) }
	x := &exhaustion{store: store, notifier: n}
	e.Exhausted = x
	return &fixture{engine: e, store: store, notifier: n, clock: clock, exhaust: x}
}

func (f *fixture) provider(t *testing.T, id string, at models.Coordinate, tags ...string) {
	t.Helper()
	if len(tags) == 0 {
		tags = []string{"ride"}
	}
	require.NoError(t, f.store.SaveProvider(context.Background(), &models.Provider{
		ID: id, Loc: &at, Online: true, Available: true, Verified: true, Tags: tags, Rating: 4.8,
	}))
}

func (f *fixture) booking(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateBooking(context.Background(), &models.Booking{
		ID: id, RequesterID: "rider-1", ServiceType: models.ServiceRide, Type: models.BookingImmediate,
		Pickup: origin, Dropoff: north(5000), Status: models.StatusPending, DispatchRound: 1,
		Currency: "GHS", CreatedAt: time.Now(),
	}))
}

func ids(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ProviderID)
	}
	return out
}

func TestFindCandidatesRadiusAndOrder(t *testing.T) {
	f := newFixture(t)
	f.provider(t, "p9000", north(9000))
	f.provider(t, "p20000", north(20000))
	f.provider(t, "p2000", north(2000))

	got, err := f.engine.FindCandidates(context.Background(), CandidateQuery{Origin: origin, ServiceType: models.ServiceRide, RadiusMeters: 15000})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2000", "p9000"}, ids(got))
	assert.InDelta(t, 2000, got[0].DistanceMeters, 1)
	assert.InDelta(t, 9000, got[1].DistanceMeters, 1)
	for _, c := range got {
		assert.Greater(t, c.ETAMinutes, 0)
		assert.Equal(t, c.ProviderID, c.Profile.ID)
	}
}

func TestFindCandidatesFiltersAndTruncates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		f.provider(t, fmt.Sprintf("p%02d", i), north(float64(1000+100*i)))
	}
	f.provider(t, "tie-b", north(500))
	f.provider(t, "tie-a", north(500))
	f.provider(t, "suv", north(100), "ride", "suv")
	f.provider(t, "courier", north(50), "courier")
	require.NoError(t, f.store.SaveProvider(ctx, &models.Provider{ID: "offline", Loc: &origin, Verified: true, Available: true, Tags: []string{"ride"}}))

	got, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, []string{"suv", "tie-b", "tie-a", "p00"}, ids(got)[:4])
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceMeters, got[i].DistanceMeters)
	}

	got, err = f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide, RideType: "suv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"suv"}, ids(got))

	got, err = f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide, MaxResults: 2, ExcludeIDs: []string{"suv"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"tie-b", "tie-a"}, ids(got))
}

func TestFindCandidatesValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.FindCandidates(context.Background(), CandidateQuery{Origin: models.Coordinate{Lat: 91}, ServiceType: models.ServiceRide})
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = f.engine.FindCandidates(context.Background(), CandidateQuery{Origin: origin, ServiceType: "hovercraft"})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestDispatchFanoutAndIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		f.provider(t, fmt.Sprintf("p%d", i), north(float64(1000*(i+1))))
	}
	f.notifier.fail["p2"] = true
	f.booking(t, "b1")

	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	res, err := f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Offered)
	assert.Equal(t, 4, res.Notified)
	assert.Equal(t, []string{"p0", "p1", "p3", "p4"}, f.notifier.providers)

	attempts, err := f.store.ListAttempts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, attempts, 5)
	for _, a := range attempts {
		assert.Equal(t, models.AttemptSent, a.Status)
		assert.Equal(t, 1, a.Round)
	}

	round, ok := f.engine.Timers.Pending("b1")
	require.True(t, ok)
	assert.Equal(t, 1, round)
	assert.Equal(t, 60*time.Second, f.clock.timers[0].d)

	res, err = f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Offered)
	attempts, err = f.store.ListAttempts(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, attempts, 5)
}

func TestDispatchStopsOffersOnceBookingLeavesRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.provider(t, fmt.Sprintf("p%d", i), north(float64(1000*(i+1))))
	}
	f.booking(t, "b1")
	f.notifier.delivered = func(id string) {
		b, err := f.store.GetBooking(ctx, "b1")
		require.NoError(t, err)
		b.ProviderID = id
		b.MarkStatus(models.StatusDriverAssigned, time.Now())
		require.NoError(t, f.store.UpdateBooking(ctx, b))
	}

	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	res, err := f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Offered)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, []string{"p0"}, f.notifier.providers)
}

func TestDispatchBumpsBookingVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider(t, "p0", north(1000))
	f.booking(t, "b1")
	before, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)

	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	_, err = f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)

	after, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)

	// an accept written against the pre-dispatch read loses
	before.ProviderID = "p0"
	before.MarkStatus(models.StatusDriverAssigned, time.Now())
	assert.ErrorIs(t, f.store.UpdateBooking(ctx, before), models.ErrVersionConflict)
}

func TestDispatchRequiresCurrentPendingRound(t *testing.T) {
	f := newFixture(t)
	f.booking(t, "b1")
	_, err := f.engine.Dispatch(context.Background(), "b1", 2, nil, 5)
	assert.True(t, errors.Is(err, models.ErrBookingUnavailable))
	assert.Equal(t, 0, f.engine.Timers.Len())
}

func TestTimeoutEscalatesToWiderRadius(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider(t, "near", north(3000))
	f.provider(t, "far", north(22000))
	f.booking(t, "b1")

	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids(cands))
	_, err = f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)

	f.clock.fire(0)

	b, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, 2, b.DispatchRound)

	attempts, err := f.store.ListAttempts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "near", attempts[0].ProviderID)
	assert.Equal(t, models.AttemptExpired, attempts[0].Status)
	assert.Equal(t, "far", attempts[1].ProviderID)
	assert.Equal(t, models.AttemptSent, attempts[1].Status)
	assert.Equal(t, 2, attempts[1].Round)

	assert.Equal(t, []string{"near", "far"}, f.notifier.providers)
	round, ok := f.engine.Timers.Pending("b1")
	require.True(t, ok)
	assert.Equal(t, 2, round)
	assert.Equal(t, 0, f.exhaust.calls)
}

func TestEmptyDirectoryEndsWithoutProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.booking(t, "b1")

	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	assert.Empty(t, cands)
	res, err := f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Notified)
	require.Equal(t, 1, f.clock.count())

	f.clock.fire(0)

	b, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoDriverAvailable, b.Status)
	assert.Equal(t, []string{"rider-1"}, f.notifier.requesters)
	assert.Equal(t, 1, f.exhaust.calls)
	assert.Equal(t, 0, f.engine.Timers.Len())
}

func TestStaleTimeoutIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider(t, "near", north(3000))
	f.booking(t, "b1")
	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	_, err = f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)

	b, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	b.ProviderID = "near"
	b.MarkStatus(models.StatusDriverAssigned, time.Now())
	require.NoError(t, f.store.UpdateBooking(ctx, b))
	sentBefore := len(f.notifier.providers)

	require.NoError(t, f.engine.OnDispatchTimeout(ctx, "b1", 1))

	after, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverAssigned, after.Status)
	assert.Equal(t, b.Version, after.Version)
	assert.Len(t, f.notifier.providers, sentBefore)
	assert.Empty(t, f.notifier.requesters)
	assert.Equal(t, 0, f.exhaust.calls)
}

func TestSupersededTimerNeverFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider(t, "near", north(3000))
	f.provider(t, "far", north(22000))
	f.booking(t, "b1")
	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	_, err = f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)

	f.clock.fire(0)
	require.Equal(t, 2, f.clock.count())
	notified := len(f.notifier.providers)

	// a late duplicate of the round-1 timer
	f.clock.fire(0)

	b, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.DispatchRound)
	assert.Len(t, f.notifier.providers, notified)
	assert.Equal(t, 2, f.clock.count())
}

func TestMaxRoundsExhausts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Config.MaxRounds = 1
	f.provider(t, "near", north(3000))
	f.provider(t, "far", north(22000))
	f.booking(t, "b1")
	cands, err := f.engine.FindCandidates(ctx, CandidateQuery{Origin: origin, ServiceType: models.ServiceRide})
	require.NoError(t, err)
	_, err = f.engine.Dispatch(ctx, "b1", 1, cands, 5)
	require.NoError(t, err)

	f.clock.fire(0)

	b, err := f.store.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoDriverAvailable, b.Status)
	assert.Equal(t, []string{"near"}, f.notifier.providers)
	attempts, err := f.store.ListAttempts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptExpired, attempts[0].Status)
}

func TestRoundTimersSupersede(t *testing.T) {
	clock := &fakeClock{}
	timers := NewRoundTimers(clock.AfterFunc)
	var fired []int
	timers.Arm("b1", 1, time.Minute, func(r int) { fired = append(fired, r) })
	timers.Arm("b1", 2, time.Minute, func(r int) { fired = append(fired, r) })
	assert.True(t, clock.timers[0].stopped)

	clock.fire(0)
	assert.Empty(t, fired)
	clock.fire(1)
	assert.Equal(t, []int{2}, fired)
	assert.Equal(t, 0, timers.Len())

	timers.Arm("b2", 1, time.Minute, func(r int) { fired = append(fired, r) })
	timers.CancelRound("b2", 2)
	assert.Equal(t, 1, timers.Len())
	timers.Cancel("b2")
	clock.fire(2)
	assert.Equal(t, []int{2}, fired)
}
