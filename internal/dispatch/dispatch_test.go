package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) NotifyProvider(context.Context, string, models.Notification) error {
	s.calls++
	return s.err
}

func (s *stubNotifier) NotifyRequester(context.Context, string, models.Notification) error {
	s.calls++
	return s.err
}

func (s *stubNotifier) NotifyAdmins(context.Context, models.Notification) error {
	s.calls++
	return s.err
}

func TestFallbackStopsAtFirstSuccess(t *testing.T) {
	first := &stubNotifier{err: errors.New("offline")}
	second := &stubNotifier{}
	third := &stubNotifier{}
	f := Fallback{first, second, third}

	require.NoError(t, f.NotifyProvider(context.Background(), "p1", models.Notification{Kind: models.NotifyBookingOffer}))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, third.calls)
}

func TestFallbackJoinsErrors(t *testing.T) {
	a := errors.New("a down")
	b := errors.New("b down")
	f := Fallback{&stubNotifier{err: a}, &stubNotifier{err: b}}
	err := f.NotifyAdmins(context.Background(), models.Notification{})
	assert.ErrorIs(t, err, a)
	assert.ErrorIs(t, err, b)

	assert.Error(t, Fallback{}.NotifyRequester(context.Background(), "r1", models.Notification{}))
}

type fakeConn struct {
	sent   []any
	err    error
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, v)
	return nil
}
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { c.closed = true; return nil }

func TestWSRegistryRoutesByRole(t *testing.T) {
	r := NewWSRegistry(nil)
	prov := &fakeConn{}
	req := &fakeConn{}
	r.add(RoleProvider, "u1", prov)
	r.add(RoleRequester, "u1", req)
	ctx := context.Background()

	require.NoError(t, r.NotifyProvider(ctx, "u1", models.Notification{Kind: models.NotifyBookingOffer}))
	require.NoError(t, r.NotifyRequester(ctx, "u1", models.Notification{Kind: models.NotifyProviderAssigned}))
	assert.Len(t, prov.sent, 1)
	assert.Len(t, req.sent, 1)
	assert.ErrorIs(t, r.NotifyProvider(ctx, "u2", models.Notification{}), ErrNoSession)
	assert.ErrorIs(t, r.NotifyAdmins(ctx, models.Notification{}), ErrNoSession)
}

func TestWSRegistryReplacesSessionAndBroadcastsAdmins(t *testing.T) {
	r := NewWSRegistry(nil)
	old := &fakeConn{}
	r.add(RoleProvider, "p1", old)
	r.add(RoleProvider, "p1", &fakeConn{})
	assert.True(t, old.closed)

	ok := &fakeConn{}
	broken := &fakeConn{err: errors.New("broken pipe")}
	r.add(RoleAdmin, "a1", ok)
	r.add(RoleAdmin, "a2", broken)
	require.NoError(t, r.NotifyAdmins(context.Background(), models.Notification{Kind: models.NotifyApprovalRequired}))
	assert.Len(t, ok.sent, 1)
}

func TestPushNotifierPostsTopic(t *testing.T) {
	var got pushMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "secret")
	require.NoError(t, p.NotifyRequester(context.Background(), "r7", models.Notification{Kind: models.NotifyNoProvider, BookingID: "b1"}))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "requester.r7", got.Message.Topic)
	assert.Equal(t, "b1", got.Message.Data.BookingID)
}

func TestPushNotifierReportsGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewPushNotifier(srv.URL, "").NotifyAdmins(context.Background(), models.Notification{})
	assert.Error(t, err)
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestAMQPNotifierRoutingKeys(t *testing.T) {
	pub := &fakePublisher{}
	a := &AMQPNotifier{pub: pub, exchange: "notifications"}
	ctx := context.Background()

	require.NoError(t, a.NotifyProvider(ctx, "p1", models.Notification{Kind: models.NotifyBookingOffer, BookingID: "b1"}))
	assert.Equal(t, "notifications", pub.exchange)
	assert.Equal(t, "notify.provider.p1", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)

	var n models.Notification
	require.NoError(t, json.Unmarshal(pub.msg.Body, &n))
	assert.Equal(t, "b1", n.BookingID)

	require.NoError(t, a.NotifyAdmins(ctx, models.Notification{}))
	assert.Equal(t, "notify.admin", pub.key)

	pub.err = errors.New("channel closed")
	assert.Error(t, a.NotifyRequester(ctx, "r1", models.Notification{}))
}
