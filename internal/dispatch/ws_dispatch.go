package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// conn is the part of *websocket.Conn the registry writes through.
type conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession is one connected client.
type WSSession struct {
	conn conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

type sessionKey struct {
	role Role
	id   string
}

// WSRegistry holds live sessions for providers, requesters and operators.
// A newer session for the same key replaces the older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*WSSession
	Logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[sessionKey]*WSSession), Logger: logger}
}

func (r *WSRegistry) Add(role Role, id string, c *websocket.Conn) {
	r.add(role, id, c)
}

func (r *WSRegistry) add(role Role, id string, c conn) {
	r.mu.Lock()
	old := r.sessions[sessionKey{role, id}]
	r.sessions[sessionKey{role, id}] = &WSSession{conn: c}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session for role/id if it is still backed by c.
func (r *WSRegistry) Remove(role Role, id string, c *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey{role, id}]; ok && s.conn == conn(c) {
		delete(r.sessions, sessionKey{role, id})
	}
}

func (r *WSRegistry) send(role Role, id string, n models.Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey{role, id}]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(n); err != nil {
		r.Logger.Warn("ws send failed", "role", role, "id", id, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) NotifyProvider(_ context.Context, providerID string, n models.Notification) error {
	return r.send(RoleProvider, providerID, n)
}

func (r *WSRegistry) NotifyRequester(_ context.Context, requesterID string, n models.Notification) error {
	return r.send(RoleRequester, requesterID, n)
}

// NotifyAdmins broadcasts to every operator session. It succeeds if at least
// one session received the message.
func (r *WSRegistry) NotifyAdmins(_ context.Context, n models.Notification) error {
	r.mu.RLock()
	var admins []*WSSession
	for k, s := range r.sessions {
		if k.role == RoleAdmin {
			admins = append(admins, s)
		}
	}
	r.mu.RUnlock()
	if len(admins) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range admins {
		if err := s.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(admins) {
		return errors.Join(errs...)
	}
	return nil
}
