// Package registry keeps the live mapping from user identity to the single
// connection that currently receives that user's notifications.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/kabili207/iamhere-server/pkg/models"
)

// ErrInvariant marks calls that can only come from a programming error.
var ErrInvariant = errors.New("registry invariant violation")

// Notifier is poked after every change to the registry.
type Notifier interface {
	Notify()
}

type Option func(*Registry)

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// Registry holds at most one Connection per identity. The last connection to
// authenticate wins; the one it replaces is detached but not closed, and
// becomes unroutable.
type Registry struct {
	mu       sync.RWMutex
	entries  map[models.UserID]*Connection
	notifier Notifier
	log      *slog.Logger
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[models.UserID]*Connection),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "registry")
	return r
}

// Register installs conn for id, replacing any previous connection.
func (r *Registry) Register(id models.UserID, conn *Connection) {
	if id <= 0 || conn == nil {
		r.log.Error("refusing registration", "error", ErrInvariant, "user_id", id, "conn_nil", conn == nil)
		return
	}

	r.mu.Lock()
	prev := r.entries[id]
	r.entries[id] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.log.Info("connection superseded", "user_id", id, "old", prev.ID, "new", conn.ID)
	} else {
		r.log.Debug("connection registered", "user_id", id, "conn", conn.ID)
	}
	r.notify()
}

func (r *Registry) Lookup(id models.UserID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.entries[id]
	return conn, ok
}

// Deregister removes the entry for id only while it still points at conn, so
// a late close of a superseded connection cannot evict its replacement.
func (r *Registry) Deregister(id models.UserID, conn *Connection) bool {
	if conn == nil {
		r.log.Error("refusing deregistration", "error", ErrInvariant, "user_id", id)
		return false
	}

	r.mu.Lock()
	current, ok := r.entries[id]
	removed := ok && current == conn
	if removed {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !removed {
		r.log.Debug("stale deregistration ignored", "user_id", id, "conn", conn.ID)
		return false
	}
	r.log.Debug("connection deregistered", "user_id", id, "conn", conn.ID)
	r.notify()
	return true
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) notify() {
	if r.notifier != nil {
		r.notifier.Notify()
	}
}
