// Package session implements the per-connection protocol state machine shared
// by every transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/iamhere-server/pkg/auth"
	"github.com/kabili207/iamhere-server/pkg/events"
	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/kabili207/iamhere-server/pkg/protocol"
	"github.com/kabili207/iamhere-server/pkg/registry"
	"golang.org/x/time/rate"
)

type State int

const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrClosed             = errors.New("session closed")
	ErrRateLimited        = errors.New("rate limited")
)

// Replies sent to the peer. Clients match on these strings.
const (
	msgMissingToken   = "Missing token"
	msgInvalidToken   = "Invalid token"
	msgTokenExpired   = "Token expired"
	msgUnknownUser    = "Unknown user"
	msgNotAuth        = "Not authenticated"
	msgUnknownType    = "Unknown message type"
	msgInternal       = "Internal server error"
	msgTooMany        = "Too many messages"
	msgArrivalFailed  = "Failed to record arrival"
	msgLocationFailed = "Failed to record location request"
)

type Verifier interface {
	Verify(ctx context.Context, token string) (models.UserID, error)
}

type EventRouter interface {
	RoutePresence(ctx context.Context, sender models.UserID, loc models.Location) (events.Report, error)
	RouteLocationRequest(ctx context.Context, requester, target models.UserID) (events.Report, error)
}

type LastSeenToucher interface {
	TouchLastSeen(ctx context.Context, id models.UserID, at time.Time) error
}

type Options struct {
	Verifier Verifier
	Router   EventRouter
	Registry *registry.Registry
	// LastSeen is optional.
	LastSeen LastSeenToucher
	// RateLimit of zero disables limiting of event messages.
	RateLimit rate.Limit
	Burst     int
	Logger    *slog.Logger
}

// Factory holds the collaborators every session shares.
type Factory struct {
	opts Options
	log  *slog.Logger
}

func NewFactory(opts Options) *Factory {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Factory{opts: opts, log: log.With("component", "session")}
}

// Open starts a session in the Unauthenticated state for conn.
func (f *Factory) Open(conn *registry.Connection) *Session {
	s := &Session{
		f:     f,
		conn:  conn,
		state: Unauthenticated,
		log:   f.log.With("conn", conn.ID, "transport", conn.Kind),
	}
	if f.opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(f.opts.RateLimit, f.opts.Burst)
	}
	return s
}

// Session is the state of one connection. Handle and Close may be called from
// different goroutines; frames are processed one at a time in call order.
type Session struct {
	f       *Factory
	conn    *registry.Connection
	limiter *rate.Limiter
	log     *slog.Logger

	mu       sync.Mutex
	state    State
	identity models.UserID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the user bound at authentication, or zero.
func (s *Session) Identity() models.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Handle processes one inbound frame. Every non-nil error has already been
// reported to the peer as an error frame; none of them should end the
// connection.
func (s *Session) Handle(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return ErrClosed
	}

	typ, err := protocol.MessageType(frame)
	if err != nil {
		return s.malformed(ctx, err)
	}

	// Only authenticate is looked at before the connection has an identity.
	if typ != protocol.TypeAuthenticate && s.state != Authenticated {
		s.reply(ctx, protocol.Error(msgNotAuth))
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, typ)
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		return s.malformed(ctx, err)
	}

	switch msg.Type {
	case protocol.TypeAuthenticate:
		return s.authenticate(ctx, msg.Token)
	case protocol.TypeArrived, protocol.TypeWhereAreYou:
	default:
		s.reply(ctx, protocol.Error(msgUnknownType))
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Warn("rate limit exceeded", "user_id", s.identity, "type", msg.Type)
		s.reply(ctx, protocol.Error(msgTooMany))
		return ErrRateLimited
	}

	if msg.Type == protocol.TypeArrived {
		_, err = s.f.opts.Router.RoutePresence(ctx, s.identity, *msg.Location)
		return s.routeResult(ctx, err, msgArrivalFailed)
	}
	_, err = s.f.opts.Router.RouteLocationRequest(ctx, s.identity, msg.To)
	return s.routeResult(ctx, err, msgLocationFailed)
}

func (s *Session) malformed(ctx context.Context, err error) error {
	s.log.Warn("malformed frame", "error", err)
	s.reply(ctx, protocol.Error(msgInternal))
	return err
}

func (s *Session) authenticate(ctx context.Context, token string) error {
	id, err := s.f.opts.Verifier.Verify(ctx, token)
	if err != nil {
		var rej *auth.RejectedError
		if errors.As(err, &rej) {
			s.log.Info("authentication rejected", "reason", rej.Reason, "error", err)
			s.reply(ctx, protocol.Error(rejectionMessage(rej.Reason)))
		} else {
			s.log.Error("authentication failed", "error", err)
			s.reply(ctx, protocol.Error(msgInternal))
		}
		return err
	}

	reg := s.f.opts.Registry
	if s.state == Authenticated && s.identity != id {
		reg.Deregister(s.identity, s.conn)
		s.log.Info("connection rebound", "old_user_id", s.identity, "user_id", id)
	}
	s.identity = id
	s.state = Authenticated
	reg.Register(id, s.conn)
	s.log.Info("authenticated", "user_id", id)

	if t := s.f.opts.LastSeen; t != nil {
		if err := t.TouchLastSeen(ctx, id, time.Now().UTC()); err != nil {
			s.log.Warn("failed to update last seen", "user_id", id, "error", err)
		}
	}

	s.reply(ctx, protocol.Authenticated())
	return nil
}

func (s *Session) routeResult(ctx context.Context, err error, failMsg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, events.ErrPersistence):
		s.reply(ctx, protocol.Error(failMsg))
	default:
		s.reply(ctx, protocol.Error(msgInternal))
	}
	return err
}

// Close moves the session to Closed and releases its registry binding, if it
// still owns one. Calling Close more than once is harmless.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return
	}
	if s.state == Authenticated {
		s.f.opts.Registry.Deregister(s.identity, s.conn)
		if t := s.f.opts.LastSeen; t != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.TouchLastSeen(ctx, s.identity, time.Now().UTC()); err != nil {
				s.log.Warn("failed to update last seen", "user_id", s.identity, "error", err)
			}
			cancel()
		}
	}
	s.state = Closed
	s.log.Debug("session closed", "user_id", s.identity)
}

func (s *Session) reply(ctx context.Context, o protocol.Outbound) {
	payload, err := protocol.Encode(o)
	if err != nil {
		s.log.Error("failed to encode reply", "error", err)
		return
	}
	if err := s.conn.Send(ctx, payload); err != nil {
		s.log.Debug("reply not delivered", "type", o.Type, "error", err)
	}
}

func rejectionMessage(r auth.Reason) string {
	switch r {
	case auth.ReasonMissing:
		return msgMissingToken
	case auth.ReasonExpired:
		return msgTokenExpired
	case auth.ReasonUnknownUser:
		return msgUnknownUser
	default:
		return msgInvalidToken
	}
}
