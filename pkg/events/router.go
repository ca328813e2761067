// Package events records presence and location-request events and fans the
// resulting notifications out to whichever recipients are connected.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kabili207/iamhere-server/pkg/metrics"
	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/kabili207/iamhere-server/pkg/protocol"
	"github.com/kabili207/iamhere-server/pkg/registry"
)

const (
	kindArrival         = "arrival"
	kindLocationRequest = "location_request"
)

var (
	// ErrPersistence means the event could not be written to the event log.
	ErrPersistence = errors.New("event not recorded")
	// ErrDirectory means the recipient set could not be resolved.
	ErrDirectory = errors.New("contacts unavailable")
)

// EventStore is the part of the persistence layer the router writes to.
type EventStore interface {
	InsertArrival(ctx context.Context, a *models.Arrival) error
	InsertLocationRequest(ctx context.Context, r *models.LocationRequest) error
}

// Directory resolves who may receive a user's presence events.
type Directory interface {
	GetContacts(ctx context.Context, owner models.UserID) ([]models.UserID, error)
}

type Options struct {
	Events   EventStore
	Contacts Directory
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Report describes one fan-out. Failed aggregates the individual push
// errors; it is informational and never aborts delivery.
type Report struct {
	Recipients int
	Delivered  int
	Skipped    int
	Failed     error
}

type Router struct {
	events   EventStore
	contacts Directory
	registry *registry.Registry
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *slog.Logger
}

func NewRouter(opts Options) *Router {
	r := &Router{
		events:   opts.Events,
		contacts: opts.Contacts,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		log:      opts.Logger,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "router")
	return r
}

// RoutePresence records that sender arrived at loc and notifies every live
// contact. Delivery does not depend on the write succeeding, but a failed
// write is still returned so the sender hears about it.
func (r *Router) RoutePresence(ctx context.Context, sender models.UserID, loc models.Location) (Report, error) {
	at := r.now().UTC()
	var result *multierror.Error

	arrival := &models.Arrival{
		UserID:    sender,
		Latitude:  loc.Lat,
		Longitude: loc.Lng,
		Timestamp: at,
	}
	if err := r.events.InsertArrival(ctx, arrival); err != nil {
		r.log.Error("failed to record arrival", "user_id", sender, "error", err)
		result = multierror.Append(result, fmt.Errorf("%w: arrival for user %d: %w", ErrPersistence, sender, err))
	}
	r.metrics.EventRouted(ctx, kindArrival)

	contacts, err := r.contacts.GetContacts(ctx, sender)
	if err != nil {
		r.log.Error("failed to load contacts", "user_id", sender, "error", err)
		result = multierror.Append(result, fmt.Errorf("%w: user %d: %w", ErrDirectory, sender, err))
		return Report{}, result.ErrorOrNil()
	}

	payload, err := protocol.Encode(protocol.ArrivalUpdate(sender, loc, at))
	if err != nil {
		result = multierror.Append(result, err)
		return Report{}, result.ErrorOrNil()
	}

	report := r.fanOut(ctx, kindArrival, contacts, payload)
	r.log.Info("arrival routed",
		"user_id", sender,
		"recipients", report.Recipients,
		"delivered", report.Delivered,
		"skipped", report.Skipped)
	return report, result.ErrorOrNil()
}

// RouteLocationRequest records that requester asked target for their
// location and pushes the request if target is connected. Offline targets
// only get the record; nothing is queued.
func (r *Router) RouteLocationRequest(ctx context.Context, requester, target models.UserID) (Report, error) {
	at := r.now().UTC()
	var result *multierror.Error

	req := &models.LocationRequest{From: requester, To: target, RequestedAt: at}
	if err := r.events.InsertLocationRequest(ctx, req); err != nil {
		r.log.Error("failed to record location request", "from", requester, "to", target, "error", err)
		result = multierror.Append(result, fmt.Errorf("%w: location request %d -> %d: %w", ErrPersistence, requester, target, err))
	}
	r.metrics.EventRouted(ctx, kindLocationRequest)

	payload, err := protocol.Encode(protocol.LocationRequest(requester, at))
	if err != nil {
		result = multierror.Append(result, err)
		return Report{}, result.ErrorOrNil()
	}

	report := r.fanOut(ctx, kindLocationRequest, []models.UserID{target}, payload)
	r.log.Info("location request routed", "from", requester, "to", target, "delivered", report.Delivered == 1)
	return report, result.ErrorOrNil()
}

// fanOut attempts every recipient. A recipient without a registered
// connection is skipped; a failed write is collected and the loop goes on.
func (r *Router) fanOut(ctx context.Context, kind string, recipients []models.UserID, payload []byte) Report {
	report := Report{Recipients: len(recipients)}
	var failures *multierror.Error

	for _, id := range recipients {
		conn, ok := r.registry.Lookup(id)
		if !ok {
			report.Skipped++
			continue
		}
		if err := conn.Send(ctx, payload); err != nil {
			r.metrics.PushFailed(ctx, kind)
			r.log.Warn("push failed", "kind", kind, "user_id", id, "conn", conn.ID, "error", err)
			failures = multierror.Append(failures, fmt.Errorf("user %d: %w", id, err))
			if errors.Is(err, registry.ErrUnreachable) {
				// The close handler will get here too; this only shortens the
				// window in which lookups return a dead handle.
				r.registry.Deregister(id, conn)
			}
			continue
		}
		r.metrics.PushDelivered(ctx, kind)
		report.Delivered++
	}

	report.Failed = failures.ErrorOrNil()
	return report
}
