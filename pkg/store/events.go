package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/iamhere-server/pkg/models"
)

// EventStore is the append-only log of arrivals and location requests.
type EventStore interface {
	InsertArrival(ctx context.Context, a *models.Arrival) error
	InsertLocationRequest(ctx context.Context, r *models.LocationRequest) error
	ListLocationRequests(ctx context.Context, target models.UserID, since time.Time) ([]*models.LocationRequest, error)
}

type sqlEventStore struct {
	db *sqlx.DB
}

func (b *sqlEventStore) InsertArrival(ctx context.Context, a *models.Arrival) error {
	stmt := b.db.Rebind(`
	INSERT INTO arrivals (user_id, latitude, longitude, arrived_at)
	VALUES (?, ?, ?, ?)
	RETURNING id;
	`)
	return b.db.QueryRowxContext(ctx, stmt, a.UserID, a.Latitude, a.Longitude, a.Timestamp.UTC()).Scan(&a.ID)
}

func (b *sqlEventStore) InsertLocationRequest(ctx context.Context, r *models.LocationRequest) error {
	stmt := b.db.Rebind(`
	INSERT INTO location_requests (from_user, to_user, requested_at)
	VALUES (?, ?, ?)
	RETURNING id;
	`)
	return b.db.QueryRowxContext(ctx, stmt, r.From, r.To, r.RequestedAt.UTC()).Scan(&r.ID)
}

// ListLocationRequests returns requests addressed to target at or after
// since, oldest first. Clients that were offline use it to catch up.
func (b *sqlEventStore) ListLocationRequests(ctx context.Context, target models.UserID, since time.Time) ([]*models.LocationRequest, error) {
	stmt := b.db.Rebind(`
	SELECT id, from_user, to_user, requested_at
	FROM location_requests
	WHERE to_user = ? AND requested_at >= ?
	ORDER BY requested_at, id;
	`)
	requests := []*models.LocationRequest{}
	err := b.db.SelectContext(ctx, &requests, stmt, target, since.UTC())
	return requests, err
}
