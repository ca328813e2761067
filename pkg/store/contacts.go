package store

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	"github.com/kabili207/iamhere-server/pkg/models"
)

// ContactStore is the directory of who may receive whose presence events.
// Relationships are directed: owner -> contact.
type ContactStore interface {
	GetContacts(ctx context.Context, owner models.UserID) ([]models.UserID, error)
	AddContact(ctx context.Context, owner, contact models.UserID) error
	RemoveContact(ctx context.Context, owner, contact models.UserID) error
}

type sqlContactStore struct {
	db    *sqlx.DB
	cache *ttlcache.Cache[models.UserID, []models.UserID]
}

func newContacts(dbconn *sqlx.DB, ttl time.Duration) *sqlContactStore {
	s := &sqlContactStore{db: dbconn}
	if ttl > 0 {
		s.cache = ttlcache.New[models.UserID, []models.UserID](
			ttlcache.WithTTL[models.UserID, []models.UserID](ttl),
		)
		go s.cache.Start()
	}
	return s
}

func (b *sqlContactStore) stop() {
	if b.cache != nil {
		b.cache.Stop()
	}
}

func (b *sqlContactStore) GetContacts(ctx context.Context, owner models.UserID) ([]models.UserID, error) {
	if b.cache != nil {
		if item := b.cache.Get(owner, ttlcache.WithDisableTouchOnHit[models.UserID, []models.UserID]()); item != nil {
			return slices.Clone(item.Value()), nil
		}
	}
	slog.Debug("GetContacts cache miss, querying database", "user_id", owner)

	contacts := []models.UserID{}
	stmt := b.db.Rebind(`SELECT contact_id FROM contacts WHERE user_id = ? ORDER BY contact_id;`)
	if err := b.db.SelectContext(ctx, &contacts, stmt, owner); err != nil {
		return nil, err
	}
	if b.cache != nil {
		b.cache.Set(owner, slices.Clone(contacts), ttlcache.DefaultTTL)
	}
	return contacts, nil
}

func (b *sqlContactStore) AddContact(ctx context.Context, owner, contact models.UserID) error {
	stmt := b.db.Rebind(`
	INSERT INTO contacts (user_id, contact_id)
	VALUES (?, ?)
	ON CONFLICT (user_id, contact_id) DO NOTHING;
	`)
	_, err := b.db.ExecContext(ctx, stmt, owner, contact)
	if err == nil {
		b.invalidate(owner)
	}
	return err
}

func (b *sqlContactStore) RemoveContact(ctx context.Context, owner, contact models.UserID) error {
	stmt := b.db.Rebind(`DELETE FROM contacts WHERE user_id = ? AND contact_id = ?;`)
	_, err := b.db.ExecContext(ctx, stmt, owner, contact)
	if err == nil {
		b.invalidate(owner)
	}
	return err
}

func (b *sqlContactStore) invalidate(owner models.UserID) {
	if b.cache != nil {
		b.cache.Delete(owner)
	}
}
