package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	"github.com/kabili207/iamhere-server/pkg/models"
)

var selectUsers = `SELECT u.id, u.username, u.language, u.created_at, u.last_seen FROM users u`

type UserStore interface {
	GetByID(ctx context.Context, id models.UserID) (*models.User, error)
	CreateUser(ctx context.Context, username, language string) (models.UserID, error)
	UserExists(ctx context.Context, id models.UserID) (bool, error)
	TouchLastSeen(ctx context.Context, id models.UserID, at time.Time) error
	DeleteUser(ctx context.Context, id models.UserID) error
}

type sqlUserStore struct {
	db          *sqlx.DB
	existsCache *ttlcache.Cache[models.UserID, bool]
}

func newUsers(dbconn *sqlx.DB, ttl time.Duration) *sqlUserStore {
	s := &sqlUserStore{db: dbconn}
	if ttl > 0 {
		s.existsCache = ttlcache.New[models.UserID, bool](
			ttlcache.WithTTL[models.UserID, bool](ttl),
		)
		go s.existsCache.Start()
	}
	return s
}

func (b *sqlUserStore) stop() {
	if b.existsCache != nil {
		b.existsCache.Stop()
	}
}

func (b *sqlUserStore) GetByID(ctx context.Context, id models.UserID) (*models.User, error) {
	stmt := b.db.Rebind(selectUsers + " WHERE u.id = ?;")
	var user models.User
	err := b.db.GetContext(ctx, &user, stmt, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UserExists backs the stale-credential check. Only negative answers are
// cached: accounts are deleted by other processes, so a cached "exists" would
// let a deleted user's token through until it expired.
func (b *sqlUserStore) UserExists(ctx context.Context, id models.UserID) (bool, error) {
	if b.existsCache != nil {
		if item := b.existsCache.Get(id, ttlcache.WithDisableTouchOnHit[models.UserID, bool]()); item != nil {
			return item.Value(), nil
		}
	}
	slog.Debug("UserExists cache miss, querying database", "user_id", id)

	var exists bool
	stmt := b.db.Rebind(`SELECT EXISTS (SELECT 1 FROM users WHERE id = ?);`)
	if err := b.db.GetContext(ctx, &exists, stmt, id); err != nil {
		return false, err
	}
	if !exists && b.existsCache != nil {
		b.existsCache.Set(id, false, ttlcache.DefaultTTL)
	}
	return exists, nil
}

// CreateUser adds an account without a password. Accounts made this way can
// only sign in with tokens minted by the server operator.
func (b *sqlUserStore) CreateUser(ctx context.Context, username, language string) (models.UserID, error) {
	if language == "" {
		language = "en"
	}
	stmt := b.db.Rebind(`INSERT INTO users (username, language) VALUES (?, ?) RETURNING id;`)
	var id models.UserID
	if err := b.db.QueryRowxContext(ctx, stmt, username, language).Scan(&id); err != nil {
		return 0, err
	}
	if b.existsCache != nil {
		b.existsCache.Delete(id)
	}
	return id, nil
}

func (b *sqlUserStore) TouchLastSeen(ctx context.Context, id models.UserID, at time.Time) error {
	stmt := b.db.Rebind(`UPDATE users SET last_seen = ? WHERE id = ?;`)
	_, err := b.db.ExecContext(ctx, stmt, at.UTC(), id)
	return err
}

func (b *sqlUserStore) DeleteUser(ctx context.Context, id models.UserID) error {
	stmt := b.db.Rebind(`DELETE FROM users WHERE id = ?;`)
	_, err := b.db.ExecContext(ctx, stmt, id)
	if err == nil && b.existsCache != nil {
		b.existsCache.Delete(id)
	}
	return err
}
