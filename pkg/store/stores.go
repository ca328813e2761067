package store

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// Stores bundles every persistence accessor the server uses.
type Stores struct {
	DB       *sqlx.DB
	Users    UserStore
	Contacts ContactStore
	Events   EventStore

	closers []func()
}

type Options struct {
	// UserTTL caches user existence checks; zero disables the cache.
	UserTTL time.Duration
	// ContactTTL caches contact lists; zero disables the cache.
	ContactTTL time.Duration
}

func New(db *sqlx.DB, opts Options) *Stores {
	users := newUsers(db, opts.UserTTL)
	contacts := newContacts(db, opts.ContactTTL)
	return &Stores{
		DB:       db,
		Users:    users,
		Contacts: contacts,
		Events:   &sqlEventStore{db: db},
		closers:  []func(){users.stop, contacts.stop},
	}
}

// Close stops background cache janitors and closes the database.
func (s *Stores) Close() error {
	for _, c := range s.closers {
		c()
	}
	return s.DB.Close()
}
