package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/iamhere-server/pkg/config"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the configured database. SQLite is limited to a single
// connection so writers never see SQLITE_BUSY.
func Open(cfg config.Database) (*sqlx.DB, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return db, nil
}
