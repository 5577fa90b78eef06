package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nppfnppf20/markup/stores/sqlstore"
	_ "modernc.org/sqlite"
)

// NewStore opens a SQLite database and creates the documents, versions and
// locks tables.
func NewStore(ctx context.Context, dataSourceName string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps :memory:
	// databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	store, err := sqlstore.New(ctx, db, sqlstore.SQLite, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
