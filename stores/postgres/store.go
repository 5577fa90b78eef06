package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nppfnppf20/markup/stores/sqlstore"
)

// NewStore connects to Postgres through the pgx database/sql driver and
// creates the tables if needed.
func NewStore(ctx context.Context, databaseURL string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	store, err := sqlstore.New(ctx, db, sqlstore.Postgres, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
