package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"example/manga-api/app/config"
	"example/manga-api/app/logging"

	_ "github.com/lib/pq"
)

// OpenDB connects to Postgres and verifies the connection.
func OpenDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	d, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	d.SetMaxOpenConns(20)
	d.SetMaxIdleConns(5)
	d.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.PingContext(pingCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}

	logging.Info().Str("host", cfg.URL).Str("db", cfg.Name).Msg("Connected to Postgres")
	return d, nil
}
