package stops

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
)

// Postgres looks stops up in an imported GTFS static schedule.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Lookup(ctx context.Context, id arrivals.StopID) (Stop, error) {
	var s Stop
	err := p.db.GetContext(ctx, &s, `SELECT stop_id, stop_name FROM stops WHERE stop_id = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return Stop{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Stop{}, fmt.Errorf("query stop %s: %w", id, err)
	}

	// Platforms are child stops with a direction suffix, so match by prefix.
	q := `
SELECT DISTINCT r.route_short_name
FROM stop_times st
JOIN trips t ON t.trip_id = st.trip_id
JOIN routes r ON r.route_id = t.route_id
WHERE st.stop_id LIKE $1 || '%'
ORDER BY r.route_short_name`
	if err := p.db.SelectContext(ctx, &s.Routes, q, string(id)); err != nil {
		return Stop{}, fmt.Errorf("query routes for stop %s: %w", id, err)
	}
	return s, nil
}
