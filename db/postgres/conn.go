package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/openfms/tracker-gateway/db"
)

var _ db.Repository = &Repository{}

// Repository is the Postgres implementation of the gateway's persistence
// port. Devices are provisioned out of band; this code never creates them.
type Repository struct {
	conn *sql.DB
}

func (r *Repository) Conn() *sql.DB {
	return r.conn
}

// Connect opens the store and verifies it is reachable.
func Connect(ctx context.Context, databaseURL string) (*Repository, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store:%w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(10 * time.Minute)
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping store:%w", err)
	}
	return &Repository{conn: conn}, nil
}

func (r *Repository) Close() error {
	return r.conn.Close()
}
