package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/openfms/tracker-gateway/avl"
)

// Archive is the optional analytics sink: every accepted frame is kept raw
// and decoded. Failures never reach the ack path.
type Archive interface {
	SaveRawFrame(ctx context.Context, imei string, frameHex string) error
	SaveAvlPoints(ctx context.Context, points []*avl.Record) error
}

// Config carries the archive pool settings; the zero value is filled with
// the defaults below. DialTimeout and MaxConns are surfaced through the
// environment; ConnMaxLifetime is not and keeps its default.
type Config struct {
	DialTimeout     time.Duration
	MaxConns        int
	ConnMaxLifetime time.Duration
}

const (
	defaultDialTimeout     = 30 * time.Second
	defaultMaxConns        = 5
	defaultConnMaxLifetime = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	return c
}

var _ Archive = &AVLDataBase{}

type AVLDataBase struct {
	conn driver.Conn
}

func (adb *AVLDataBase) Conn() driver.Conn {
	return adb.conn
}

// Connect opens the archive. The gateway only ever inserts, so the pool
// stays small and compressed batches are preferred over many connections.
func Connect(ctx context.Context, databaseURL string, cfg Config) (*AVLDataBase, error) {
	cfg = cfg.withDefaults()
	options, err := clickhouse.ParseDSN(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse archive dsn:%w", err)
	}
	options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	options.DialTimeout = cfg.DialTimeout
	options.MaxOpenConns = cfg.MaxConns
	options.MaxIdleConns = cfg.MaxConns
	options.ConnMaxLifetime = cfg.ConnMaxLifetime

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open archive:%w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping archive:%w", err)
	}
	return &AVLDataBase{conn: conn}, nil
}
