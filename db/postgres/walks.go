package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfms/tracker-gateway/db"
)

const (
	openWalkQuery = `
		INSERT INTO
		    walk_paths(device_id, is_active, start_time, coordinates, distance_meters, duration_seconds)
		VALUES ($1, true, to_timestamp($2::double precision / 1000.0), $3, $4, $5)
		RETURNING id;
	`
	selectWalkForUpdateQuery = `
		SELECT start_time, coordinates, distance_meters
		FROM walk_paths
		WHERE id = $1 AND is_active
		FOR UPDATE;
	`
	extendWalkQuery = `
		UPDATE walk_paths
		SET coordinates = $2, distance_meters = $3, duration_seconds = $4
		WHERE id = $1;
	`
	closeWalkQuery = `
		UPDATE walk_paths
		SET is_active = false,
		    end_time = to_timestamp($2::double precision / 1000.0),
		    duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM to_timestamp($2::double precision / 1000.0) - start_time)))
		WHERE id = $1 AND is_active;
	`
	snapshotActiveQuery = `SELECT id FROM walk_paths WHERE device_id = $1 AND is_active LIMIT 1;`
)

// OpenWalk creates an active walk seeded with the warm up points. The
// partial unique index on (device_id) WHERE is_active enforces the single
// active walk invariant at the store layer.
func (r *Repository) OpenWalk(ctx context.Context, dev *db.DeviceRef, points []db.Point) (*db.WalkHandle, error) {
	if len(points) == 0 {
		return nil, errors.New("open walk needs at least one point")
	}
	coordinates, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("marshal coordinates:%w", err)
	}
	start := points[0].Timestamp
	duration := (points[len(points)-1].Timestamp - start) / 1000
	handle := &db.WalkHandle{DeviceID: dev.ID}
	err = r.conn.QueryRowContext(ctx, openWalkQuery,
		dev.ID, start, coordinates, db.PathDistance(points), duration,
	).Scan(&handle.ID)
	if err != nil {
		return nil, fmt.Errorf("open walk:%w", err)
	}
	return handle, nil
}

// ExtendWalk appends one point and recomputes distance and duration from the
// stored coordinate sequence.
func (r *Repository) ExtendWalk(ctx context.Context, walk *db.WalkHandle, point db.Point) (*db.WalkStats, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("extend walk begin:%w", err)
	}
	defer tx.Rollback()

	var (
		startTime   time.Time
		coordinates []byte
		distance    int64
	)
	if err := tx.QueryRowContext(ctx, selectWalkForUpdateQuery, walk.ID).
		Scan(&startTime, &coordinates, &distance); err != nil {
		return nil, fmt.Errorf("extend walk select:%w", err)
	}
	var points []db.Point
	if err := json.Unmarshal(coordinates, &points); err != nil {
		return nil, fmt.Errorf("unmarshal coordinates:%w", err)
	}
	points = append(points, point)
	distance = db.PathDistance(points)
	updated, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("marshal coordinates:%w", err)
	}
	duration := (point.Timestamp - startTime.UnixMilli()) / 1000
	if duration < 0 {
		duration = 0
	}
	if _, err := tx.ExecContext(ctx, extendWalkQuery, walk.ID, updated, distance, duration); err != nil {
		return nil, fmt.Errorf("extend walk update:%w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("extend walk commit:%w", err)
	}
	return &db.WalkStats{DistanceMeters: distance, DurationSeconds: duration}, nil
}

// CloseWalk deactivates the walk.
func (r *Repository) CloseWalk(ctx context.Context, walk *db.WalkHandle, endTimestamp int64) error {
	if _, err := r.conn.ExecContext(ctx, closeWalkQuery, walk.ID, endTimestamp); err != nil {
		return fmt.Errorf("close walk:%w", err)
	}
	return nil
}

// SnapshotActive returns the device's active walk if one survived a restart.
func (r *Repository) SnapshotActive(ctx context.Context, dev *db.DeviceRef) (*db.WalkHandle, error) {
	handle := &db.WalkHandle{DeviceID: dev.ID}
	err := r.conn.QueryRowContext(ctx, snapshotActiveQuery, dev.ID).Scan(&handle.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot active walk:%w", err)
	}
	return handle, nil
}
