package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfms/tracker-gateway/db"
)

const lookupDeviceQuery = `SELECT id FROM devices WHERE imei = $1;`

// LookupDevice resolves an IMEI to a provisioned device.
func (r *Repository) LookupDevice(ctx context.Context, imei string) (*db.DeviceRef, error) {
	ref := &db.DeviceRef{IMEI: imei}
	err := r.conn.QueryRowContext(ctx, lookupDeviceQuery, imei).Scan(&ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device:%w", err)
	}
	return ref, nil
}
