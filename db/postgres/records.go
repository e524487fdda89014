package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfms/tracker-gateway/avl"
	"github.com/openfms/tracker-gateway/db"
)

const insertRecordQuery = `
	INSERT INTO
	    device_data(device_id, ts, priority, latitude, longitude, altitude, heading, satellites, speed, event_id, elements)
	VALUES ($1, to_timestamp($2::double precision / 1000.0), $3, $4, $5, $6, $7, $8, $9, $10, $11);
`

// AppendRecord persists one decoded record.
func (r *Repository) AppendRecord(ctx context.Context, dev *db.DeviceRef, record *avl.Record) error {
	elements, err := json.Marshal(record.ElementsJSON())
	if err != nil {
		return fmt.Errorf("marshal elements:%w", err)
	}
	_, err = r.conn.ExecContext(ctx, insertRecordQuery,
		dev.ID,
		record.Timestamp,
		record.Priority,
		record.GPS.Latitude,
		record.GPS.Longitude,
		record.GPS.Altitude,
		record.GPS.Angle,
		record.GPS.Satellites,
		record.GPS.Speed,
		record.EventID,
		elements,
	)
	if err != nil {
		return fmt.Errorf("append record:%w", err)
	}
	return nil
}
