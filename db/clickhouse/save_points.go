package clickhouse

import (
	"context"
	"time"

	"github.com/openfms/tracker-gateway/avl"
)

type AVLPointColumns struct {
	IMEI       string
	Timestamp  time.Time
	Priority   string
	Longitude  float64
	Latitude   float64
	Altitude   int16
	Angle      uint16
	Satellites uint8
	Speed      uint16
	EventID    uint16
	Elements   map[string]string
}

const insertAvlPointQuery = `
	INSERT INTO
	    avlpoints(imei, timestamp, priority, longitude, latitude, altitude, angle, satellites, speed, event_id, elements)
	VALUES (?,?,?,?,?,?,?,?,?,?,?);
`

// SaveAvlPoints archives decoded points in one batch.
func (adb *AVLDataBase) SaveAvlPoints(ctx context.Context, points []*avl.Record) error {
	batch, err := adb.conn.PrepareBatch(ctx, insertAvlPointQuery)
	if err != nil {
		return err
	}
	for _, point := range points {
		elements := make(map[string]string)
		for name, value := range point.ElementsJSON() {
			elements[name] = stringValue(value)
		}
		err := batch.AppendStruct(&AVLPointColumns{
			IMEI:       point.IMEI,
			Timestamp:  time.UnixMilli(point.Timestamp),
			Priority:   point.Priority.String(),
			Longitude:  point.GPS.Longitude,
			Latitude:   point.GPS.Latitude,
			Altitude:   point.GPS.Altitude,
			Angle:      point.GPS.Angle,
			Satellites: point.GPS.Satellites,
			Speed:      point.GPS.Speed,
			EventID:    point.EventID,
			Elements:   elements,
		})
		if err != nil {
			return err
		}
	}
	return batch.Send()
}
