package clickhouse

import (
	"context"
	"fmt"
	"time"
)

const insertRawDataQuery = `
	INSERT INTO rawdata(imei, received_at, frame) VALUES (?,?,?);
`

// SaveRawFrame archives one hex encoded frame exactly as received.
func (adb *AVLDataBase) SaveRawFrame(ctx context.Context, imei string, frameHex string) error {
	return adb.conn.Exec(ctx, insertRawDataQuery, imei, time.Now().UTC(), frameHex)
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
