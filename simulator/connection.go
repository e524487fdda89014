package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openfms/tracker-gateway/parser"
)

// Login performs the identifier handshake. The gateway answers a single 0x01
// byte when the device is provisioned and silently drops the socket when it
// is not, which surfaces here as a read error.
func (td *TrackerDevice) Login() error {
	frame, err := parser.EncodeIMEI(td.imei)
	if err != nil {
		return fmt.Errorf("build login frame:%w", err)
	}
	verdict, err := td.roundTrip(frame, 1)
	if err != nil {
		return fmt.Errorf("login %s:%w", td.imei, err)
	}
	if verdict[0] != 1 {
		return errors.New("gateway refused the device")
	}
	return nil
}

// SendPoints ships one Codec 8 frame and verifies the gateway acknowledged
// every record in it. A zero ack means the frame was rate limited.
func (td *TrackerDevice) SendPoints(points []*parser.EncodePoint) error {
	frame, err := parser.MakeCodec8Frame(points)
	if err != nil {
		return fmt.Errorf("build data frame:%w", err)
	}
	ack, err := td.roundTrip(frame, 4)
	if err != nil {
		return fmt.Errorf("send %d records:%w", len(points), err)
	}
	accepted := binary.BigEndian.Uint32(ack)
	if accepted != uint32(len(points)) {
		return fmt.Errorf("gateway acknowledged %d of %d records", accepted, len(points))
	}
	return nil
}

// roundTrip writes one frame and reads the fixed size reply under deadlines.
func (td *TrackerDevice) roundTrip(frame []byte, replySize int) ([]byte, error) {
	td.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if _, err := td.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write frame:%w", err)
	}
	reply := make([]byte, replySize)
	td.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	if _, err := io.ReadFull(td.conn, reply); err != nil {
		return nil, fmt.Errorf("read reply:%w", err)
	}
	return reply, nil
}
