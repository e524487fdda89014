package parser

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/openfms/tracker-gateway/avl"
)

// EncodeElement is one IO element to place on the wire. Width selects the
// element group (1, 2, 4 or 8 bytes).
type EncodeElement struct {
	ID    uint16
	Width uint8
	Value uint64
}

// EncodePoint is the encoder side view of an AVL record, used by the device
// simulator and the protocol tests.
type EncodePoint struct {
	Timestamp  int64
	Priority   avl.PacketPriority
	Latitude   float64
	Longitude  float64
	Altitude   int16
	Angle      uint16
	Satellites uint8
	Speed      uint16
	EventID    uint16
	Elements   []EncodeElement
}

// EncodeIMEI builds the login frame for a device identifier.
func EncodeIMEI(imei string) ([]byte, error) {
	if len(imei) < imeiMinLen || len(imei) > imeiMaxLen {
		return nil, fmt.Errorf("imei must be %d to %d digits, got %d", imeiMinLen, imeiMaxLen, len(imei))
	}
	for _, c := range imei {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("imei contains non digit %q", c)
		}
	}
	data := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(data, imei...), nil
}

// MakeCodec8Frame builds a complete Codec 8 data frame with a valid CRC.
func MakeCodec8Frame(points []*EncodePoint) ([]byte, error) {
	return makeFrame(points, false)
}

// MakeCodec8ExtendedFrame builds a complete Codec 8 Extended data frame.
func MakeCodec8ExtendedFrame(points []*EncodePoint) ([]byte, error) {
	return makeFrame(points, true)
}

func makeFrame(points []*EncodePoint, extended bool) ([]byte, error) {
	body := make([]byte, 0, 64)
	if extended {
		body = append(body, CodecID8E)
	} else {
		body = append(body, CodecID8)
	}
	body = appendCount(body, uint16(len(points)), extended)
	for _, point := range points {
		var err error
		body, err = appendRecord(body, point, extended)
		if err != nil {
			return nil, err
		}
	}
	body = appendCount(body, uint16(len(points)), extended)

	data := make([]byte, 0, len(body)+12)
	data = append(data, 0, 0, 0, 0)
	data = binary.BigEndian.AppendUint32(data, uint32(len(body)))
	data = append(data, body...)
	data = binary.BigEndian.AppendUint32(data, uint32(Crc16IBM(body)))
	return data, nil
}

func appendRecord(data []byte, point *EncodePoint, extended bool) ([]byte, error) {
	data = binary.BigEndian.AppendUint64(data, uint64(point.Timestamp))
	data = append(data, uint8(point.Priority))
	data = binary.BigEndian.AppendUint32(data, coordinateToWire(point.Longitude))
	data = binary.BigEndian.AppendUint32(data, coordinateToWire(point.Latitude))
	data = binary.BigEndian.AppendUint16(data, uint16(point.Altitude))
	data = binary.BigEndian.AppendUint16(data, point.Angle)
	data = append(data, point.Satellites)
	data = binary.BigEndian.AppendUint16(data, point.Speed)

	var err error
	if data, err = appendID(data, point.EventID, extended); err != nil {
		return nil, err
	}
	data = appendCount(data, uint16(len(point.Elements)), extended)
	for _, width := range []uint8{1, 2, 4, 8} {
		group := make([]byte, 0)
		count := uint16(0)
		for _, element := range point.Elements {
			if element.Width != width {
				continue
			}
			count++
			if group, err = appendID(group, element.ID, extended); err != nil {
				return nil, err
			}
			value := make([]byte, 8)
			binary.BigEndian.PutUint64(value, element.Value)
			group = append(group, value[8-int(width):]...)
		}
		data = appendCount(data, count, extended)
		data = append(data, group...)
	}
	return data, nil
}

func appendCount(data []byte, n uint16, extended bool) []byte {
	if extended {
		return binary.BigEndian.AppendUint16(data, n)
	}
	return append(data, uint8(n))
}

func appendID(data []byte, id uint16, extended bool) ([]byte, error) {
	if extended {
		return binary.BigEndian.AppendUint16(data, id), nil
	}
	if id > 0xFF {
		return nil, fmt.Errorf("element id %d does not fit codec 8", id)
	}
	return append(data, uint8(id)), nil
}

func coordinateToWire(value float64) uint32 {
	raw := uint32(math.Round(math.Abs(value) * avl.Precision))
	raw &= 0x7FFFFFFF
	if value < 0 {
		raw |= 1 << 31
	}
	return raw
}
