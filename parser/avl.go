package parser

import (
	"encoding/binary"
	"errors"

	"github.com/openfms/tracker-gateway/avl"
)

var (
	// ErrResync means the stream is not aligned on a frame preamble. The
	// caller discards a single byte and retries, bounded by ResyncLimit.
	ErrResync = errors.New("preamble mismatch")

	ErrMalformedFrame   = errors.New("malformed avl frame")
	ErrUnsupportedCodec = errors.New("codec not supported")
	ErrCRCMismatch      = errors.New("crc check failed")
)

const (
	CodecID8  = 0x08
	CodecID8E = 0x8E

	// ResyncLimit terminates a session after this many consecutive skipped
	// bytes without a successful frame.
	ResyncLimit = 1024

	minDataFieldLength = 12
	maxDataFieldLength = 200_000
)

// Frame is one decoded AVL data frame.
type Frame struct {
	CodecID     uint8
	Records     []*avl.Record
	CRCMismatch bool
	Length      int    // bytes consumed from the stream
	Raw         []byte // the complete frame as received
}

// ConsumeAVL tries to extract one AVL data frame from the start of the
// stream. On success the frame's bytes are dropped from the buffer. A CRC
// mismatch is fatal only when strictCRC is set; otherwise it is surfaced on
// the frame for the caller to count.
func ConsumeAVL(buf *StreamBuffer, imei string, strictCRC bool) (*Frame, error) {
	preamble, ok := buf.ReadU32BE(0)
	if !ok {
		return nil, ErrNeedMore
	}
	if preamble != 0 {
		return nil, ErrResync
	}
	dataLen64, ok := buf.ReadU32BE(4)
	if !ok {
		return nil, ErrNeedMore
	}
	dataLen := int(dataLen64)
	if dataLen < minDataFieldLength || dataLen > maxDataFieldLength {
		return nil, ErrMalformedFrame
	}
	total := 8 + dataLen + 4
	raw, ok := buf.Peek(total)
	if !ok {
		return nil, ErrNeedMore
	}
	body := raw[8 : 8+dataLen]

	records, codecID, err := parseBody(body, imei)
	if err != nil {
		return nil, err
	}

	crcField := binary.BigEndian.Uint32(raw[8+dataLen:])
	crcMismatch := Crc16IBM(body) != uint16(crcField)
	if crcMismatch && strictCRC {
		return nil, ErrCRCMismatch
	}

	frame := &Frame{
		CodecID:     codecID,
		Records:     records,
		CRCMismatch: crcMismatch,
		Length:      total,
		Raw:         append([]byte(nil), raw...),
	}
	buf.Drop(total)
	return frame, nil
}

func parseBody(body []byte, imei string) ([]*avl.Record, uint8, error) {
	r := newReader(body)
	codecID := r.u8()
	if codecID != CodecID8 && codecID != CodecID8E {
		return nil, 0, ErrUnsupportedCodec
	}
	extended := codecID == CodecID8E

	count := int(r.count(extended))
	if r.short || count == 0 {
		return nil, 0, ErrMalformedFrame
	}
	records := make([]*avl.Record, 0, count)
	for i := 0; i < count; i++ {
		record, err := parseRecord(r, imei, extended)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, record)
	}
	trailing := int(r.count(extended))
	if r.short || trailing != count {
		return nil, 0, ErrMalformedFrame
	}
	// The record number must land exactly on the end of the data field.
	if r.remaining() != 0 {
		return nil, 0, ErrMalformedFrame
	}
	return records, codecID, nil
}

func parseRecord(r *reader, imei string, extended bool) (*avl.Record, error) {
	record := &avl.Record{
		IMEI:      imei,
		Timestamp: int64(r.u64()),
		Priority:  avl.PacketPriority(r.u8()),
	}
	record.GPS.Longitude = signMagnitudeCoordinate(r.u32())
	record.GPS.Latitude = signMagnitudeCoordinate(r.u32())
	altitude, _ := streamToNumber[int16](r.next(2))
	record.GPS.Altitude = altitude
	record.GPS.Angle = r.u16()
	record.GPS.Satellites = r.u8()
	record.GPS.Speed = r.u16()

	record.EventID = r.id(extended)
	total := int(r.count(extended))
	decoded := 0
	for _, width := range []int{1, 2, 4, 8} {
		n := int(r.count(extended))
		for i := 0; i < n; i++ {
			id := r.id(extended)
			var value uint64
			switch width {
			case 1:
				value = uint64(r.u8())
			case 2:
				value = uint64(r.u16())
			case 4:
				value = uint64(r.u32())
			case 8:
				value = r.u64()
			}
			record.SetElement(id, value)
			decoded++
		}
	}
	if r.short {
		return nil, ErrMalformedFrame
	}
	if decoded != total {
		return nil, ErrMalformedFrame
	}
	return record, nil
}

// signMagnitudeCoordinate converts a wire coordinate: the top bit carries the
// sign, the remaining 31 bits the magnitude scaled by 1e7.
func signMagnitudeCoordinate(raw uint32) float64 {
	value := float64(raw&0x7FFFFFFF) / avl.Precision
	if raw>>31 == 1 {
		return -value
	}
	return value
}
