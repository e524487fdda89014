package parser

import "errors"

var (
	// ErrNeedMore means the buffer does not yet hold a complete frame. Not a
	// failure; the caller returns to its read loop.
	ErrNeedMore = errors.New("need more data")

	// ErrNotIMEI means the first bytes of the stream cannot be an IMEI login
	// frame (length prefix out of the 15..17 range).
	ErrNotIMEI = errors.New("not an imei frame")

	// ErrMalformedIMEI means the frame is IMEI shaped but its payload is not
	// all ASCII digits.
	ErrMalformedIMEI = errors.New("malformed imei frame")
)

const (
	imeiMinLen = 15
	imeiMaxLen = 17
)

// ConsumeIMEI tries to extract the login frame from the start of the stream.
// On success the frame's bytes are dropped from the buffer and the device
// identifier digits are returned.
func ConsumeIMEI(buf *StreamBuffer) (string, error) {
	n, ok := buf.ReadU16BE(0)
	if !ok {
		return "", ErrNeedMore
	}
	if n < imeiMinLen || n > imeiMaxLen {
		return "", ErrNotIMEI
	}
	frame, ok := buf.Peek(2 + int(n))
	if !ok {
		return "", ErrNeedMore
	}
	digits := frame[2:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", ErrMalformedIMEI
		}
	}
	imei := string(digits)
	buf.Drop(2 + int(n))
	return imei, nil
}
