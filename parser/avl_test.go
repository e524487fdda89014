package parser

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/openfms/tracker-gateway/avl"
)

const testIMEI = "353691841005134"

func testPoint() *EncodePoint {
	return &EncodePoint{
		Timestamp:  1560166592000,
		Priority:   avl.PriorityHigh,
		Latitude:   52.2297,
		Longitude:  21.0122,
		Altitude:   135,
		Angle:      45,
		Satellites: 6,
		Speed:      0,
		EventID:    240,
		Elements: []EncodeElement{
			{ID: avl.ElementMovement, Width: 1, Value: 1},
			{ID: avl.ElementGSMSignal, Width: 1, Value: 4},
			{ID: avl.ElementBatteryVoltage, Width: 2, Value: 3992},
			{ID: 16, Width: 4, Value: 22949000},
		},
	}
}

func consumeAll(t *testing.T, frameBytes []byte, strictCRC bool) (*Frame, error) {
	t.Helper()
	buf := NewStreamBuffer(0)
	assert.NilError(t, buf.Append(frameBytes))
	return ConsumeAVL(buf, testIMEI, strictCRC)
}

func TestConsumeAVLCodec8(t *testing.T) {
	frameBytes, err := MakeCodec8Frame([]*EncodePoint{testPoint()})
	assert.NilError(t, err)

	frame, err := consumeAll(t, frameBytes, false)
	assert.NilError(t, err)
	assert.Equal(t, frame.CodecID, uint8(CodecID8))
	assert.Equal(t, frame.CRCMismatch, false)
	assert.Equal(t, frame.Length, len(frameBytes))
	assert.Equal(t, len(frame.Records), 1)

	record := frame.Records[0]
	assert.Equal(t, record.IMEI, testIMEI)
	assert.Equal(t, record.Timestamp, int64(1560166592000))
	assert.Equal(t, record.Priority, avl.PriorityHigh)
	assert.Equal(t, record.EventID, uint16(240))
	assert.Equal(t, record.GPS.Latitude, 52.2297)
	assert.Equal(t, record.GPS.Longitude, 21.0122)
	assert.Equal(t, record.GPS.Altitude, int16(135))
	assert.Equal(t, record.GPS.Satellites, uint8(6))
	assert.Assert(t, record.GPS.PositionValid())

	assert.Assert(t, record.Telemetry.Movement != nil)
	assert.Equal(t, *record.Telemetry.Movement, true)
	assert.Assert(t, record.Telemetry.GSMSignal != nil)
	assert.Equal(t, *record.Telemetry.GSMSignal, uint8(4))
	assert.Assert(t, record.Telemetry.BatteryVoltage != nil)
	assert.Equal(t, *record.Telemetry.BatteryVoltage, uint16(3992))
	assert.Equal(t, record.Extra[16], uint64(22949000))
}

func TestConsumeAVLCodec8Extended(t *testing.T) {
	point := testPoint()
	// 16 bit element ids only exist in Codec 8 Extended.
	point.Elements = append(point.Elements, EncodeElement{ID: 389, Width: 2, Value: 1200})
	frameBytes, err := MakeCodec8ExtendedFrame([]*EncodePoint{point, testPoint()})
	assert.NilError(t, err)

	frame, err := consumeAll(t, frameBytes, false)
	assert.NilError(t, err)
	assert.Equal(t, frame.CodecID, uint8(CodecID8E))
	assert.Equal(t, len(frame.Records), 2)
	assert.Equal(t, frame.Records[0].Extra[389], uint64(1200))
}

func TestConsumeAVLNegativeCoordinates(t *testing.T) {
	point := testPoint()
	point.Latitude = -33.8688
	point.Longitude = -151.2093
	frameBytes, err := MakeCodec8Frame([]*EncodePoint{point})
	assert.NilError(t, err)

	frame, err := consumeAll(t, frameBytes, false)
	assert.NilError(t, err)
	assert.Equal(t, frame.Records[0].GPS.Latitude, -33.8688)
	assert.Equal(t, frame.Records[0].GPS.Longitude, -151.2093)
}

// Framing totality: any chunking of the same bytes yields the same frame.
func TestConsumeAVLEverySplitOffset(t *testing.T) {
	frameBytes, err := MakeCodec8Frame([]*EncodePoint{testPoint()})
	assert.NilError(t, err)

	for split := 1; split < len(frameBytes); split++ {
		buf := NewStreamBuffer(0)
		assert.NilError(t, buf.Append(frameBytes[:split]))
		_, err := ConsumeAVL(buf, testIMEI, false)
		assert.ErrorIs(t, err, ErrNeedMore)

		assert.NilError(t, buf.Append(frameBytes[split:]))
		frame, err := ConsumeAVL(buf, testIMEI, false)
		assert.NilError(t, err)
		assert.Equal(t, len(frame.Records), 1)
		assert.Equal(t, frame.Records[0].Timestamp, int64(1560166592000))
		assert.Equal(t, buf.Len(), 0)
	}
}

func TestConsumeAVLResync(t *testing.T) {
	frameBytes, err := MakeCodec8Frame([]*EncodePoint{testPoint()})
	assert.NilError(t, err)

	garbage := make([]byte, 1023)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	buf := NewStreamBuffer(0)
	assert.NilError(t, buf.Append(garbage))
	assert.NilError(t, buf.Append(frameBytes))

	skipped := 0
	for {
		frame, err := ConsumeAVL(buf, testIMEI, false)
		if err == nil {
			assert.Equal(t, len(frame.Records), 1)
			break
		}
		assert.ErrorIs(t, err, ErrResync)
		buf.Drop(1)
		skipped++
		assert.Assert(t, skipped < ResyncLimit)
	}
	assert.Equal(t, skipped, 1023)
}

func TestConsumeAVLMalformed(t *testing.T) {
	valid, err := MakeCodec8Frame([]*EncodePoint{testPoint()})
	assert.NilError(t, err)

	tests := map[string]struct {
		mutate  func([]byte) []byte
		errWant error
	}{
		"data length below minimum": {
			mutate: func(b []byte) []byte {
				b[4], b[5], b[6], b[7] = 0, 0, 0, 5
				return b
			},
			errWant: ErrMalformedFrame,
		},
		"data length above maximum": {
			mutate: func(b []byte) []byte {
				b[4], b[5], b[6], b[7] = 0x01, 0, 0, 0
				return b
			},
			errWant: ErrMalformedFrame,
		},
		"unsupported codec": {
			mutate: func(b []byte) []byte {
				b[8] = 0x0C
				return b
			},
			errWant: ErrUnsupportedCodec,
		},
		"trailing count mismatch": {
			mutate: func(b []byte) []byte {
				b[len(b)-5]++
				return b
			},
			errWant: ErrMalformedFrame,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			mutated := test.mutate(append([]byte(nil), valid...))
			_, err := consumeAll(t, mutated, false)
			assert.ErrorIs(t, err, test.errWant)
		})
	}
}

func TestConsumeAVLCrcModes(t *testing.T) {
	frameBytes, err := MakeCodec8Frame([]*EncodePoint{testPoint()})
	assert.NilError(t, err)
	frameBytes[len(frameBytes)-1] ^= 0xFF

	frame, err := consumeAll(t, frameBytes, false)
	assert.NilError(t, err)
	assert.Equal(t, frame.CRCMismatch, true)

	_, err = consumeAll(t, frameBytes, true)
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

func TestCrc16IBMKnownValue(t *testing.T) {
	// CRC-16/ARC of "123456789".
	assert.Equal(t, Crc16IBM([]byte("123456789")), uint16(0xBB3D))
}
