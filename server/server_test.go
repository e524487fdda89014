package server

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/openfms/tracker-gateway/avl"
	"github.com/openfms/tracker-gateway/parser"
)

const testIMEI = "353691841005134"

func testEncodePoint(ts int64) *parser.EncodePoint {
	return &parser.EncodePoint{
		Timestamp:  ts,
		Priority:   avl.PriorityLow,
		Latitude:   52.2297,
		Longitude:  21.0122,
		Altitude:   110,
		Angle:      90,
		Satellites: 8,
		Speed:      5,
		Elements: []parser.EncodeElement{
			{ID: avl.ElementMovement, Width: 1, Value: 1},
			{ID: avl.ElementBatteryVoltage, Width: 2, Value: 3992},
		},
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHappyLogin(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)

	snapshot := ts.registry.Snapshot()
	assert.Equal(t, len(snapshot), 1)
	assert.Equal(t, snapshot[0].IMEI, testIMEI)
}

func TestUnknownDeviceRefused(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)

	imeiBytes, err := parser.EncodeIMEI("123456789012345")
	assert.NilError(t, err)
	_, err = conn.Write(imeiBytes)
	assert.NilError(t, err)

	// The server writes nothing and closes.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	assert.Equal(t, n, 0)
	assert.ErrorIs(t, err, io.EOF)
	waitFor(t, func() bool { return ts.registry.Count() == 0 })
}

func TestBadHandshakeClosed(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)

	// Length prefix outside 15..17: not an IMEI frame.
	_, err := conn.Write([]byte{0x00, 0x05, '1', '2', '3', '4', '5'})
	assert.NilError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	assert.Equal(t, n, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSingleRecordAck(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)

	ack := SendPoints(t, conn, []*parser.EncodePoint{testEncodePoint(time.Now().UnixMilli())})
	assert.DeepEqual(t, ack, []byte{0, 0, 0, 1})
	// The ack is written after dispatch, so the record is already stored.
	assert.Equal(t, ts.repo.recordCount(), 1)

	now := time.Now().UnixMilli()
	ack = SendPoints(t, conn, []*parser.EncodePoint{testEncodePoint(now), testEncodePoint(now + 1000)})
	assert.DeepEqual(t, ack, []byte{0, 0, 0, 2})
	assert.Equal(t, ts.repo.recordCount(), 3)
}

func TestSplitFrame(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)

	frameBytes, err := parser.MakeCodec8Frame([]*parser.EncodePoint{testEncodePoint(time.Now().UnixMilli())})
	assert.NilError(t, err)

	_, err = conn.Write(frameBytes[:7])
	assert.NilError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(frameBytes[7:])
	assert.NilError(t, err)

	assert.DeepEqual(t, readAck(t, conn), []byte{0, 0, 0, 1})
	assert.Equal(t, ts.repo.recordCount(), 1)
}

func TestRateLimitedFrameAckedZero(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) {
		cfg.RateLimitPerMin = 2
	}, nil, testIMEI)
	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)

	now := time.Now().UnixMilli()
	assert.DeepEqual(t, SendPoints(t, conn, []*parser.EncodePoint{testEncodePoint(now)}), []byte{0, 0, 0, 1})
	assert.DeepEqual(t, SendPoints(t, conn, []*parser.EncodePoint{testEncodePoint(now + 1000)}), []byte{0, 0, 0, 1})
	// Over budget: consumed and acknowledged with zero, nothing dispatched.
	assert.DeepEqual(t, SendPoints(t, conn, []*parser.EncodePoint{testEncodePoint(now + 2000)}), []byte{0, 0, 0, 0})
	assert.Equal(t, ts.repo.recordCount(), 2)
}

func TestReconnectReplacesSession(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)

	first := ts.dial(t)
	ImeiAuthenticate(t, first, testIMEI)
	second := ts.dial(t)
	ImeiAuthenticate(t, second, testIMEI)

	// The first socket is closed by the replacement.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := first.Read(make([]byte, 1))
	assert.Equal(t, n, 0)
	assert.Assert(t, err != nil)

	// The second session keeps working and owns the registry entry.
	assert.Equal(t, ts.registry.Count(), 1)
	ack := SendPoints(t, second, []*parser.EncodePoint{testEncodePoint(time.Now().UnixMilli())})
	assert.DeepEqual(t, ack, []byte{0, 0, 0, 1})
}

func TestSessionCapRefusesConnections(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) {
		cfg.MaxSessions = 1
	}, nil, testIMEI)

	first := ts.dial(t)
	ImeiAuthenticate(t, first, testIMEI)

	second := ts.dial(t)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := second.Read(make([]byte, 1))
	assert.Equal(t, n, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRegistryCleanupOnDisconnect(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)
	assert.Equal(t, ts.registry.Count(), 1)

	conn.Close()
	waitFor(t, func() bool { return ts.registry.Count() == 0 })
}

func TestGarbageBeforeFrameResyncs(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)

	garbage := make([]byte, 16)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	_, err := conn.Write(garbage)
	assert.NilError(t, err)

	ack := SendPoints(t, conn, []*parser.EncodePoint{testEncodePoint(time.Now().UnixMilli())})
	assert.DeepEqual(t, ack, []byte{0, 0, 0, 1})
}

func TestPublishLastPoint(t *testing.T) {
	natsPort := 10000 + int(time.Now().UnixNano()%20000)
	natsSrv := RunNatsServerOnPort(natsPort)
	defer natsSrv.Shutdown()
	natsConn := NewNatsConnection(t, natsSrv.ClientURL())
	defer natsConn.Close()

	ts := startTestServer(t, nil, natsConn, testIMEI)

	sub, err := natsConn.SubscribeSync("device.lastpoint." + testIMEI)
	assert.NilError(t, err)

	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)
	SendPoints(t, conn, []*parser.EncodePoint{testEncodePoint(time.Now().UnixMilli())})

	msg, err := sub.NextMsg(2 * time.Second)
	assert.NilError(t, err)
	var published avl.Record
	assert.NilError(t, json.Unmarshal(msg.Data, &published))
	assert.Equal(t, published.IMEI, testIMEI)
	assert.Equal(t, published.GPS.Latitude, 52.2297)
}

func TestServerStopClosesSessions(t *testing.T) {
	ts := startTestServer(t, nil, nil, testIMEI)
	conn := ts.dial(t)
	ImeiAuthenticate(t, conn, testIMEI)

	ts.srv.Stop()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	assert.Equal(t, n, 0)
	assert.Assert(t, err != nil)

	// A stopped listener takes no new connections.
	_, err = net.DialTimeout("tcp", ts.addr, time.Second)
	assert.Assert(t, err != nil)
}
