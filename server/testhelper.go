package server

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"github.com/openfms/tracker-gateway/avl"
	"github.com/openfms/tracker-gateway/db"
	"github.com/openfms/tracker-gateway/parser"
	"github.com/openfms/tracker-gateway/tracker"
)

func generateRandomHostPort() string {
	port := rand.Intn(65535-10000) + 10000
	return net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
}

// RunNatsServerOnPort will run a nats server on the given port.
func RunNatsServerOnPort(port int) *natsserver.Server {
	opts := natstest.DefaultTestOptions
	opts.Port = port
	return natstest.RunServer(&opts)
}

func NewNatsConnection(t *testing.T, url string) *nats.Conn {
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("Failed to create default connection: %v\n", err)
	}
	return nc
}

// fakeRepo is an in memory Repository with a fixed set of known devices.
type fakeRepo struct {
	mu      sync.Mutex
	known   map[string]int64
	records []*avl.Record
	walks   int
}

func newFakeRepo(imeis ...string) *fakeRepo {
	known := make(map[string]int64)
	for i, imei := range imeis {
		known[imei] = int64(i + 1)
	}
	return &fakeRepo{known: known}
}

func (f *fakeRepo) LookupDevice(ctx context.Context, imei string) (*db.DeviceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.known[imei]
	if !ok {
		return nil, db.ErrDeviceNotFound
	}
	return &db.DeviceRef{ID: id, IMEI: imei}, nil
}

func (f *fakeRepo) AppendRecord(ctx context.Context, dev *db.DeviceRef, record *avl.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeRepo) OpenWalk(ctx context.Context, dev *db.DeviceRef, points []db.Point) (*db.WalkHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.walks++
	return &db.WalkHandle{ID: int64(f.walks), DeviceID: dev.ID}, nil
}

func (f *fakeRepo) ExtendWalk(ctx context.Context, walk *db.WalkHandle, point db.Point) (*db.WalkStats, error) {
	return &db.WalkStats{}, nil
}

func (f *fakeRepo) CloseWalk(ctx context.Context, walk *db.WalkHandle, endTimestamp int64) error {
	return nil
}

func (f *fakeRepo) SnapshotActive(ctx context.Context, dev *db.DeviceRef) (*db.WalkHandle, error) {
	return nil, nil
}

func (f *fakeRepo) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type testServer struct {
	srv      *TeltonikaServer
	repo     *fakeRepo
	registry *Registry
	addr     string
}

func startTestServer(t *testing.T, mutate func(*Config), natsConn *nats.Conn, imeis ...string) *testServer {
	t.Helper()
	repo := newFakeRepo(imeis...)
	logger := zap.NewNop()
	registry := NewRegistry()
	trk := tracker.New(logger, repo, tracker.DefaultConfig())

	cfg := DefaultConfig(generateRandomHostPort())
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg, logger, repo, trk, registry, natsConn, nil)
	assert.NilError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return &testServer{srv: srv, repo: repo, registry: registry, addr: cfg.ListenAddr}
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func ImeiAuthenticate(t *testing.T, clientConn net.Conn, imei string) {
	t.Helper()
	imeiBytes, err := parser.EncodeIMEI(imei)
	assert.NilError(t, err)
	_, err = clientConn.Write(imeiBytes)
	assert.NilError(t, err)
	buf := make([]byte, 1)
	_, err = clientConn.Read(buf)
	assert.NilError(t, err)
	assert.DeepEqual(t, buf, []byte{1})
}

func SendPoints(t *testing.T, clientConn net.Conn, points []*parser.EncodePoint) []byte {
	t.Helper()
	packetBytes, err := parser.MakeCodec8Frame(points)
	assert.NilError(t, err)
	_, err = clientConn.Write(packetBytes)
	assert.NilError(t, err)
	return readAck(t, clientConn)
}

func readAck(t *testing.T, clientConn net.Conn) []byte {
	t.Helper()
	buf := make([]byte, 4)
	_, err := io.ReadFull(clientConn, buf)
	assert.NilError(t, err)
	return buf
}
