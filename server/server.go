package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/openfms/tracker-gateway/db"
	"github.com/openfms/tracker-gateway/db/clickhouse"
	"github.com/openfms/tracker-gateway/tracker"
)

// Config carries the listener and session settings.
type Config struct {
	ListenAddr      string
	IdleTimeout     time.Duration
	MaxSessions     int
	RateLimitPerMin int
	StrictCRC       bool
}

func DefaultConfig(listenAddr string) Config {
	return Config{
		ListenAddr:      listenAddr,
		IdleTimeout:     5 * time.Minute,
		MaxSessions:     100,
		RateLimitPerMin: 60,
	}
}

const (
	keepAlivePeriod = 60 * time.Second
	writeTimeout    = 5 * time.Second
	shutdownBudget  = 3 * time.Second
)

type Empty struct{}

// TeltonikaServer accepts device connections and runs one session per
// socket. The NATS connection and the ClickHouse archive are optional; nil
// disables them.
type TeltonikaServer struct {
	cfg      Config
	log      *zap.Logger
	repo     db.Repository
	tracker  *tracker.Tracker
	registry *Registry
	natsConn *nats.Conn
	archive  clickhouse.Archive

	ln       net.Listener
	quit     chan Empty
	stopOnce sync.Once
	wg       sync.WaitGroup
	sessions atomic.Int64
}

func NewServer(cfg Config, logger *zap.Logger, repo db.Repository, trk *tracker.Tracker, registry *Registry, natsConn *nats.Conn, archive clickhouse.Archive) *TeltonikaServer {
	return &TeltonikaServer{
		cfg:      cfg,
		log:      logger,
		repo:     repo,
		tracker:  trk,
		registry: registry,
		natsConn: natsConn,
		archive:  archive,
		quit:     make(chan Empty),
	}
}

// Start binds the device port and launches the accept loop.
func (ts *TeltonikaServer) Start() error {
	ln, err := net.Listen("tcp", ts.cfg.ListenAddr)
	if err != nil {
		return err
	}
	ts.ln = ln
	ts.wg.Add(1)
	go ts.acceptConnections()
	ts.log.Info("server started",
		zap.String("ListenAddress", ts.cfg.ListenAddr),
	)
	return nil
}

func (ts *TeltonikaServer) acceptConnections() {
	defer ts.wg.Done()
	for {
		conn, err := ts.ln.Accept()
		if err != nil {
			select {
			case <-ts.quit:
				return
			default:
				ts.log.Error("accept connection error", zap.Error(err))
				continue
			}
		}
		if ts.sessions.Load() >= int64(ts.cfg.MaxSessions) {
			ts.log.Warn("session cap reached, refusing connection",
				zap.String("Address", conn.RemoteAddr().String()),
			)
			conn.Close()
			continue
		}
		ts.log.Info("new connection to the server",
			zap.String("Address", conn.RemoteAddr().String()),
		)
		ts.sessions.Add(1)
		ts.wg.Add(1)
		go ts.handleConnection(conn)
	}
}

func (ts *TeltonikaServer) handleConnection(conn net.Conn) {
	defer ts.wg.Done()
	defer ts.sessions.Add(-1)
	newSession(ts, conn).run()
}

// ActiveSessions reports the number of live sessions, authenticated or not.
func (ts *TeltonikaServer) ActiveSessions() int64 {
	return ts.sessions.Load()
}

// Stop closes the listener, signals every registered session and waits up to
// the shutdown budget for them to finish.
func (ts *TeltonikaServer) Stop() {
	ts.stopOnce.Do(func() {
		close(ts.quit)
		if ts.ln != nil {
			ts.ln.Close()
		}
		ts.registry.CloseAll()

		done := make(chan Empty)
		go func() {
			ts.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownBudget):
			ts.log.Warn("shutdown budget exceeded, abandoning sessions")
		}
		ts.log.Info("stop server")
	})
}
