package server

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfms/tracker-gateway/db"
	"github.com/openfms/tracker-gateway/parser"
)

// session drives one device socket through the AwaitingImei -> Authenticated
// -> Streaming states. A single goroutine owns the whole
// read/decode/dispatch/ack chain, so records and acks keep arrival order and
// the tracker never sees concurrent records for the same device.
type session struct {
	srv  *TeltonikaServer
	conn net.Conn
	log  *zap.Logger
	buf  *parser.StreamBuffer

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	limiter   *frameLimiter

	imei       string
	dev        *db.DeviceRef
	token      uint64
	registered bool

	resyncCount   int
	crcMismatches uint64
}

func newSession(srv *TeltonikaServer, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		srv:     srv,
		conn:    conn,
		log:     srv.log.With(zap.String("peer", conn.RemoteAddr().String())),
		buf:     parser.NewStreamBuffer(parser.DefaultBufferCap),
		ctx:     ctx,
		cancel:  cancel,
		limiter: newFrameLimiter(srv.cfg.RateLimitPerMin),
	}
}

// close is the signal handed to the registry: a replacement session or a
// shutdown closes the socket, which unblocks the read loop.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

func (s *session) run() {
	defer s.teardown()

	if tcp, ok := s.conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(keepAlivePeriod)
		tcp.SetNoDelay(true)
	}

	readBuf := make([]byte, 2048)
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
		size, err := s.conn.Read(readBuf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.log.Info("idle timeout, closing session")
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Error("read failed", zap.Error(err))
			}
			return
		}
		if err := s.buf.Append(readBuf[:size]); err != nil {
			s.log.Error("framing buffer overflow, closing session",
				zap.Int("buffered", s.buf.Len()),
			)
			return
		}
		if s.dev == nil {
			imei, err := parser.ConsumeIMEI(s.buf)
			if errors.Is(err, parser.ErrNeedMore) {
				continue
			}
			if err != nil {
				s.log.Error("bad handshake", zap.Error(err))
				return
			}
			if !s.authenticate(imei) {
				return
			}
			// Any residue after the login frame is already AVL data.
		}
		if !s.drainFrames() {
			return
		}
	}
}

// authenticate resolves the IMEI against the repository and registers the
// device. Unknown devices are refused without a response.
func (s *session) authenticate(imei string) bool {
	lookupCtx, cancelLookup := context.WithTimeout(s.ctx, db.CallTimeout)
	dev, err := s.srv.repo.LookupDevice(lookupCtx, imei)
	cancelLookup()
	if errors.Is(err, db.ErrDeviceNotFound) {
		s.log.Warn("unknown device refused", zap.String("imei", imei))
		return false
	}
	if err != nil {
		s.log.Error("device lookup failed", zap.String("imei", imei), zap.Error(err))
		return false
	}

	s.imei = imei
	s.dev = dev
	s.log = s.log.With(zap.String("imei", imei))
	s.token = s.srv.registry.Register(imei, s.conn.RemoteAddr().String(), s.close)
	s.registered = true

	if !s.write([]byte{1}) {
		return false
	}
	s.log.Info("device authenticated")
	return true
}

// drainFrames decodes AVL frames until the buffer needs more bytes. It
// returns false when the session must close.
func (s *session) drainFrames() bool {
	for {
		frame, err := parser.ConsumeAVL(s.buf, s.imei, s.srv.cfg.StrictCRC)
		switch {
		case errors.Is(err, parser.ErrNeedMore):
			return true
		case errors.Is(err, parser.ErrResync):
			s.buf.Drop(1)
			s.resyncCount++
			if s.resyncCount >= parser.ResyncLimit {
				s.log.Error("resync exhausted, closing session")
				return false
			}
			continue
		case err != nil:
			s.log.Error("protocol error", zap.Error(err))
			return false
		}
		s.resyncCount = 0
		if frame.CRCMismatch {
			s.crcMismatches++
			s.log.Warn("frame crc mismatch",
				zap.Uint64("total", s.crcMismatches),
			)
		}
		s.srv.registry.Touch(s.imei, uint64(frame.Length), 1)

		if !s.limiter.Allow(time.Now()) {
			s.log.Warn("rate limited, dropping frame",
				zap.Int("records", len(frame.Records)),
			)
			if !s.writeAck(0) {
				return false
			}
			continue
		}

		if err := s.dispatch(frame); err != nil {
			// No ack: the device retransmits the frame.
			s.log.Error("dispatch failed, frame not acknowledged", zap.Error(err))
			continue
		}
		if !s.writeAck(uint32(len(frame.Records))) {
			return false
		}
		s.archiveFrame(frame)
		s.publishLastPoint(frame)
	}
}

// dispatch hands every record to the movement tracker and the repository, in
// order. The frame ack is only written after the whole batch went through.
func (s *session) dispatch(frame *parser.Frame) error {
	for _, record := range frame.Records {
		if err := s.srv.tracker.Track(s.ctx, s.dev, record); err != nil {
			return fmt.Errorf("track record:%w", err)
		}
		record := record
		err := db.Retry(s.ctx, func(ctx context.Context) error {
			return s.srv.repo.AppendRecord(ctx, s.dev, record)
		})
		if err != nil {
			return fmt.Errorf("append record:%w", err)
		}
	}
	return nil
}

func (s *session) writeAck(count uint32) bool {
	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, count)
	return s.write(ack)
}

func (s *session) write(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(data); err != nil {
		s.log.Error("socket write failed, draining session", zap.Error(err))
		return false
	}
	return true
}

// archiveFrame ships the raw frame and its decoded points to the analytics
// archive. Runs aside of the ack path; failures are only logged.
func (s *session) archiveFrame(frame *parser.Frame) {
	if s.srv.archive == nil {
		return
	}
	imei := s.imei
	s.srv.wg.Add(1)
	go func() {
		defer s.srv.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), db.CallTimeout)
		defer cancel()
		if err := s.srv.archive.SaveRawFrame(ctx, imei, hex.EncodeToString(frame.Raw)); err != nil {
			s.log.Error("save raw frame failed", zap.Error(err))
		}
		if err := s.srv.archive.SaveAvlPoints(ctx, frame.Records); err != nil {
			s.log.Error("save avl points failed", zap.Error(err))
		}
	}()
}

func (s *session) publishLastPoint(frame *parser.Frame) {
	if s.srv.natsConn == nil || len(frame.Records) == 0 {
		return
	}
	subject := fmt.Sprintf("device.lastpoint.%s", s.imei)
	payload, err := json.Marshal(frame.Records[len(frame.Records)-1])
	if err != nil {
		s.log.Error("marshal last point failed", zap.Error(err))
		return
	}
	if err := s.srv.natsConn.Publish(subject, payload); err != nil {
		s.log.Error("publish last point failed", zap.Error(err))
	}
}

// teardown runs on every exit path: the registry entry is removed and the
// tracker finalizes the device's walk even when the socket is already dead.
// A session that was replaced by a reconnect leaves the movement state to
// its successor instead of finalizing it.
func (s *session) teardown() {
	s.close()
	if s.registered && s.srv.registry.Unregister(s.imei, s.token) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		s.srv.tracker.Finalize(ctx, s.imei)
		cancel()
	}
	s.log.Info("session closed")
}
