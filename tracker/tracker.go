package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfms/tracker-gateway/avl"
	"github.com/openfms/tracker-gateway/db"
)

// Config carries the walk session thresholds.
type Config struct {
	Warmup            time.Duration
	Idle              time.Duration
	SpeedThresholdKMH uint16
}

func DefaultConfig() Config {
	return Config{
		Warmup:            5 * time.Minute,
		Idle:              5 * time.Minute,
		SpeedThresholdKMH: 3,
	}
}

type walkState int

const (
	stateIdle walkState = iota
	stateWarmingUp
	stateSaving
)

type deviceState struct {
	mu            sync.Mutex
	ref           *db.DeviceRef
	state         walkState
	movementStart int64
	lastTs        int64
	idleAccumMS   int64
	pending       []db.Point
	walk          *db.WalkHandle
	needsResume   bool
}

// Tracker derives walk sessions from the per device record stream. Records
// for a single device arrive serialized by the session that owns it; the per
// device lock only guards the reconnect handoff window.
type Tracker struct {
	log  *zap.Logger
	repo db.Repository
	cfg  Config

	mu      sync.Mutex
	devices map[string]*deviceState
}

func New(logger *zap.Logger, repo db.Repository, cfg Config) *Tracker {
	return &Tracker{
		log:     logger,
		repo:    repo,
		cfg:     cfg,
		devices: make(map[string]*deviceState),
	}
}

// Track feeds one authenticated record through the movement state machine.
// A returned error means the store rejected the walk mutation after retries;
// the session withholds the frame ack so the device retransmits.
func (t *Tracker) Track(ctx context.Context, ref *db.DeviceRef, record *avl.Record) error {
	if !record.GPS.HasCoordinates() {
		return nil
	}
	state := t.deviceState(ref, record.Timestamp)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.needsResume {
		t.resume(ctx, state)
	}

	moving := record.Moving(t.cfg.SpeedThresholdKMH)
	point := db.Point{
		Latitude:  record.GPS.Latitude,
		Longitude: record.GPS.Longitude,
		Timestamp: record.Timestamp,
	}

	switch state.state {
	case stateIdle:
		if moving {
			state.state = stateWarmingUp
			state.movementStart = point.Timestamp
			state.pending = append(state.pending[:0], point)
		}
	case stateWarmingUp:
		if !moving {
			t.remove(ref.IMEI)
			break
		}
		if point.Timestamp-state.movementStart < t.cfg.Warmup.Milliseconds() {
			state.pending = append(state.pending, point)
			break
		}
		handle, err := t.openWalk(ctx, state)
		if err != nil {
			return err
		}
		state.walk = handle
		state.state = stateSaving
		state.pending = nil
		state.idleAccumMS = 0
		if err := t.extendWalk(ctx, state, point); err != nil {
			return err
		}
	case stateSaving:
		if moving {
			if err := t.extendWalk(ctx, state, point); err != nil {
				return err
			}
			state.idleAccumMS = 0
			break
		}
		state.idleAccumMS += point.Timestamp - state.lastTs
		if state.idleAccumMS >= t.cfg.Idle.Milliseconds() {
			if err := t.closeWalk(ctx, state, point.Timestamp); err != nil {
				return err
			}
			t.remove(ref.IMEI)
		}
	}
	state.lastTs = point.Timestamp
	return nil
}

// Finalize runs on session teardown: an open walk is closed at the last seen
// point, warm up buffers are discarded.
func (t *Tracker) Finalize(ctx context.Context, imei string) {
	t.mu.Lock()
	state, ok := t.devices[imei]
	if ok {
		delete(t.devices, imei)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.state != stateSaving || state.walk == nil {
		return
	}
	if err := t.closeWalk(ctx, state, state.lastTs); err != nil {
		t.log.Error("close walk on teardown failed",
			zap.String("imei", imei),
			zap.Error(err),
		)
	}
}

func (t *Tracker) deviceState(ref *db.DeviceRef, firstTs int64) *deviceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.devices[ref.IMEI]; ok {
		return state
	}
	state := &deviceState{ref: ref, lastTs: firstTs, needsResume: true}
	t.devices[ref.IMEI] = state
	return state
}

// resume adopts an active walk left over from an unclean stop, keeping the
// single active walk invariant intact across restarts.
func (t *Tracker) resume(ctx context.Context, state *deviceState) {
	state.needsResume = false
	var stale *db.WalkHandle
	err := db.Retry(ctx, func(ctx context.Context) error {
		var e error
		stale, e = t.repo.SnapshotActive(ctx, state.ref)
		return e
	})
	if err != nil {
		t.log.Warn("snapshot active walk failed", zap.String("imei", state.ref.IMEI), zap.Error(err))
		return
	}
	if stale == nil {
		return
	}
	state.state = stateSaving
	state.walk = stale
	t.log.Info("resumed active walk",
		zap.String("imei", state.ref.IMEI),
		zap.Int64("walkID", stale.ID),
	)
}

func (t *Tracker) remove(imei string) {
	t.mu.Lock()
	delete(t.devices, imei)
	t.mu.Unlock()
}

func (t *Tracker) openWalk(ctx context.Context, state *deviceState) (*db.WalkHandle, error) {
	var handle *db.WalkHandle
	err := db.Retry(ctx, func(ctx context.Context) error {
		var e error
		handle, e = t.repo.OpenWalk(ctx, state.ref, state.pending)
		return e
	})
	if err != nil {
		return nil, err
	}
	t.log.Info("walk opened",
		zap.String("imei", state.ref.IMEI),
		zap.Int64("walkID", handle.ID),
		zap.Int("points", len(state.pending)),
	)
	return handle, nil
}

func (t *Tracker) extendWalk(ctx context.Context, state *deviceState, point db.Point) error {
	return db.Retry(ctx, func(ctx context.Context) error {
		_, err := t.repo.ExtendWalk(ctx, state.walk, point)
		return err
	})
}

func (t *Tracker) closeWalk(ctx context.Context, state *deviceState, endTs int64) error {
	err := db.Retry(ctx, func(ctx context.Context) error {
		return t.repo.CloseWalk(ctx, state.walk, endTs)
	})
	if err != nil {
		return err
	}
	t.log.Info("walk closed",
		zap.String("imei", state.ref.IMEI),
		zap.Int64("walkID", state.walk.ID),
	)
	return nil
}
