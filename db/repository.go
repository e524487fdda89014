package db

import (
	"context"
	"errors"

	"github.com/openfms/tracker-gateway/avl"
)

// ErrDeviceNotFound is returned by LookupDevice for IMEIs that were never
// provisioned. Sessions refuse such connections without a response.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceRef identifies a provisioned device.
type DeviceRef struct {
	ID   int64
	IMEI string
}

// Point is one walk coordinate.
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timestamp int64   `json:"ts"`
}

// WalkHandle identifies an open walk session in the store.
type WalkHandle struct {
	ID       int64
	DeviceID int64
}

// WalkStats carries the store side recomputed walk aggregates.
type WalkStats struct {
	DistanceMeters  int64
	DurationSeconds int64
}

// Repository is the narrow persistence port of the gateway. All calls may
// fail transiently; callers retry with Retry.
type Repository interface {
	LookupDevice(ctx context.Context, imei string) (*DeviceRef, error)
	AppendRecord(ctx context.Context, dev *DeviceRef, record *avl.Record) error
	OpenWalk(ctx context.Context, dev *DeviceRef, points []Point) (*WalkHandle, error)
	ExtendWalk(ctx context.Context, walk *WalkHandle, point Point) (*WalkStats, error)
	CloseWalk(ctx context.Context, walk *WalkHandle, endTimestamp int64) error
	SnapshotActive(ctx context.Context, dev *DeviceRef) (*WalkHandle, error)
}
