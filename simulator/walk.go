package simulator

import (
	"math/rand"
	"time"

	"github.com/openfms/tracker-gateway/avl"
	"github.com/openfms/tracker-gateway/parser"
)

const (
	startLatitude  = 52.2297
	startLongitude = 21.0122
	// Roughly 1.2 m/s of drift per simulated step at the start latitude.
	stepDegrees = 0.00035
)

// SimulateWalk authenticates and then replays a full walk lifecycle: moving
// records for walkFor, then still records for idleFor, one record every
// interval. The gateway should open one walk after its warm up threshold and
// close it after its idle threshold.
func (td *TrackerDevice) SimulateWalk(walkFor, idleFor, interval time.Duration) {
	defer td.Stop()
	if err := td.Login(); err != nil {
		td.log.Println("login failed:", err)
		return
	}
	td.log.Printf("authenticated as %s, walking for %v then idling for %v\n", td.imei, walkFor, idleFor)

	latitude, longitude := startLatitude, startLongitude
	walkSteps := int(walkFor / interval)
	idleSteps := int(idleFor / interval)

	for i := 0; i < walkSteps+idleSteps; i++ {
		moving := i < walkSteps
		if moving {
			latitude += stepDegrees * (0.8 + rand.Float64()*0.4)
			longitude += stepDegrees * (rand.Float64() - 0.5)
		}
		point := walkPoint(latitude, longitude, moving)
		if err := td.SendPoints([]*parser.EncodePoint{point}); err != nil {
			td.log.Println("failed to send points:", err)
			return
		}
		td.log.Printf("sent point moving=%v lat=%.5f lon=%.5f\n", moving, latitude, longitude)
		time.Sleep(interval)
	}
}

func walkPoint(latitude, longitude float64, moving bool) *parser.EncodePoint {
	var movement, speed uint64
	if moving {
		movement = 1
		speed = uint64(4 + rand.Intn(4))
	}
	return &parser.EncodePoint{
		Timestamp:  time.Now().UnixMilli(),
		Priority:   avl.PriorityLow,
		Latitude:   latitude,
		Longitude:  longitude,
		Altitude:   110,
		Angle:      uint16(rand.Intn(360)),
		Satellites: uint8(7 + rand.Intn(5)),
		Speed:      uint16(speed),
		EventID:    0,
		Elements: []parser.EncodeElement{
			{ID: avl.ElementMovement, Width: 1, Value: movement},
			{ID: avl.ElementGSMSignal, Width: 1, Value: uint64(2 + rand.Intn(3))},
			{ID: avl.ElementBatteryLevel, Width: 1, Value: uint64(40 + rand.Intn(60))},
			{ID: avl.ElementBatteryVoltage, Width: 2, Value: uint64(3700 + rand.Intn(400))},
		},
	}
}
