package simulator

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout = 10 * time.Second
	ioTimeout   = 15 * time.Second
)

// TrackerDevice plays a TMT250 against a running gateway: it logs in with
// its IMEI and replays a walk scenario over a single long lived connection,
// checking every acknowledgement the way a real device would.
type TrackerDevice struct {
	gatewayAddr string
	imei        string
	log         *log.Logger

	conn      net.Conn
	closeOnce sync.Once
}

func NewTrackerDevice(gatewayAddr, imei string, logger *log.Logger) *TrackerDevice {
	return &TrackerDevice{
		gatewayAddr: gatewayAddr,
		imei:        imei,
		log:         logger,
	}
}

func (td *TrackerDevice) Connect() error {
	conn, err := net.DialTimeout("tcp", td.gatewayAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial gateway %s:%w", td.gatewayAddr, err)
	}
	td.conn = conn
	return nil
}

func (td *TrackerDevice) Stop() {
	td.closeOnce.Do(func() {
		if td.conn != nil {
			td.conn.Close()
		}
		td.log.Println("tracker simulator stopped")
	})
}
