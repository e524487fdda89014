package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// staleActivityAfter flags devices that went quiet on /connections.
const staleActivityAfter = 30 * time.Second

// Monitor is the read only HTTP surface over the device registry.
type Monitor struct {
	log         *zap.Logger
	registry    *Registry
	started     time.Time
	devicePort  int
	monitorPort int
	staleAfter  time.Duration
	srv         *http.Server
}

func NewMonitor(logger *zap.Logger, registry *Registry, listenAddr string, devicePort, monitorPort int) *Monitor {
	m := &Monitor{
		log:         logger,
		registry:    registry,
		started:     time.Now(),
		devicePort:  devicePort,
		monitorPort: monitorPort,
		staleAfter:  staleActivityAfter,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/devices", m.handleDevices)
	mux.HandleFunc("/connections", m.handleConnections)
	m.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return m
}

// Start serves the monitor in a background goroutine and always returns nil;
// a bind or serve failure is only logged.
func (m *Monitor) Start() error {
	m.log.Info("monitor started", zap.String("ListenAddress", m.srv.Addr))
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("monitor server failed", zap.Error(err))
		}
	}()
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, map[string]any{
		"status":      "ok",
		"uptimeSec":   int(time.Since(m.started).Seconds()),
		"devicePort":  m.devicePort,
		"monitorPort": m.monitorPort,
	})
}

func (m *Monitor) handleDevices(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, map[string]any{
		"devices": m.registry.Snapshot(),
	})
}

func (m *Monitor) handleConnections(w http.ResponseWriter, r *http.Request) {
	snapshot := m.registry.Snapshot()
	issues := make([]string, 0)
	for _, device := range snapshot {
		if time.Since(device.LastActivityAt) > m.staleAfter {
			issues = append(issues, device.IMEI)
		}
	}
	m.writeJSON(w, map[string]any{
		"activeConnections": len(snapshot),
		"issues":            issues,
	})
}

func (m *Monitor) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Write(data)
}
