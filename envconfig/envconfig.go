package envconfig

import (
	"github.com/caarlos0/env/v6"
)

type GatewayEnvConfig struct {
	Host                  string `env:"HOST" envDefault:"0.0.0.0"`
	DevicePort            int    `env:"DEVICE_PORT" envDefault:"5005"`
	MonitorPort           int    `env:"MONITOR_PORT" envDefault:"5006"`
	SocketTimeoutMS       int    `env:"SOCKET_TIMEOUT_MS" envDefault:"300000"`
	MaxConcurrentSessions int    `env:"MAX_CONCURRENT_SESSIONS" envDefault:"100"`
	RateLimitFramesPerMin int    `env:"RATE_LIMIT_FRAMES_PER_MIN" envDefault:"60"`
	WarmupMS              int    `env:"WARMUP_MS" envDefault:"300000"`
	IdleMS                int    `env:"IDLE_MS" envDefault:"300000"`
	SpeedThresholdKMH     int    `env:"SPEED_THRESHOLD_KMH" envDefault:"3"`
	StoreURI              string `env:"STORE_URI,notEmpty"`
	ClickHouseDB          string `env:"CLICKHOUSE_DATABASE_URL"`
	ClickHouseDialMS      int    `env:"CLICKHOUSE_DIAL_TIMEOUT_MS" envDefault:"30000"`
	ClickHouseMaxConns    int    `env:"CLICKHOUSE_MAX_CONNS" envDefault:"5"`
	NatsConn              string `env:"NATS"`
	StrictCRC             bool   `env:"STRICT_CRC" envDefault:"false"`
	DebugLog              bool   `env:"DEBUG_LOG" envDefault:"false"`
}

func ReadGatewayEnv() (*GatewayEnvConfig, error) {
	cfg := &GatewayEnvConfig{}
	err := env.Parse(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
