package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/openfms/tracker-gateway/db/clickhouse"
	"github.com/openfms/tracker-gateway/db/postgres"
	"github.com/openfms/tracker-gateway/envconfig"
	"github.com/openfms/tracker-gateway/server"
	"github.com/openfms/tracker-gateway/simulator"
	"github.com/openfms/tracker-gateway/tracker"
)

var (
	SimulatorHostAddr string
	TrackerIMEI       string
	WalkMinutes       uint
	IdleMinutes       uint
	IntervalSeconds   uint
)

func main() {
	randomIMEI := generateRandomIMEI()
	app := &cli.App{
		Name:  "trackergw",
		Usage: "teltonika tracker ingestion gateway",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "starts the gateway",
				Action: runServer,
			},
			{
				Name:  "simulator",
				Usage: "starts a tracker device simulator",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "host",
						Usage:       "gateway address",
						Destination: &SimulatorHostAddr,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "imei",
						Usage:       "device imei",
						Value:       randomIMEI,
						DefaultText: randomIMEI,
						Destination: &TrackerIMEI,
					},
					&cli.UintFlag{
						Name:        "walk",
						Usage:       "minutes of simulated movement",
						Value:       8,
						Destination: &WalkMinutes,
					},
					&cli.UintFlag{
						Name:        "idle",
						Usage:       "minutes of simulated stillness after the walk",
						Value:       7,
						Destination: &IdleMinutes,
					},
					&cli.UintFlag{
						Name:        "interval",
						Usage:       "seconds between records",
						Value:       30,
						Destination: &IntervalSeconds,
					},
				},
				Action: runSimulator,
			},
		},
	}

	if e := app.Run(os.Args); e != nil {
		log.Fatalf("failed to run app:%v\n", e)
	}
}

func runServer(cliCtx *cli.Context) error {
	cfg, err := envconfig.ReadGatewayEnv()
	if err != nil {
		return cli.Exit(fmt.Sprintf("read config failed:%v", err), 1)
	}
	logger, err := newLogger(cfg.DebugLog)
	if err != nil {
		return cli.Exit(fmt.Sprintf("create logger failed:%v", err), 1)
	}
	defer logger.Sync()

	ctx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	repo, err := postgres.Connect(ctx, cfg.StoreURI)
	if err != nil {
		return cli.Exit(fmt.Sprintf("connect store failed:%v", err), 1)
	}
	defer repo.Close()

	var archive clickhouse.Archive
	if cfg.ClickHouseDB != "" {
		avlDB, err := clickhouse.Connect(ctx, cfg.ClickHouseDB, clickhouse.Config{
			DialTimeout: time.Duration(cfg.ClickHouseDialMS) * time.Millisecond,
			MaxConns:    cfg.ClickHouseMaxConns,
		})
		if err != nil {
			return cli.Exit(fmt.Sprintf("connect clickhouse failed:%v", err), 1)
		}
		archive = avlDB
	}

	var natsConn *nats.Conn
	if cfg.NatsConn != "" {
		natsConn, err = nats.Connect(cfg.NatsConn)
		if err != nil {
			return cli.Exit(fmt.Sprintf("connect nats failed:%v", err), 1)
		}
		defer natsConn.Close()
	}

	registry := server.NewRegistry()
	trk := tracker.New(logger, repo, tracker.Config{
		Warmup:            time.Duration(cfg.WarmupMS) * time.Millisecond,
		Idle:              time.Duration(cfg.IdleMS) * time.Millisecond,
		SpeedThresholdKMH: uint16(cfg.SpeedThresholdKMH),
	})

	srv := server.NewServer(server.Config{
		ListenAddr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.DevicePort)),
		IdleTimeout:     time.Duration(cfg.SocketTimeoutMS) * time.Millisecond,
		MaxSessions:     cfg.MaxConcurrentSessions,
		RateLimitPerMin: cfg.RateLimitFramesPerMin,
		StrictCRC:       cfg.StrictCRC,
	}, logger, repo, trk, registry, natsConn, archive)
	if err := srv.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("start server failed:%v", err), 1)
	}

	monitor := server.NewMonitor(logger, registry,
		net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MonitorPort)),
		cfg.DevicePort, cfg.MonitorPort)
	monitor.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	monitor.Stop(shutdownCtx)
	srv.Stop()
	return nil
}

func runSimulator(cliCtx *cli.Context) error {
	device := simulator.NewTrackerDevice(SimulatorHostAddr, TrackerIMEI, log.Default())
	if e := device.Connect(); e != nil {
		return e
	}
	go device.SimulateWalk(
		time.Duration(WalkMinutes)*time.Minute,
		time.Duration(IdleMinutes)*time.Minute,
		time.Duration(IntervalSeconds)*time.Second,
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	device.Stop()
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func generateRandomIMEI() string {
	randomizer := rand.New(rand.NewSource(time.Now().UnixNano()))
	imei := "35"
	for i := 0; i < 13; i++ {
		digit := randomizer.Intn(10)
		imei += strconv.Itoa(digit)
	}
	return imei
}
