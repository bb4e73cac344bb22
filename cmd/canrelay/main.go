// Command canrelay runs the Gray Logic CAN relay bridge.
//
// It drives a two-floor network of CAN relay nodes through an SLCAN
// adapter, a SocketCAN interface or an in-memory simulator, and exposes
// relay state over MQTT, a REST/WebSocket API, SQLite history and InfluxDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-canrelay/migrations"

	"github.com/nerrad567/gray-logic-canrelay/internal/api"
	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay/simulator"
	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay/slcan"
	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay/socketcan"
	"github.com/nerrad567/gray-logic-canrelay/internal/history"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/mqtt"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	issueToken := flag.String("issue-token", "", "print an API token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	if *issueToken != "" {
		if err := printToken(os.Stdout, getConfigPath(), *issueToken, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the service together and blocks until ctx is cancelled.
// Deferred closes run in reverse order of startup.
func run(ctx context.Context) error { //nolint:gocognit // linear startup sequence
	log := logging.Default()
	log.Info("starting CAN relay service",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	log.Info("database ready", "path", cfg.Database.Path, "schema", schema)

	var historyRepo *history.Repository
	if cfg.History.Enabled {
		historyRepo = history.NewRepository(db.DB)
		pruner := history.NewPruner(historyRepo, cfg.GetHistoryRetention(), history.DefaultPruneInterval, log)
		go pruner.Run(ctx)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		go hub.Run(ctx)
	}

	var bridge *canrelay.Bridge
	if cfg.Protocols.CANRelay.Enabled {
		bridge, err = startBridge(ctx, cfg, mqttClient, historyRepo, influxClient, hub, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping CAN relay bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("CAN relay bridge disabled")
	}

	// The API has nothing to serve without the bridge.
	var server *api.Server
	if hub != nil && bridge != nil {
		server, err = startAPI(ctx, cfg, bridge, historyRepo, db, mqttClient, hub, log)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// startBridge loads the bridge configuration, opens the configured CAN
// transport and starts the bridge. Optional sinks may be nil.
func startBridge(
	ctx context.Context,
	cfg *config.Config,
	mqttClient *mqtt.Client,
	historyRepo *history.Repository,
	influxClient *influxdb.Client,
	hub *api.Hub,
	log *logging.Logger,
) (*canrelay.Bridge, error) {
	bridgeCfg, err := canrelay.LoadConfig(cfg.Protocols.CANRelay.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading CAN relay config: %w", err)
	}
	log.Info("CAN relay config loaded",
		"path", cfg.Protocols.CANRelay.ConfigFile,
		"transport", bridgeCfg.CAN.Transport,
		"devices", len(bridgeCfg.Devices),
	)

	device, err := newDevice(bridgeCfg, log.Component(bridgeCfg.CAN.Transport))
	if err != nil {
		return nil, err
	}

	accessOpts := bridgeCfg.ToAccessOptions()
	accessOpts.Logger = log.Component("access")
	access := canrelay.NewAccess(device, accessOpts)

	opts := canrelay.BridgeOptions{
		Config:     bridgeCfg,
		MQTTClient: mqtt.NewBridgeAdapter(mqttClient),
		Access:     access,
		Version:    version,
		Logger:     log.Component("bridge"),
	}
	// Typed nils must not reach the interface fields.
	if historyRepo != nil {
		opts.History = historyRepo
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}
	if hub != nil {
		opts.Broadcaster = hub
	}

	bridge, err := canrelay.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating CAN relay bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		access.Disconnect()
		return nil, fmt.Errorf("starting CAN relay bridge: %w", err)
	}
	log.Info("CAN relay bridge started", "nodes", len(bridge.States()))
	return bridge, nil
}

// newDevice builds the CAN device for the configured transport.
func newDevice(cfg *canrelay.Config, log *logging.Logger) (canrelay.Device, error) {
	switch cfg.CAN.Transport {
	case canrelay.TransportSLCAN:
		return slcan.New(slcan.Options{Logger: log}), nil
	case canrelay.TransportSocketCAN:
		return socketcan.New(socketcan.Options{Logger: log}), nil
	case canrelay.TransportSimulator:
		network := simulator.New(simulator.Options{Logger: log})
		for _, dev := range cfg.Devices {
			nodeID, err := canrelay.ParseNodeID(dev.Node)
			if err != nil {
				return nil, fmt.Errorf("simulated device %q: %w", dev.DeviceID, err)
			}
			if err := network.AddRelay(nodeID, false); err != nil {
				return nil, fmt.Errorf("simulated device %q: %w", dev.DeviceID, err)
			}
		}
		log.Warn("using simulated relay network", "relays", len(cfg.Devices))
		return network, nil
	default:
		return nil, fmt.Errorf("unknown CAN transport %q", cfg.CAN.Transport)
	}
}

// startAPI creates and starts the HTTP API server.
func startAPI(
	ctx context.Context,
	cfg *config.Config,
	bridge *canrelay.Bridge,
	historyRepo *history.Repository,
	db *database.DB,
	mqttClient *mqtt.Client,
	hub *api.Hub,
	log *logging.Logger,
) (*api.Server, error) {
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Relays:   bridge,
		DB:       db,
		MQTT:     mqttClient,
		Hub:      hub,
		Version:  version,
	}
	if historyRepo != nil {
		deps.History = historyRepo
	}

	server, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	return server, nil
}

// getConfigPath returns GRAYLOGIC_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// printToken signs an API token with the configured JWT secret.
func printToken(w io.Writer, configPath, subject string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// healthCheck verifies every started component. influxClient and server
// may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if server != nil {
		if err := server.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}
	return nil
}
