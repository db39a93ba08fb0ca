// Fleetcore - Tablet Fleet Coordinator
//
// This is the main entry point for the Fleetcore application. Fleetcore
// tracks a fleet of wall-mounted and hand-held display tablets over
// persistent WebSocket connections, routes one-way commands to them, and
// streams fleet state changes to dashboard observers in real time.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/signalhaus/fleetcore/migrations"

	"github.com/signalhaus/fleetcore/internal/api"
	"github.com/signalhaus/fleetcore/internal/fleet"
	"github.com/signalhaus/fleetcore/internal/infrastructure/config"
	"github.com/signalhaus/fleetcore/internal/infrastructure/database"
	"github.com/signalhaus/fleetcore/internal/infrastructure/influxdb"
	"github.com/signalhaus/fleetcore/internal/infrastructure/logging"
	"github.com/signalhaus/fleetcore/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fleetcore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker (optional event bridge)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT event bridge disabled")
	}

	// Connect to InfluxDB (optional telemetry sink)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB telemetry disabled")
	}

	// Observer hub receives every fleet event for WebSocket fan-out
	hub := api.NewHub(cfg.WebSocket, log)
	notifier := buildNotifier(hub, mqttClient, influxClient, log)

	// Initialise fleet core: registry, command router, staleness reaper
	repo := fleet.NewSQLiteRepository(db)
	registry := fleet.NewRegistry(repo, notifier)
	registry.SetLogger(log)

	router := fleet.NewRouter(registry, repo, notifier)
	router.SetLogger(log)

	reaper := fleet.NewReaper(registry, cfg.SweepInterval(), cfg.StaleThreshold())
	reaper.SetLogger(log)
	reaper.Start(ctx)
	defer func() {
		log.Info("stopping staleness reaper")
		reaper.Close()
	}()

	if influxClient != nil {
		startFleetGauges(ctx, influxClient, registry, hub, fleetGaugeInterval)
	}
	log.Info("fleet core initialised",
		"stale_threshold", cfg.StaleThreshold(),
		"sweep_interval", cfg.SweepInterval(),
	)

	// Start API server (REST + both WebSocket surfaces)
	server, err := api.New(api.Deps{
		Config:      cfg.Server,
		WS:          cfg.WebSocket,
		Logger:      log,
		Registry:    registry,
		Router:      router,
		Repo:        repo,
		DB:          db,
		MQTT:        mqttClient,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, server, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. Staleness reaper
	// 3. InfluxDB (if enabled)
	// 4. MQTT (if enabled)
	// 5. Database

	log.Info("Fleetcore stopped")
	return nil
}

// buildNotifier assembles the fan-out chain for fleet events.
//
// Every event always reaches the observer hub. When the optional bridges
// are configured, events are also mirrored to MQTT and numeric status
// fields are recorded in InfluxDB. Bridge deliveries run on their own
// goroutines so a slow broker cannot stall registry mutations.
func buildNotifier(hub *api.Hub, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) fleet.Notifier {
	notifiers := fleet.MultiNotifier{hub}

	if mqttClient != nil {
		notifiers = append(notifiers, fleet.NotifierFunc(func(event fleet.Event, _ string) {
			go func() {
				if err := mqttClient.PublishFleetEvent(event.Type, eventTabletID(event), event.Payload); err != nil {
					log.Warn("MQTT event publish failed", "event", event.Type, "error", err)
				}
			}()
		}))
	}

	if influxClient != nil {
		notifiers = append(notifiers, fleet.NotifierFunc(func(event fleet.Event, _ string) {
			if event.Type != fleet.EventTabletStatusChanged {
				return
			}
			if t, ok := event.Payload.(*fleet.Tablet); ok {
				influxClient.WriteTabletStats(t.TabletID, t.Stats)
			}
		}))
	}

	return notifiers
}

// fleetGaugeInterval is how often fleet-level gauges are recorded in the
// telemetry sink.
const fleetGaugeInterval = 30 * time.Second

// startFleetGauges periodically records connected-tablet and observer counts
// as fleet gauges for capacity dashboards. The loop stops when ctx is
// cancelled.
func startFleetGauges(ctx context.Context, influxClient *influxdb.Client, registry *fleet.Registry, hub *api.Hub, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				influxClient.WriteFleetGauge("connected", float64(registry.ActiveCount()))
				influxClient.WriteFleetGauge("observers", float64(hub.ClientCount()))
			}
		}
	}()
}

// eventTabletID extracts the subject tablet identity from an event payload.
func eventTabletID(event fleet.Event) string {
	switch p := event.Payload.(type) {
	case *fleet.Tablet:
		return p.TabletID
	case fleet.CommandResult:
		return p.TabletID
	default:
		return ""
	}
}

// getConfigPath returns the configuration file path.
// Uses FLEETCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - server: API server to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, server *api.Server, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
