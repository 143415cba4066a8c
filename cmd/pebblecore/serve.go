package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/pebble-core/internal/api"
	"github.com/nerrad567/pebble-core/internal/audit"
	"github.com/nerrad567/pebble-core/internal/infrastructure/config"
	"github.com/nerrad567/pebble-core/internal/infrastructure/database"
	"github.com/nerrad567/pebble-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/pebble-core/internal/infrastructure/logging"
	"github.com/nerrad567/pebble-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pebble-core/internal/infrastructure/nats"
	"github.com/nerrad567/pebble-core/internal/ingest"
	"github.com/nerrad567/pebble-core/internal/metrics"
	"github.com/nerrad567/pebble-core/internal/pebble"
	"github.com/nerrad567/pebble-core/internal/resource"
)

// startupHealthTimeout bounds the health checks run before serving.
const startupHealthTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var ephemeral bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event handlers, transports and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.load()
			if err != nil {
				return err
			}
			if ephemeral {
				cfg.Database.Path = database.MemoryPath
			}
			return serve(cmd.Context(), cfg, path)
		},
	}

	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep all relations in memory (nothing survives a restart)")

	return cmd
}

// serve wires the service together and blocks until ctx is cancelled.
//
// Startup order:
//  1. Database, migrations and custom relations
//  2. Event handler and its observers (metrics, audit)
//  3. Broker clients and the outcome publisher
//  4. API server and its WebSocket hub
//  5. Health checks, then transport bindings so no event arrives before
//     every observer is attached
//
// Deferred Close() calls run in reverse order on shutdown.
func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting Pebble Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	if configPath == "" {
		log.Info("no config file found, using built-in defaults")
	} else {
		log.Info("configuration loaded", "path", configPath)
	}

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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store, err := pebble.NewSQLiteStore(db.Sqlx(), pebble.Relations{
		Registry: cfg.Relations.Registry,
		Binding:  cfg.Relations.Binding,
		Data:     cfg.Relations.Data,
	})
	if err != nil {
		return fmt.Errorf("creating pebble store: %w", err)
	}
	if schemaErr := store.EnsureSchema(ctx); schemaErr != nil {
		return fmt.Errorf("preparing relations: %w", schemaErr)
	}
	rel := store.Relations()
	log.Info("relations ready",
		"registry", rel.Registry,
		"binding", rel.Binding,
		"data", rel.Data,
	)

	// Event handler
	codec, err := pebble.CodecByName(cfg.Ingest.Encoding)
	if err != nil {
		return fmt.Errorf("selecting payload codec: %w", err)
	}
	payloads := resource.NewTable(cfg.Ingest.MaxPending)
	machine := pebble.NewMachine(store)
	handler := pebble.NewHandler(payloads, pebble.NewDecoder(codec), machine)
	handler.SetLogger(log.Component("pebble"))

	m := metrics.New()
	handler.AddObserver(m)

	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo)
	recorder.SetLogger(log.Component("audit"))
	recorder.OnError(func() { m.SinkFailed("audit") })
	handler.AddObserver(recorder)

	dispatcher := ingest.NewDispatcher(handler, payloads, cfg.Ingest.Timeout())
	dispatcher.SetLogger(log.Component("ingest"))
	if gaugeErr := m.RegisterGaugeFunc("ingest", "pending_payloads",
		"Event payloads currently held for a running handler.",
		func() float64 { return float64(dispatcher.Pending()) },
	); gaugeErr != nil {
		return fmt.Errorf("registering metrics: %w", gaugeErr)
	}
	log.Info("event handler ready",
		"encoding", codec.Name(),
		"max_pending", payloads.Cap(),
		"handler_timeout", cfg.Ingest.Timeout(),
	)

	health := map[string]api.HealthChecker{"database": db}
	transports := map[string]api.ConnectionReporter{}
	publisher := ingest.NewOutcomePublisher()
	publisher.SetLogger(log.Component("outcomes"))
	publisher.OnFailure(m.SinkFailed)
	publishing := false

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			stats := mqttClient.Stats()
			log.Info("disconnecting from MQTT",
				"received", stats.Received,
				"oversized", stats.Oversized,
				"handler_errors", stats.HandlerErrors,
				"handler_panics", stats.HandlerPanics,
				"published", stats.Published,
				"publish_failures", stats.PublishFailure,
			)
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		health["mqtt"] = mqttClient
		transports["mqtt"] = mqttClient
		if cfg.Ingest.PublishOutcomes {
			publisher.WithMQTT(mqttClient)
			publishing = true
		}
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to NATS (optional)
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		natsClient, err = nats.Connect(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			log.Info("draining NATS connection")
			if closeErr := natsClient.Close(); closeErr != nil {
				log.Error("error closing NATS", "error", closeErr)
			}
		}()
		natsClient.SetLogger(log.Component("nats"))
		log.Info("NATS connected", "url", cfg.NATS.URL, "queue_group", cfg.NATS.QueueGroup)

		health["nats"] = natsClient
		transports["nats"] = natsClient
		if cfg.Ingest.PublishOutcomes {
			publisher.WithNATS(natsClient)
			publishing = true
		}
	} else {
		log.Info("NATS disabled")
	}

	if publishing {
		handler.AddObserver(publisher)
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
			stats := influxClient.Stats()
			log.Info("InfluxDB connection closed",
				"points_queued", stats.Queued,
				"points_dropped", stats.Dropped,
				"batches_failed", stats.Failed,
			)
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
			m.SinkFailed("influxdb")
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		health["influxdb"] = influxClient
		handler.AddObserver(ingest.NewTelemetryMirror(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	// API server (optional)
	var server *api.Server
	if cfg.API.Enabled {
		server, err = api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Security:   cfg.Security,
			Logger:     log.Component("api"),
			Dispatcher: dispatcher,
			Store:      store,
			States:     machine,
			AuditRepo:  auditRepo,
			Metrics:    m.Handler(),
			Health:     health,
			Transports: transports,
			DB:         db,
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		hub := server.Hub()
		handler.AddObserver(hub)
		if err := registerHubGauges(m, hub); err != nil {
			return err
		}
	} else {
		log.Info("API disabled")
	}

	if err := checkHealth(ctx, health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Bind transports last: events may arrive as soon as a subscription exists.
	if mqttClient != nil {
		if err := ingest.BindMQTT(ctx, dispatcher, mqttClient); err != nil {
			return err
		}
		log.Info("MQTT event ingress bound", "topics", mqttClient.Topics().AllEvents())
	}
	if natsClient != nil {
		if err := ingest.BindNATS(ctx, dispatcher, natsClient); err != nil {
			return err
		}
		log.Info("NATS event ingress bound", "subjects", natsClient.Subjects().AllEvents())
	}

	if server != nil {
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up",
		"pending_payloads", dispatcher.Pending(),
	)

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. NATS (if enabled)
	// 4. MQTT (if enabled)
	// 5. Database

	log.Info("Pebble Core stopped")
	return nil
}

// checkHealth runs every component health check concurrently and returns
// the first failure, prefixed with the component name.
func checkHealth(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupHealthTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, hc := range checks {
		g.Go(func() error {
			if err := hc.HealthCheck(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// registerHubGauges exposes WebSocket client and drop counts.
func registerHubGauges(m *metrics.Metrics, hub *api.Hub) error {
	if err := m.RegisterGaugeFunc("websocket", "clients",
		"Connected WebSocket clients.",
		func() float64 { return float64(hub.ClientCount()) },
	); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if err := m.RegisterGaugeFunc("websocket", "dropped_frames",
		"Outcome frames discarded because a client's send buffer was full.",
		func() float64 { return float64(hub.Dropped()) },
	); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	return nil
}
