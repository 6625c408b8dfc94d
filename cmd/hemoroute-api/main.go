// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hemoroute/internal/clock"
	"hemoroute/internal/config"
	"hemoroute/internal/events"
	httptransport "hemoroute/internal/http"
	"hemoroute/internal/infra"
	"hemoroute/internal/maps"
	"hemoroute/internal/modules/acceptance"
	"hemoroute/internal/modules/delivery"
	"hemoroute/internal/modules/inbox"
	"hemoroute/internal/modules/inventory"
	"hemoroute/internal/modules/location"
	"hemoroute/internal/modules/matching"
	"hemoroute/internal/modules/pricing"
	"hemoroute/internal/modules/request"
	"hemoroute/internal/modules/tracking"
	"hemoroute/internal/service"
	"hemoroute/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level, cfg.Log.Format, "hemoroute-api")
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("hemoroute-api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var (
		fb       *infra.Firebase
		verifier infra.TokenVerifier
		err      error
	)
	switch {
	case cfg.Firebase.ProjectID != "":
		fb, err = infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
		if err != nil {
			return fmt.Errorf("firebase init: %w", err)
		}
		verifier = fb.Verifier()
	case cfg.Firebase.DevTokens:
		logger.Warn("unsigned dev tokens enabled")
		verifier = infra.DevVerifier{}
	default:
		return fmt.Errorf("HEMO_FIREBASE_PROJECT_ID is required")
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	if err := migrations.Apply(ctx, dbPool); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	clk := clock.NewSystem()
	hub := events.NewHub(logger)
	var (
		remote   events.Publisher
		consumer *events.KafkaConsumer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		remote = kp
		consumer = events.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, logger)
		defer consumer.Close()
	}
	bus := events.NewBus(hub, remote, replicaOrigin(), logger)

	provider, err := routeProvider(cfg.Maps, logger)
	if err != nil {
		return err
	}

	locationStore := location.NewStore(dbPool, redisClient)
	var (
		mirror   location.Mirror
		notifier inbox.Notifier
	)
	if fb != nil {
		notifier = location.NewPushNotifier(fb.Messaging, locationStore, logger)
		if fb.Database != nil {
			mirror = location.NewRTDBMirror(fb.Database)
		}
	}
	locationSvc := location.NewService(locationStore, locationStore, mirror, bus, clk, logger, cfg.Dispatch.HighAccuracyMeters)

	requestSvc := request.NewService(request.NewStore(dbPool), bus, clk, logger)
	inboxSvc := inbox.NewService(inbox.NewStore(dbPool), bus, notifier, clk, logger)
	acceptanceSvc := acceptance.NewService(acceptance.NewStore(dbPool), bus, clk, logger)
	inventorySvc := inventory.NewService(inventory.NewStore(dbPool), bus, clk, logger)
	deliverySvc := delivery.NewService(delivery.NewStore(dbPool), requestSvc, locationSvc, bus, clk, logger)
	matchingSvc := matching.NewService(matching.NewStore(redisClient), deliverySvc, locationSvc, logger, cfg.Dispatch.CourierRadiusKm)
	engine := tracking.NewEngine(tracking.NewStore(dbPool), deliverySvc, locationSvc, locationSvc, provider, bus, clk, logger,
		tracking.Options{
			PathCap:      cfg.Tracking.PathCap,
			StaleAfter:   cfg.Tracking.StaleAfter,
			RouteTimeout: cfg.Tracking.RouteTimeout,
			Rate:         pricing.DefaultRate,
		})

	deps := service.Deps{
		Requests:   requestSvc,
		Inbox:      inboxSvc,
		Arbiter:    acceptanceSvc,
		Allocator:  inventorySvc,
		Deliveries: deliverySvc,
		Waypoints:  locationSvc,
		Tracker:    engine,
		Logger:     logger,
	}
	if cfg.Dispatch.AutoAssign {
		deps.Dispatcher = matchingSvc
	}
	fulfillment := service.NewFulfillment(deps)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Fulfillment: fulfillment,
		Requests:    requestSvc,
		Inbox:       inboxSvc,
		Stock:       inventorySvc,
		Couriers:    matchingSvc,
		Hub:         hub,
		Verifier:    verifier,
		Logger:      logger,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		inventorySvc.RunExpirySweep(gctx, cfg.Inventory.SweepInterval)
		return nil
	})
	g.Go(func() error {
		engine.RunStaleMonitor(gctx, cfg.Tracking.StaleCheck)
		return nil
	})
	if consumer != nil {
		g.Go(func() error { return consumer.Start(gctx, fulfillment.RemoteEvents(bus)) })
	}
	if cfg.MQTT.Broker != "" {
		mqttClient, err := infra.NewMQTTClient(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer mqttClient.Close()
		if err := mqttClient.Subscribe(cfg.MQTT.Topic, 1, fulfillment.HandleTelemetry); err != nil {
			return err
		}
	}
	return g.Wait()
}

func routeProvider(cfg config.MapsConfig, logger *zap.Logger) (maps.RouteProvider, error) {
	var next maps.RouteProvider
	switch cfg.Provider {
	case "osrm":
		next = maps.NewOSRMRouteProvider(cfg.OSRMURL, cfg.Timeout)
	case "google":
		if cfg.APIKey == "" {
			logger.Warn("HEMO_MAPS_API_KEY empty; falling back to osrm")
			next = maps.NewOSRMRouteProvider(cfg.OSRMURL, cfg.Timeout)
			break
		}
		g, err := maps.NewGoogleRouteProvider(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("google maps client: %w", err)
		}
		next = g
	default:
		return nil, fmt.Errorf("unknown route provider %q", cfg.Provider)
	}
	return maps.NewResilientProvider(next, cfg.RatePerSecond, cfg.MaxRetries, logger), nil
}

// replicaOrigin tags events this process publishes so it can skip their echo.
func replicaOrigin() string {
	host, _ := os.Hostname()
	return host + "-" + uuid.NewString()[:8]
}
