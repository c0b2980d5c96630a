package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/controllers"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/health"
	jwt "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/implementation/jwt"
	authMiddleware "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/middleware"
	broker "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Broker"
	container "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Container"
	ingestor "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Ingestor"
	live "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Live"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	api_models "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models/api"
	implementation "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

type repositories struct {
	devices     interfaces.DeviceRepository
	readings    interfaces.ReadingRepository
	pets        interfaces.PetRepository
	connections interfaces.ConnectionRepository
}

func buildRepositories(ctr *container.Container) (repositories, error) {
	if !ctr.UsesPostgres() {
		store := implementation.NewMemoryStore()
		return repositories{devices: store, readings: store, pets: store, connections: store}, nil
	}

	db, err := ctr.GetDatabase()
	if err != nil {
		return repositories{}, err
	}
	return repositories{
		devices:     implementation.NewPostgresDeviceRepository(db),
		readings:    implementation.NewPostgresReadingRepository(db),
		pets:        implementation.NewPostgresPetRepository(db),
		connections: implementation.NewPostgresConnectionRepository(db),
	}, nil
}

func main() {
	// Initialize dependency injection container
	ctr, err := container.NewContainer()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize container: %v", err))
	}

	logger := ctr.GetLogger()
	config := ctr.GetConfig()
	logger.Info("Starting KittyPaw collar server")

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	if err := ctr.InitializeDatabase(initCtx); err != nil {
		logger.FatalWithError(err, "Failed to initialize database")
	}

	repos, err := buildRepositories(ctr)
	if err != nil {
		logger.FatalWithError(err, "Failed to get database connection")
	}

	// Optional raw message archive
	mongoClient, err := ctr.GetMongoClient()
	if err != nil {
		logger.FatalWithError(err, "Failed to connect to raw message archive")
	}
	var archive interfaces.RawMessageArchive
	if mongoClient != nil {
		coll := mongoClient.Database(config.Archive.Database).Collection(config.Archive.Collection)
		archive = implementation.NewMongoRawArchive(coll, config.Archive.Timeout)
		logger.Info("Raw message archive enabled")
	}

	// The connection hands messages to the pipeline, which broadcasts
	// through the registry, whose snapshots read the connection status.
	var pipeline *ingestor.Pipeline
	topics := broker.NewTopicRegistry(config.MQTT.Topics...)
	conn := broker.NewConnection(broker.Options{
		QoS:               byte(config.MQTT.QoS),
		KeepAlive:         config.MQTT.KeepAlive,
		ConnectTimeout:    config.MQTT.ConnectTimeout,
		ReconnectInterval: config.MQTT.ReconnectInterval,
	}, topics, broker.PahoClientFactory, func(topic string, payload []byte) {
		pipeline.HandleMessage(topic, payload)
	}, logger)

	snapshots := live.NewSnapshotter(repos.devices, repos.readings, conn, kpwmodels.CurrentSystemInfo)
	registry := live.NewRegistry(snapshots, logger)
	conn.OnStatus(registry.BroadcastStatus)

	directory := ingestor.NewDirectory(repos.devices, logger)
	pipeline = ingestor.NewPipeline(config.Ingest, config.MQTT.ErrorTopicPrefix, ingestor.Deps{
		Directory:   directory,
		Readings:    repos.readings,
		Archive:     archive,
		Broadcaster: registry,
	}, logger)
	pipeline.SetPublisher(conn)

	brokerController := broker.NewController(conn, repos.connections, logger)
	resolver := live.NewAccessResolver(repos.pets)

	// Background loops stop when ctx is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fallback, err := broker.DefaultCredentials(config.MQTT)
	if err != nil {
		logger.FatalWithError(err, "Invalid default MQTT configuration")
	}
	if err := brokerController.Start(initCtx, fallback); err != nil {
		logger.FatalWithError(err, "Failed to start broker connection")
	}

	go conn.RunWatchdog(ctx, config.MQTT.WatchdogInterval)
	go pipeline.RunOfflineSweep(ctx)
	go pipeline.RunMetricsLoop(ctx)

	// Initialize JWT service for token validation
	jwtService := jwt.NewService(api_models.Config{
		SecretKey:           config.Auth.JWTSecretKey,
		AccessTokenDuration: config.Auth.AccessTokenDuration,
		Issuer:              config.Auth.JWTIssuer,
	})
	authMiddlewareInstance := authMiddleware.NewAuthMiddleware(jwtService, authMiddleware.DefaultConfig())

	db := healthDatabase(ctr)
	healthChecker := health.NewHealthChecker(db, mongoClient, conn, kpwmodels.CurrentSystemInfo.Version)

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Configure CORS from config
	corsConfig := cors.Config{
		AllowOrigins:     config.CORS.AllowedOrigins,
		AllowMethods:     config.CORS.AllowedMethods,
		AllowHeaders:     config.CORS.AllowedHeaders,
		ExposeHeaders:    config.CORS.ExposedHeaders,
		AllowCredentials: config.CORS.AllowCredentials,
		MaxAge:           time.Duration(config.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	// Create controllers and register routes
	liveHandler := live.NewHandler(registry, resolver, brokerController, config.Live, logger)

	mqttController := controllers.NewMQTTController(brokerController, conn, logger, authMiddlewareInstance)
	readingController := controllers.NewReadingController(snapshots, resolver, logger, authMiddlewareInstance)
	deviceController := controllers.NewDeviceController(snapshots, resolver, directory, registry, logger, authMiddlewareInstance)
	liveController := controllers.NewLiveController(liveHandler, authMiddlewareInstance)
	healthController := controllers.NewHealthController(healthChecker, pipeline, registry, conn)

	mqttController.RegisterRoutes(router)
	readingController.RegisterRoutes(router)
	deviceController.RegisterRoutes(router)
	liveController.RegisterRoutes(router)
	healthController.RegisterRoutes(router)

	port := config.Server.Port

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server starting on port " + port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalWithError(err, "Failed to start HTTP server")
		}
	}()

	logger.Info("Collar server running... press Ctrl+C to stop")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "Server forced to shutdown")
	}
	cancel()
	conn.Close()
	pipeline.Close()
	registry.Close()

	if err := ctr.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "Container shutdown incomplete")
	}
}

// healthDatabase returns nil for the in-memory store so readiness reports
// the memory driver instead of a ping failure.
func healthDatabase(ctr *container.Container) *sql.DB {
	if !ctr.UsesPostgres() {
		return nil
	}
	db, err := ctr.GetDatabase()
	if err != nil {
		return nil
	}
	return db
}
