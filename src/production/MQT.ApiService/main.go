package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.ApiService/controllers"
	container "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Container"
	mqtingestor "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestor"
)

func main() {
	// Initialize dependency injection container
	ctr, err := container.NewContainer()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize container: %v", err))
	}

	logger := ctr.GetLogger()
	logger.Info("Starting live telemetry service")

	config := ctr.GetConfig()

	// Initialize storage backends
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	if err := ctr.InitializeDatabase(initCtx); err != nil {
		logger.FatalWithError(err, "Failed to initialize database")
	}
	if err := ctr.Build(); err != nil {
		logger.FatalWithError(err, "Failed to wire services")
	}

	// rootCtx outlives requests; cancelling it closes every open WebSocket stream
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if ingestor := ctr.Ingestor(); ingestor != nil {
		// Connect blocks until the broker answers, retrying in the background
		go func() {
			if err := ingestor.Start(rootCtx); err != nil {
				if errors.Is(err, mqtingestor.ErrStopped) {
					return
				}
				logger.ErrorWithError(err, "Failed to start MQTT ingestor")
				return
			}
			logger.Info("MQTT ingestor started")
		}()
	}

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

	devices := ctr.DeviceRepository()
	readings := ctr.ReadingRepository()
	gateway := ctr.Gateway()
	registry := ctr.Registry()

	var mqttStats controllers.MQTTStats
	if ingestor := ctr.Ingestor(); ingestor != nil {
		mqttStats = ingestor
	}

	// Create controllers and register routes
	readingController := controllers.NewReadingController(gateway, readings, devices, config.Ingest.MaxPayloadBytes, logger)
	deviceController := controllers.NewDeviceController(devices, readings, logger)
	streamController := controllers.NewStreamController(devices, registry, gateway, config.Stream, logger)
	healthController := controllers.NewHealthController(ctr, gateway, registry, mqttStats, logger)

	readingController.RegisterRoutes(router)
	deviceController.RegisterRoutes(router)
	streamController.RegisterRoutes(router)
	healthController.RegisterRoutes(router)

	port := config.Server.Port

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return rootCtx },
	}

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("HTTP server starting on port " + port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalWithError(err, "Failed to start HTTP server")
		}
	}()

	logger.Info("Live telemetry service running... press Ctrl+C to stop")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "Server forced to shutdown")
	}
	// Shutdown does not track hijacked connections; this closes the WebSocket streams
	rootCancel()

	if err := ctr.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "Container shutdown failed")
	}
}
