package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
	mqtingestor "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestor"
	"gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.IngestorService/client"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
)

// The relay subscribes to the broker and forwards every reading to the API,
// publishing the API's verdict back on the ack and error topics.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	log := logger.NewLogger(&cfg.Logging)
	log.Info("Starting MQTT relay")

	apiClient := client.NewAPIClient(cfg.Relay, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing, err := mqtingestor.New(cfg.MQTT, cfg.GetMQTTBrokerURL(), apiClient, log)
	if err != nil {
		log.FatalWithError(err, "Failed to create MQTT ingestor")
	}
	if err := ing.Start(ctx); err != nil {
		log.FatalWithError(err, "Failed to start MQTT ingestor")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: healthRouter(ing, apiClient),
	}
	go func() {
		log.Info("Health server starting on port " + cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.FatalWithError(err, "Failed to start health server")
		}
	}()

	log.Logger.Info().Str("api", cfg.Relay.APIBaseURL).Str("topic", cfg.MQTT.Topic).Msg("MQTT relay running... press Ctrl+C to stop")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down...")

	// drains readings already taken from the broker
	ing.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithError(err, "Health server forced to shutdown")
	}
}

func healthRouter(ing *mqtingestor.Ingestor, apiClient *client.APIClient) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		mqttStatus := "disconnected"
		if ing.IsConnected() {
			mqttStatus = "connected"
		}

		apiStatus := "connected"
		if err := apiClient.Health(ctx); err != nil {
			apiStatus = "disconnected"
		}

		status, code := "healthy", http.StatusOK
		if mqttStatus != "connected" || apiStatus != "connected" {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services": gin.H{
				"mqtt":        mqttStatus,
				"api_service": apiStatus,
			},
			"queue_depth": ing.QueueDepth(),
		})
	})

	return router
}
