package controllers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ingestion "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestion"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
)

// HealthReporter summarises dependency health.
type HealthReporter interface {
	HealthCheck(ctx context.Context) map[string]interface{}
}

// GatewayStats exposes the ingestion counters.
type GatewayStats interface {
	Stats() ingestion.Stats
}

// SubscriptionStats exposes the live observer gauges.
type SubscriptionStats interface {
	DeviceCount() int
	MemberCount() int
}

// MQTTStats is implemented by the MQTT ingestor when it is enabled.
type MQTTStats interface {
	IsConnected() bool
	QueueDepth() int
}

// HealthController handles health and metrics requests
type HealthController struct {
	health   HealthReporter
	gateway  GatewayStats
	registry SubscriptionStats
	mqtt     MQTTStats
	logger   *logger.Logger
}

// NewHealthController creates a new health controller. mqtt may be nil.
func NewHealthController(health HealthReporter, gateway GatewayStats, registry SubscriptionStats, mqtt MQTTStats, logger *logger.Logger) *HealthController {
	return &HealthController{
		health:   health,
		gateway:  gateway,
		registry: registry,
		mqtt:     mqtt,
		logger:   logger,
	}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", c.Health)
	router.GET("/health/live", c.HealthLive)
	router.GET("/health/ready", c.HealthReady)
	router.GET("/metrics", c.Metrics)
}

func (c *HealthController) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "live telemetry service is running",
	})
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (c *HealthController) HealthReady(ctx *gin.Context) {
	checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), 5*time.Second)
	defer cancel()

	status := c.health.HealthCheck(checkCtx)
	if status["status"] != "ok" {
		ctx.JSON(http.StatusServiceUnavailable, status)
		return
	}
	ctx.JSON(http.StatusOK, status)
}

// Metrics renders the counters in the Prometheus text exposition format.
func (c *HealthController) Metrics(ctx *gin.Context) {
	stats := c.gateway.Stats()
	var b strings.Builder

	writeMetric(&b, "telemetry_readings_received_total", "counter", "Readings submitted by any producer.", stats.Received)
	writeMetric(&b, "telemetry_readings_accepted_total", "counter", "Readings stored and acknowledged.", stats.Accepted)

	b.WriteString("# HELP telemetry_readings_rejected_total Readings rejected, by reason.\n")
	b.WriteString("# TYPE telemetry_readings_rejected_total counter\n")
	fmt.Fprintf(&b, "telemetry_readings_rejected_total{reason=%q} %d\n", ingestion.ReasonDeviceNotFound, stats.RejectedDeviceNotFound)
	fmt.Fprintf(&b, "telemetry_readings_rejected_total{reason=%q} %d\n", ingestion.ReasonMalformedPayload, stats.RejectedMalformed)
	fmt.Fprintf(&b, "telemetry_readings_rejected_total{reason=%q} %d\n", ingestion.ReasonStorageFailure, stats.RejectedStorage)

	writeMetric(&b, "telemetry_broadcast_deliveries_total", "counter", "Observer deliveries attempted.", stats.BroadcastAttempted)
	writeMetric(&b, "telemetry_broadcast_delivery_failures_total", "counter", "Observer deliveries that failed.", stats.BroadcastFailed)
	writeMetric(&b, "telemetry_observers_connected", "gauge", "Observer connections currently subscribed.", c.registry.MemberCount())
	writeMetric(&b, "telemetry_devices_watched", "gauge", "Devices with at least one observer.", c.registry.DeviceCount())

	if c.mqtt != nil {
		connected := 0
		if c.mqtt.IsConnected() {
			connected = 1
		}
		writeMetric(&b, "telemetry_mqtt_connected", "gauge", "Whether the MQTT ingestor is connected to its broker.", connected)
		writeMetric(&b, "telemetry_mqtt_queue_depth", "gauge", "MQTT messages waiting to be ingested.", c.mqtt.QueueDepth())
	}

	ctx.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeMetric[T int | uint64](b *strings.Builder, name, kind, help string, value T) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, value)
}
