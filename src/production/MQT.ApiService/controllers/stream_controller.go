package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
	stream "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Stream"
)

// StreamController upgrades observer and device stream connections.
type StreamController struct {
	devices  interfaces.DeviceLookup
	registry stream.Subscriptions
	gateway  stream.Ingester
	settings stream.Settings
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewStreamController creates a new stream controller
func NewStreamController(devices interfaces.DeviceLookup, registry stream.Subscriptions, gateway stream.Ingester, cfg config.StreamConfig, logger *logger.Logger) *StreamController {
	return &StreamController{
		devices:  devices,
		registry: registry,
		gateway:  gateway,
		settings: stream.SettingsFrom(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger: logger,
	}
}

// RegisterRoutes registers the WebSocket routes with Gin
func (c *StreamController) RegisterRoutes(router *gin.Engine) {
	ws := router.Group("/ws")
	{
		ws.GET("/device/:device_id", c.WatchDevice)
		ws.GET("/ingest/:device_id", c.StreamReadings)
	}
}

// WatchDevice subscribes the connection to one device's live readings.
func (c *StreamController) WatchDevice(ctx *gin.Context) {
	deviceID := ctx.Param("device_id")
	if !requireDevice(ctx, c.devices, deviceID) {
		return
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		c.logger.Logger.Debug().Err(err).Str("device_id", deviceID).Msg("observer upgrade failed")
		return
	}

	observer := stream.NewObserver(conn, deviceID, c.registry, c.settings, c.logger)
	if err := observer.Serve(ctx.Request.Context()); err != nil {
		c.logger.WithDevice(deviceID).WarnWithError(err, "observer ended with error")
	}
}

// StreamReadings lets a device push readings over one long-lived connection.
func (c *StreamController) StreamReadings(ctx *gin.Context) {
	deviceID := ctx.Param("device_id")
	if !requireDevice(ctx, c.devices, deviceID) {
		return
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.logger.Logger.Debug().Err(err).Str("device_id", deviceID).Msg("device stream upgrade failed")
		return
	}

	session := stream.NewDeviceStream(conn, deviceID, c.gateway, c.settings, c.logger)
	if err := session.Serve(ctx.Request.Context()); err != nil {
		c.logger.WithDevice(deviceID).WarnWithError(err, "device stream ended with error")
	}
}

// originChecker allows every origin when the list is empty or holds "*",
// and requests without an Origin header, which browsers always send.
func originChecker(allowed []string) func(*http.Request) bool {
	permitted := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		permitted[origin] = struct{}{}
	}
	if len(permitted) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := permitted[origin]
		return ok
	}
}
