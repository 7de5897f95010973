package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	ingestion "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestion"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

// Ingester accepts one raw reading for a device.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw []byte) (ingestion.Ack, error)
}

// ReadingController handles single-shot submissions and reading history
type ReadingController struct {
	gateway         Ingester
	readingRepo     interfaces.ReadingRepository
	devices         interfaces.DeviceLookup
	maxPayloadBytes int64
	logger          *logger.Logger
}

// NewReadingController creates a new reading controller
func NewReadingController(gateway Ingester, readingRepo interfaces.ReadingRepository, devices interfaces.DeviceLookup, maxPayloadBytes int64, logger *logger.Logger) *ReadingController {
	return &ReadingController{
		gateway:         gateway,
		readingRepo:     readingRepo,
		devices:         devices,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger.WithComponent("reading_controller"),
	}
}

// RegisterRoutes registers the reading routes with Gin
func (c *ReadingController) RegisterRoutes(router *gin.Engine) {
	readings := router.Group("/devices/:device_id/readings")
	{
		readings.POST("", c.SubmitReading)
		readings.GET("", c.ListReadings)
	}
}

// SubmitReading ingests one reading and answers 201 with the ack once it is stored.
func (c *ReadingController) SubmitReading(ctx *gin.Context) {
	deviceID := ctx.Param("device_id")

	body, err := c.readBody(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error":  "failed to read request body",
			"reason": ingestion.ReasonMalformedPayload,
		})
		return
	}

	ack, err := c.gateway.Ingest(ctx.Request.Context(), deviceID, body)
	if err != nil {
		respondRejection(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, ack)
}

// readBody reads at most one byte past the payload limit so the validator
// can tell an oversized body apart from a full one.
func (c *ReadingController) readBody(ctx *gin.Context) ([]byte, error) {
	if c.maxPayloadBytes <= 0 {
		return ctx.GetRawData()
	}
	return io.ReadAll(io.LimitReader(ctx.Request.Body, c.maxPayloadBytes+1))
}

// ListReadings returns the device's newest readings first.
func (c *ReadingController) ListReadings(ctx *gin.Context) {
	deviceID := ctx.Param("device_id")

	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(interfaces.DefaultHistoryLimit)))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	if !requireDevice(ctx, c.devices, deviceID) {
		return
	}

	readings, err := c.readingRepo.ListReadingsByDevice(ctx.Request.Context(), deviceID, limit)
	if err != nil {
		c.logger.Logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to list readings")
		status := http.StatusInternalServerError
		if errors.Is(err, interfaces.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"items": readings, "count": len(readings)})
}

// respondRejection renders a gateway rejection with its reason code.
func respondRejection(ctx *gin.Context, err error) {
	var rejection *ingestion.RejectionError
	if !errors.As(err, &rejection) {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  err.Error(),
			"reason": ingestion.ReasonStorageFailure,
		})
		return
	}

	ctx.JSON(rejection.HTTPStatus(), gin.H{
		"error":     rejection.Message,
		"reason":    rejection.Reason,
		"device_id": rejection.DeviceID,
	})
}

// requireDevice writes 404 or 503 and returns false when deviceID cannot be used.
func requireDevice(ctx *gin.Context, devices interfaces.DeviceLookup, deviceID string) bool {
	exists, err := devices.DeviceExists(ctx.Request.Context(), deviceID)
	if err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "device registry unavailable",
			"reason": ingestion.ReasonStorageFailure,
		})
		return false
	}
	if !exists {
		ctx.JSON(http.StatusNotFound, gin.H{
			"error":  "device not found",
			"reason": ingestion.ReasonDeviceNotFound,
		})
		return false
	}
	return true
}
