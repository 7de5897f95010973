package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

// DeviceController handles device registry requests
type DeviceController struct {
	deviceRepo  interfaces.DeviceRepository
	readingRepo interfaces.ReadingRepository
	logger      *logger.Logger
}

// NewDeviceController creates a new device controller
func NewDeviceController(deviceRepo interfaces.DeviceRepository, readingRepo interfaces.ReadingRepository, logger *logger.Logger) *DeviceController {
	return &DeviceController{
		deviceRepo:  deviceRepo,
		readingRepo: readingRepo,
		logger:      logger.WithComponent("device_controller"),
	}
}

// RegisterRoutes registers the device routes with Gin
func (c *DeviceController) RegisterRoutes(router *gin.Engine) {
	devices := router.Group("/devices")
	{
		devices.POST("", c.CreateDevice)
		devices.GET("/:device_id", c.GetDevice)
		devices.DELETE("/:device_id", c.DeleteDevice)
	}
}

type CreateDeviceRequest struct {
	DeviceName string  `json:"device_name" binding:"required"`
	IPAddress  string  `json:"ip_address" binding:"required"`
	Type       *string `json:"type,omitempty"`
}

func (c *DeviceController) CreateDevice(ctx *gin.Context) {
	var req CreateDeviceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	device := mqtmodels.Device{
		DeviceName: strings.TrimSpace(req.DeviceName),
		IPAddress:  strings.TrimSpace(req.IPAddress),
		Type:       req.Type,
	}

	created, err := c.deviceRepo.CreateDevice(ctx.Request.Context(), device)
	if err != nil {
		if errors.Is(err, interfaces.ErrDeviceConflict) {
			ctx.JSON(http.StatusConflict, gin.H{"error": "device with this ip_address already exists"})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.logger.Logger.Info().Str("device_id", created.ID).Str("device_name", created.DeviceName).Msg("device registered")
	ctx.JSON(http.StatusCreated, created)
}

func (c *DeviceController) GetDevice(ctx *gin.Context) {
	device, err := c.deviceRepo.GetDevice(ctx.Request.Context(), ctx.Param("device_id"))
	if err != nil {
		if errors.Is(err, interfaces.ErrDeviceNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, device)
}

// DeleteDevice removes the device and its reading history. Observers still
// watching it stay connected; they simply receive nothing further.
func (c *DeviceController) DeleteDevice(ctx *gin.Context) {
	deviceID := ctx.Param("device_id")

	if err := c.deviceRepo.DeleteDevice(ctx.Request.Context(), deviceID); err != nil {
		if errors.Is(err, interfaces.ErrDeviceNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Relational stores cascade; the others need an explicit purge.
	if err := c.readingRepo.DeleteReadingsByDevice(ctx.Request.Context(), deviceID); err != nil {
		c.logger.WarnWithError(err, "device deleted but its readings were not purged")
	}

	ctx.JSON(http.StatusOK, gin.H{"deleted": true})
}
