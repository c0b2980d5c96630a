package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/middleware"
	live "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Live"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

// DeviceRegistrar stores operator-provided devices
type DeviceRegistrar interface {
	Register(ctx context.Context, device kpwmodels.Device) (kpwmodels.Device, error)
}

// EventBroadcaster pushes device changes to live dashboards
type EventBroadcaster interface {
	Broadcast(event kpwmodels.LiveEvent)
}

// DeviceController handles device listing and explicit registration
type DeviceController struct {
	snapshots      *live.Snapshotter
	resolver       *live.AccessResolver
	registrar      DeviceRegistrar
	broadcaster    EventBroadcaster
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

type registerDeviceRequest struct {
	DeviceID     string  `json:"deviceId" binding:"required"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	IPAddress    *string `json:"ipAddress"`
	BatteryLevel *int    `json:"batteryLevel"`
}

// NewDeviceController creates a new device controller
func NewDeviceController(snapshots *live.Snapshotter, resolver *live.AccessResolver, registrar DeviceRegistrar, broadcaster EventBroadcaster, logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *DeviceController {
	return &DeviceController{
		snapshots:      snapshots,
		resolver:       resolver,
		registrar:      registrar,
		broadcaster:    broadcaster,
		logger:         logger.WithComponent("api"),
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the device routes with Gin
func (c *DeviceController) RegisterRoutes(router *gin.Engine) {
	devices := router.Group("/api/devices")
	devices.Use(c.authMiddleware.Authenticate())
	{
		// Admin: all devices, owner: collars worn by their pets
		devices.GET("", c.GetDevices)
		devices.GET("/:deviceId", c.GetDevice)
		devices.POST("", c.authMiddleware.RequireAdmin(), c.RegisterDevice)
	}
}

func (c *DeviceController) GetDevices(ctx *gin.Context) {
	viewer, ok := viewerFor(ctx, c.resolver)
	if !ok {
		return
	}

	devices, err := c.snapshots.Devices(ctx.Request.Context(), viewer)
	if err != nil {
		c.logger.Logger.Error().Err(err).Msg("Failed to list devices")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"items": devices})
}

func (c *DeviceController) GetDevice(ctx *gin.Context) {
	viewer, ok := viewerFor(ctx, c.resolver)
	if !ok {
		return
	}

	deviceID := ctx.Param("deviceId")
	if !viewer.CanSee(deviceID) {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "no access to this device"})
		return
	}

	device, err := c.snapshots.Device(ctx.Request.Context(), deviceID)
	if errors.Is(err, interfaces.ErrNotFound) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	if err != nil {
		c.logger.Logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to load device")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device"})
		return
	}

	ctx.JSON(http.StatusOK, device)
}

func (c *DeviceController) RegisterDevice(ctx *gin.Context) {
	var req registerDeviceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DeviceID) == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}

	device, err := c.registrar.Register(ctx.Request.Context(), kpwmodels.Device{
		DeviceID:     req.DeviceID,
		Name:         req.Name,
		Type:         req.Type,
		IPAddress:    req.IPAddress,
		BatteryLevel: req.BatteryLevel,
	})
	if err != nil {
		c.logger.Logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("Failed to register device")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(kpwmodels.NewDeviceEvent(device))
	}
	ctx.JSON(http.StatusCreated, device)
}
