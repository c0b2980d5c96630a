package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/middleware"
	live "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Live"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// ReadingController serves the dashboard read endpoints. Everything is
// filtered through the caller's device access.
type ReadingController struct {
	snapshots      *live.Snapshotter
	resolver       *live.AccessResolver
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewReadingController creates a new reading controller
func NewReadingController(snapshots *live.Snapshotter, resolver *live.AccessResolver, logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *ReadingController {
	return &ReadingController{
		snapshots:      snapshots,
		resolver:       resolver,
		logger:         logger.WithComponent("api"),
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the reading routes with Gin
func (c *ReadingController) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.Use(c.authMiddleware.Authenticate())
	{
		api.GET("/latest-readings", c.GetLatestReadings)
		api.GET("/sensor-data/:deviceId", c.GetSensorData)
		api.GET("/system/metrics", c.GetSystemMetrics)
		api.GET("/system/info", c.GetSystemInfo)
	}
}

func (c *ReadingController) GetLatestReadings(ctx *gin.Context) {
	viewer, ok := viewerFor(ctx, c.resolver)
	if !ok {
		return
	}

	readings, err := c.snapshots.LatestReadings(ctx.Request.Context(), viewer)
	if err != nil {
		c.logger.Logger.Error().Err(err).Msg("Failed to load latest readings")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load latest readings"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"items": readings})
}

// GetSensorData returns one device's history, newest first, optionally
// narrowed to ?type= and capped by ?limit=.
func (c *ReadingController) GetSensorData(ctx *gin.Context) {
	viewer, ok := viewerFor(ctx, c.resolver)
	if !ok {
		return
	}

	deviceID := ctx.Param("deviceId")
	if !viewer.CanSee(deviceID) {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "no access to this device"})
		return
	}

	limit := defaultHistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}
	kind := kpwmodels.ChannelKind(strings.ToLower(strings.TrimSpace(ctx.Query("type"))))

	readings, err := c.snapshots.History(ctx.Request.Context(), deviceID, kind, limit)
	if err != nil {
		c.logger.Logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to load sensor data")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sensor data"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"items": readings})
}

func (c *ReadingController) GetSystemMetrics(ctx *gin.Context) {
	viewer, ok := viewerFor(ctx, c.resolver)
	if !ok {
		return
	}

	metrics, err := c.snapshots.Metrics(ctx.Request.Context(), viewer)
	if err != nil {
		c.logger.Logger.Error().Err(err).Msg("Failed to compute system metrics")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute system metrics"})
		return
	}

	ctx.JSON(http.StatusOK, metrics)
}

func (c *ReadingController) GetSystemInfo(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.snapshots.Info())
}
