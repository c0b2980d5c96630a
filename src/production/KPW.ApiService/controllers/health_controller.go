package controllers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/health"
	ingestor "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Ingestor"
)

// StatsSource exposes the ingestion counters
type StatsSource interface {
	Stats() ingestor.Stats
}

// ChannelCounter exposes the number of live dashboard channels
type ChannelCounter interface {
	Count() int
}

// HealthController handles health and metrics requests
type HealthController struct {
	checker  *health.HealthChecker
	stats    StatsSource
	channels ChannelCounter
	broker   health.BrokerState
}

// NewHealthController creates a new health controller
func NewHealthController(checker *health.HealthChecker, stats StatsSource, channels ChannelCounter, broker health.BrokerState) *HealthController {
	return &HealthController{
		checker:  checker,
		stats:    stats,
		channels: channels,
		broker:   broker,
	}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router *gin.Engine) {
	router.GET("/health/live", c.HealthLive)
	router.GET("/health/ready", c.HealthReady)
	router.GET("/metrics", c.Metrics)
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (c *HealthController) HealthReady(ctx *gin.Context) {
	status := c.checker.GetHealthStatus(ctx.Request.Context())
	code := http.StatusOK
	if status["status"] == health.StatusError {
		code = http.StatusServiceUnavailable
	}
	ctx.JSON(code, status)
}

// Metrics renders the counters in the Prometheus text format
func (c *HealthController) Metrics(ctx *gin.Context) {
	s := c.stats.Stats()

	var b strings.Builder
	metric := func(name, kind, help string, value interface{}) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %v\n", name, help, name, kind, name, value)
	}

	metric("kpw_messages_received_total", "counter", "Broker messages received", s.Received)
	metric("kpw_messages_dropped_total", "counter", "Broker messages dropped before persistence", s.Dropped)
	metric("kpw_readings_persisted_total", "counter", "Sensor readings stored", s.Persisted)
	metric("kpw_readings_persist_failures_total", "counter", "Sensor readings that could not be stored", s.PersistFailures)
	metric("kpw_live_broadcasts_total", "counter", "Events broadcast to live channels", s.Broadcasts)
	metric("kpw_ingest_pending", "gauge", "Messages queued for processing", s.Pending)
	metric("kpw_storage_breaker_open", "gauge", "Whether the storage circuit breaker is open", boolGauge(s.BreakerState == "open"))
	metric("kpw_live_channels", "gauge", "Connected dashboard channels", c.channels.Count())
	metric("kpw_mqtt_connected", "gauge", "Whether the broker session is up", boolGauge(c.broker.IsConnected()))

	ctx.String(http.StatusOK, b.String())
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}
