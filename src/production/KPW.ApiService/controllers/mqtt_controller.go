package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/middleware"
	broker "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Broker"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

// BrokerService stores and applies broker credential sets
type BrokerService interface {
	Connect(ctx context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error)
	Latest(ctx context.Context) (*kpwmodels.StoredConnection, error)
}

// TopicService is the live broker session as seen by the API
type TopicService interface {
	AddTopic(topic string) (string, error)
	Topics() []string
	Status() kpwmodels.ConnectionStatus
}

// MQTTController handles broker connection and subscription requests
type MQTTController struct {
	brokers        BrokerService
	topics         TopicService
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

type subscribeRequest struct {
	Topic string `json:"topic"`
}

type connectRequest struct {
	kpwmodels.BrokerCredentials
	Topic string `json:"topic,omitempty"`
}

// NewMQTTController creates a new MQTT controller
func NewMQTTController(brokers BrokerService, topics TopicService, logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *MQTTController {
	return &MQTTController{
		brokers:        brokers,
		topics:         topics,
		logger:         logger.WithComponent("api"),
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the MQTT routes with Gin
func (c *MQTTController) RegisterRoutes(router *gin.Engine) {
	mqtt := router.Group("/api/mqtt")
	mqtt.Use(c.authMiddleware.Authenticate())
	{
		mqtt.POST("/subscribe", c.Subscribe)
		mqtt.POST("/connect", c.authMiddleware.RequireAdmin(), c.Connect)
		mqtt.GET("/status", c.Status)
	}
}

func (c *MQTTController) Subscribe(ctx *gin.Context) {
	var req subscribeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}

	topic, err := c.topics.AddTopic(req.Topic)
	if errors.Is(err, broker.ErrEmptyTopic) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	if err != nil {
		c.logger.Logger.Warn().Err(err).Str("topic", topic).Msg("Immediate subscribe failed, will retry on reconnect")
		ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "topic": topic})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"message": "Subscribed to topic",
		"topic":   topic,
		"topics":  c.topics.Topics(),
	})
}

func (c *MQTTController) Connect(ctx *gin.Context) {
	var req connectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	stored, err := c.brokers.Connect(ctx.Request.Context(), req.BrokerCredentials)
	if err != nil {
		var connErr *broker.ConnectError
		if errors.As(err, &connErr) {
			c.logger.Logger.Warn().Err(err).Str("broker", req.BrokerURL).Msg("Broker connect request failed")
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": connErr.Reason})
			return
		}
		c.logger.Logger.Error().Err(err).Msg("Failed to store broker connection")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store broker connection"})
		return
	}

	if req.Topic != "" {
		if _, err := c.topics.AddTopic(req.Topic); err != nil {
			c.logger.Logger.Warn().Err(err).Str("topic", req.Topic).Msg("Failed to subscribe requested topic")
		}
	}

	ctx.JSON(http.StatusCreated, gin.H{
		"connection": stored.Redacted(),
		"topics":     c.topics.Topics(),
	})
}

func (c *MQTTController) Status(ctx *gin.Context) {
	response := gin.H{
		"status":     c.topics.Status(),
		"topics":     c.topics.Topics(),
		"connection": nil,
	}

	stored, err := c.brokers.Latest(ctx.Request.Context())
	switch {
	case err == nil:
		response["connection"] = stored.Redacted()
	case !errors.Is(err, interfaces.ErrNotFound):
		c.logger.Logger.Error().Err(err).Msg("Failed to load broker connection")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load broker connection"})
		return
	}

	ctx.JSON(http.StatusOK, response)
}
