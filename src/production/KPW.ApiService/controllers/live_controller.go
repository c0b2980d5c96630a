package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/middleware"
	live "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Live"
)

// LiveController upgrades authenticated dashboards to a live channel
type LiveController struct {
	handler        *live.Handler
	authMiddleware *middleware.AuthMiddleware
}

func NewLiveController(handler *live.Handler, authMiddleware *middleware.AuthMiddleware) *LiveController {
	return &LiveController{handler: handler, authMiddleware: authMiddleware}
}

func (c *LiveController) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", c.authMiddleware.Authenticate(), c.Upgrade)
}

func (c *LiveController) Upgrade(ctx *gin.Context) {
	claims, err := middleware.GetClaimsFromGinContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	c.handler.Serve(ctx.Writer, ctx.Request, claims)
}
