package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/middleware"
	live "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Live"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

// viewerFor resolves the caller's visibility, writing the error response
// itself when that fails.
func viewerFor(ctx *gin.Context, resolver *live.AccessResolver) (kpwmodels.Viewer, bool) {
	claims, err := middleware.GetClaimsFromGinContext(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return kpwmodels.Viewer{}, false
	}

	viewer, err := resolver.Resolve(ctx.Request.Context(), claims)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve device access"})
		return kpwmodels.Viewer{}, false
	}
	return viewer, true
}
