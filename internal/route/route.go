// Package route registers the orchestrator's HTTP routes.
package route

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/controller"
	"github.com/scroll-tech/aa-orchestrator/internal/middleware"
	"github.com/scroll-tech/aa-orchestrator/internal/utils/observability"
)

// Route register route for the orchestrator API
func Route(router *gin.Engine, conf *config.Config, api *controller.API, reg prometheus.Registerer) {
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	observability.Use(router, "aa_orchestrator", reg)

	rootGroup := router.Group("")

	registerRootRoutes(rootGroup, conf, api)
}

func registerRootRoutes(rootGroup *gin.RouterGroup, conf *config.Config, api *controller.API) {
	rootGroup.POST("/", middleware.AuthMiddleware(conf), middleware.RateLimiter(conf), api.Handle)
}
