package admin

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/internal/session"
	"github.com/tdworkflow/fixsession/internal/store"
)

// NewRouter builds the operator API router. Extra middleware, such as
// authentication, applies to every route except the health check.
func NewRouter(registry *session.Registry, stores store.Factory, log *zap.Logger, middlewares ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.Use(middlewares...)
	NewSessionHandler(r, registry, stores, log)
	return r
}
