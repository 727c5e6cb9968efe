package v1

import (
	"time"

	"github.com/gin-gonic/gin"

	"jan-server/services/chat-sync/internal/interfaces/httpserver/handlers"
)

// DefaultKeepAlive is the comment interval of idle event streams.
const DefaultKeepAlive = 15 * time.Second

// Routes holds the v1 route configuration.
type Routes struct {
	handlers  *handlers.Provider
	keepAlive time.Duration
}

// NewRoutes creates a new v1 routes instance.
func NewRoutes(handlerProvider *handlers.Provider, keepAlive time.Duration) *Routes {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Routes{handlers: handlerProvider, keepAlive: keepAlive}
}

// Register registers all v1 routes on the engine.
func (r *Routes) Register(engine *gin.Engine, middleware ...gin.HandlerFunc) {
	v1 := engine.Group("/v1")
	v1.Use(middleware...)
	RegisterChatRoutes(v1, r.handlers.Chat, r.keepAlive)
}
