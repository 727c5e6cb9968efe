package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/google/wire"

	"jan-server/services/chat-sync/internal/interfaces/httpserver/handlers"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/middlewares"
	v1 "jan-server/services/chat-sync/internal/interfaces/httpserver/routes/v1"
)

// Provider holds all route providers.
type Provider struct {
	V1 *v1.Routes
}

// NewProvider creates a new route provider.
func NewProvider(handlerProvider *handlers.Provider) *Provider {
	return &Provider{
		V1: v1.NewRoutes(handlerProvider, v1.DefaultKeepAlive),
	}
}

// Register registers all API routes on the engine.
func (p *Provider) Register(engine *gin.Engine) {
	p.V1.Register(engine, middlewares.Subject())
}

// RouteProvider provides the routes for wire.
var RouteProvider = wire.NewSet(
	NewProvider,
)
