package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/gatekeeper/service"
	log "github.com/sirupsen/logrus"
)

// SetupRouter sets up the Gin router of the development identity and
// resource server
func SetupRouter(authService *service.AuthService, ledger *Ledger, logger *log.Entry) *gin.Engine {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("component", "http")

	router := gin.New()
	router.Use(RequestLogger(logger), gin.Recovery())

	// Create handlers
	handlers := NewAuthHandlers(authService)
	resources := NewResourceHandlers(ledger)

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/login", handlers.Login)
		auth.POST("/refresh", handlers.Refresh)
		auth.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService))
	{
		api.GET("/me", handlers.Me)
		api.GET("/credits", resources.Balance)
		api.POST("/credits/spend", resources.Spend)
		api.POST("/echo", resources.Echo)
		api.PUT("/echo", resources.Echo)
	}

	return router
}
