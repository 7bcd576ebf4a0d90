package router

import (
	"net/http"
	"os"
	"strings"

	"toll-backend/internal/config"
	"toll-backend/internal/handlers"
	"toll-backend/internal/middleware"
	"toll-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware CORS middleware.
// Priority: Environment Variable > Default (*)
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigins := []string{"*"}
		if envOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); envOrigins != "" {
			allowedOrigins = allowedOrigins[:0]
			for _, o := range strings.Split(envOrigins, ",") {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		}

		if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range allowedOrigins {
				if allowed == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SetupRouter wires all HTTP routes
func SetupRouter(
	authH *handlers.AuthHandler,
	wallet *handlers.WalletHandler,
	toll *handlers.TollHandler,
	proof *handlers.ProofHandler,
	push *services.PushService,
	logger *logrus.Logger,
) *gin.Engine {
	r := gin.Default()

	r.Use(corsMiddleware())

	var allowedIPs []string
	if config.AppConfig != nil {
		allowedIPs = config.AppConfig.Admin.AllowedIPs
	}
	localhostOnly := middleware.NewLocalhostOnly(logger, allowedIPs)
	auth := middleware.NewAuthMiddleware(logger)

	// ============ Check ============
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// ============ Health Check ============
	r.GET("/health", handlers.HealthCheck)

	// ============ Prometheus Metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ WebSocket Push ============
	if push != nil {
		r.GET("/ws", func(c *gin.Context) {
			push.HandleConnection(c.Writer, c.Request)
		})
	}

	// ============ API Routes ============
	api := r.Group("/api")
	{
		api.GET("/auth/nonce", authH.Nonce)
		api.POST("/auth/login", authH.Login)

		api.GET("/toll/quote", toll.Quote)
		api.POST("/toll/pay", toll.Pay)

		api.POST("/proof/verify", proof.Verify)

		api.GET("/vehicle/:id", toll.GetVehicle)
		api.GET("/vehicle/:id/transactions", toll.VehicleTransactions)
		api.GET("/owner/:address/vehicles", toll.OwnerVehicles)

		// plaza scanner units post every read here
		api.POST("/hardware/scan", toll.HardwareScan)

		api.POST("/wallet/ensure", wallet.EnsureWallet)
		api.GET("/wallet/:address/stats", wallet.Stats)

		// mutations require a signed JWT session on top of the per-operation
		// wallet signature
		protected := api.Group("")
		protected.Use(auth.RequireAuth())
		{
			protected.POST("/wallet/topup", wallet.TopUp)
			protected.POST("/wallet/withdraw", wallet.Withdraw)
		}

		// admin surface is network-restricted
		admin := api.Group("/admin")
		admin.Use(localhostOnly.Restrict())
		{
			admin.POST("/vehicle/register", toll.RegisterVehicle)
			admin.POST("/vehicle/:id/deactivate", toll.DeactivateVehicle)
			admin.POST("/plaza", toll.SavePlaza)
			admin.GET("/plaza/:id/discount/:code", toll.GetDiscount)
		}
	}

	// ============ NoRoute handler for 404 ============
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message":    "Endpoint not found",
			"path":       c.Request.URL.Path,
			"suggestion": "Check /api endpoints for available APIs",
		})
	})

	return r
}
