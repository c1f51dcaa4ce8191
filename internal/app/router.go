package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"ridecore/internal/handler"
	"ridecore/internal/middleware"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	IntakeHandler  *handler.IntakeHandler
	TripHandler    *handler.TripHandler
	DriverHandler  *handler.DriverHandler
	RedisClient    *redis.Client
	NewRelicApp    *newrelic.Application
	Logger         *slog.Logger
	MetricsHandler http.Handler
	HealthChecks   map[string]HealthCheck
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware.
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(deps.Logger))

	// Add New Relic middleware if enabled.
	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	router.GET("/health", health(deps.HealthChecks))
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	// API v1 routes.
	v1 := router.Group("/v1")
	if deps.RedisClient != nil {
		v1.Use(middleware.IdempotencyMiddleware(deps.RedisClient))
	}
	{
		// Rider intake conversations.
		intake := v1.Group("/intake/:rider_id/:conversation_id")
		{
			intake.GET("", deps.IntakeHandler.Get)
			intake.POST("/start", deps.IntakeHandler.Start)
			intake.POST("/input", deps.IntakeHandler.Input)
			intake.POST("/confirm", deps.IntakeHandler.Confirm)
			intake.POST("/cancel", deps.IntakeHandler.Cancel)
		}

		// Trip routes.
		trips := v1.Group("/trips")
		{
			trips.POST("", deps.TripHandler.Create)
			trips.GET("/:id", deps.TripHandler.GetTrip)
			trips.POST("/:id/search", deps.TripHandler.StartSearch)
			trips.POST("/:id/cancel", deps.TripHandler.Cancel)
		}

		// Driver routes.
		drivers := v1.Group("/drivers")
		{
			drivers.GET("/nearby", deps.DriverHandler.Nearby)
			drivers.GET("/:id/session", deps.DriverHandler.Session)
			drivers.POST("/:id/online", deps.DriverHandler.GoOnline)
			drivers.POST("/:id/offline", deps.DriverHandler.GoOffline)
			drivers.POST("/:id/location", deps.DriverHandler.UpdateLocation)
			drivers.POST("/:id/assignments", deps.DriverHandler.Assign)
			drivers.POST("/:id/accept", deps.DriverHandler.Accept)
			drivers.POST("/:id/decline", deps.DriverHandler.Decline)
			drivers.POST("/:id/arrived", deps.DriverHandler.Arrived)
			drivers.POST("/:id/start", deps.DriverHandler.Start)
			drivers.POST("/:id/complete", deps.DriverHandler.Complete)
			drivers.POST("/:id/cancel", deps.DriverHandler.Cancel)
		}
	}

	return router
}

func health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}
