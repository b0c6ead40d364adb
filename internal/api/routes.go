package api

import (
	"example.com/backstage/services/sensor/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, services *core.ServiceRegistry, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	v1 := router.Group("/api/v1")

	// Device-side ingestion, authorized by the attachment access token
	ingest := v1.Group("/measurements")
	ingest.Use(CapabilityAuthentication(services.Ownership))
	{
		ingest.POST("", handlers.SubmitMeasurement)
	}

	// Management endpoints; callers are authenticated by the upstream
	// gateway before they reach this service.
	devices := v1.Group("/devices")
	{
		devices.POST("", handlers.RegisterDevice)
		devices.GET("", handlers.ListDevices)
		devices.GET("/:id", handlers.GetDevice)
		devices.PATCH("/:id", handlers.UpdateDevice)
		devices.DELETE("/:id", handlers.RemoveDevice)
		devices.DELETE("/:id/purge", handlers.PurgeDevice)

		devices.GET("/:id/measurements", handlers.GetDeviceMeasurements)
		devices.POST("/:id/measurements", handlers.SubmitDeviceMeasurement)

		devices.GET("/:id/attachments", handlers.GetDeviceAttachments)
		devices.POST("/:id/attachments", handlers.AttachDevice)
	}

	attachments := v1.Group("/attachments")
	{
		attachments.POST("/:id/detach", handlers.DetachDevice)
	}

	users := v1.Group("/users")
	{
		users.GET("/:id/alerts", handlers.GetUserAlerts)
		users.DELETE("/:id/attachments", handlers.DetachAllForUser)
	}

	alerts := v1.Group("/alerts")
	{
		alerts.POST("/:id/read", handlers.MarkAlertRead)
	}
}
