package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Handler exposes reader's current snapshot as JSON. OTel's own wire
// format is protobuf/OTLP, but a plain metrics endpoint a dashboard or
// curl can read is more useful here, so the collected ResourceMetrics
// are marshaled directly rather than standing up a push exporter.
func Handler(reader *sdkmetric.ManualReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(c.Request.Context(), &rm); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rm)
	}
}

// HealthHandler is the liveness endpoint: a non-empty status payload,
// cheap enough to poll frequently.
func HealthHandler() gin.HandlerFunc {
	started := time.Now().UTC()
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).String(),
		})
	}
}

// SetupRoutes mounts the metrics and health endpoints.
func SetupRoutes(router *gin.Engine, reader *sdkmetric.ManualReader) {
	router.GET("/metrics", Handler(reader))
	router.GET("/healthz", HealthHandler())
}
