package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kyreport/kyreport/internal/api/handler"
	"github.com/kyreport/kyreport/internal/api/identity"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "degraded",
					"service": "ky-report-api",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ky-report-api",
		})
	})

	reportHandler := handler.NewReportHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// The generation API authenticates with a signature, not with the
		// identity headers, so the webhook sits outside the identity group.
		v1.POST("/webhooks/vq", reportHandler.HandleWebhook)

		reports := v1.Group("/reports")
		reports.Use(identity.Middleware())
		{
			// POST /api/v1/reports - Accept a generation request
			reports.POST("", reportHandler.CreateReport)

			// GET /api/v1/reports - List the tenant's jobs
			reports.GET("", reportHandler.ListReports)

			// GET /api/v1/reports/:job_id - Get job status and result
			reports.GET("/:job_id", reportHandler.GetReport)
		}
	}

	return r
}
