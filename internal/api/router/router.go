package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leaflab/leaflab/internal/api/handler"
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
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "leaflab-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	dlqHandler := handler.NewDLQHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/start - Publish the job to its queue
			jobs.POST("/:job_id/start", jobHandler.StartJob)

			// DELETE /api/v1/jobs/:job_id - Delete a job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)

			// GET /api/v1/jobs/:job_id/result - Result metadata
			jobs.GET("/:job_id/result", jobHandler.GetResult)

			// GET /api/v1/jobs/:job_id/preview - Result preview image
			jobs.GET("/:job_id/preview", jobHandler.GetPreview)
		}

		files := v1.Group("/files")
		{
			// PUT /api/v1/files/*file_key - Upload a source image
			files.PUT("/*file_key", jobHandler.UploadFile)

			// GET /api/v1/files/*file_key - Download a stored file
			files.GET("/*file_key", jobHandler.DownloadFile)
		}

		dlq := v1.Group("/dlq")
		{
			// GET /api/v1/dlq/:queue - List dead-lettered messages
			dlq.GET("/:queue", dlqHandler.ListDLQ)

			// POST /api/v1/dlq/:queue/requeue - Return a message to its queue
			dlq.POST("/:queue/requeue", dlqHandler.RequeueDLQ)

			// POST /api/v1/dlq/:queue/discard - Drop a message for good
			dlq.POST("/:queue/discard", dlqHandler.DiscardDLQ)
		}

		// GET /api/v1/stats - Approximate per-queue depth
		v1.GET("/stats", dlqHandler.QueueStats)
	}

	return r
}
