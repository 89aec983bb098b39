package api

import (
	"github.com/meepleai/meeple-backend/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the gin engine. The limiter is
// optional; when nil no throttling is applied.
func SetupRouter(h *Handler, jwtSecret string, limiter ratelimiter.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Health)

	authMiddleware := AuthMiddleware(jwtSecret)

	apiV1 := r.Group("/api/v1")
	{
		authGroup := apiV1.Group("/auth")
		{
			authGroup.POST("/register", h.Register)
			authGroup.POST("/login", h.Login)
		}

		protected := apiV1.Group("")
		protected.Use(authMiddleware)
		if limiter != nil {
			protected.Use(RateLimit(limiter))
		}
		{
			protected.POST("/games", h.CreateGame)
			protected.GET("/games", h.ListGames)

			games := protected.Group("/games/:gameId")
			{
				games.POST("/documents", h.UploadDocument)
				games.GET("/documents", h.ListDocuments)
				games.POST("/qa", h.AskQuestion)
			}

			documents := protected.Group("/documents/:id")
			{
				documents.GET("", h.GetDocument)
				documents.GET("/tasks", h.ListDocumentTasks)
				documents.POST("/reindex", h.ReindexDocument)
			}

			admin := protected.Group("/admin")
			admin.Use(RequireRole("admin"))
			{
				admin.GET("/stats", h.AdminStats)
			}
		}
	}

	return r
}
