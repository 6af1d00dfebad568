package api

import (
    "vid2gif/config"
    "vid2gif/task"

    "github.com/gin-gonic/gin"
)

func SetupRouter(m *task.Manager, cfg *config.Config) *gin.Engine {
    r := gin.New()
    r.Use(RequestLogger(), gin.Recovery(), CORSMiddleware(cfg.AllowedOrigin))
    h := NewHandler(m, cfg)

    r.GET("/health", h.handleHealth)

    authed := r.Group("/")
    authed.Use(AuthMiddleware(cfg))
    {
        authed.POST("/convert", h.handleConvert)
        authed.GET("/jobs", h.handleListJobs)
    }
    return r
}
