package api

import (
    "crypto/subtle"
    "net/http"
    "strings"
    "time"

    "vid2gif/config"

    "github.com/gin-gonic/gin"
    "go.uber.org/zap"
)

// AuthMiddleware requires "Authorization: Bearer <AUTH_KEY>" when AUTH_ENABLE is set.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
    if !cfg.AuthEnable {
        return func(c *gin.Context) { c.Next() }
    }
    key := []byte(cfg.AuthKey)

    return func(c *gin.Context) {
        header := c.GetHeader("Authorization")
        if header == "" {
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
            return
        }

        scheme, token, ok := strings.Cut(header, " ")
        if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
            return
        }

        if subtle.ConstantTimeCompare([]byte(token), key) != 1 {
            zap.L().Warn("rejected request with invalid token", zap.String("path", c.Request.URL.Path))
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
            return
        }

        c.Next()
    }
}

// CORSMiddleware admits browser calls from a single origin with GET and POST.
// "*" admits any origin.
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
    return func(c *gin.Context) {
        origin := c.GetHeader("Origin")
        if origin != "" && (allowedOrigin == "*" || origin == allowedOrigin) {
            c.Header("Access-Control-Allow-Origin", origin)
            c.Header("Access-Control-Allow-Methods", "GET, POST")
            c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
            c.Header("Access-Control-Max-Age", "86400")
            c.Header("Vary", "Origin")
        }

        if c.Request.Method == http.MethodOptions {
            c.AbortWithStatus(http.StatusNoContent)
            return
        }

        c.Next()
    }
}

// RequestLogger logs one line per request through the global zap logger.
func RequestLogger() gin.HandlerFunc {
    return func(c *gin.Context) {
        start := time.Now()
        c.Next()

        zap.L().Info("http request",
            zap.String("method", c.Request.Method),
            zap.String("path", c.Request.URL.Path),
            zap.Int("status", c.Writer.Status()),
            zap.Int("size", c.Writer.Size()),
            zap.Duration("latency", time.Since(start)),
            zap.String("client_ip", c.ClientIP()),
        )
    }
}
