package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// corsMiddleware generalizes the teacher's controller/indexer_router.go
// cors.New(cors.Config{...}) block onto floe's JSON+multipart surface.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "x-chunk-sha256", "Range", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Range", "Accept-Ranges", "ETag", "X-Floe-Duration-Ms"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// timingMiddleware generalizes the teacher's respond.TimingMiddleware
// reference into a concrete stopwatch that stamps every response with
// X-Floe-Duration-Ms, the supplemented latency header from spec.md's
// ambient-stack expansion.
func timingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		c.Header("X-Floe-Duration-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	}
}

// requestLogMiddleware assigns a request ID, binds a request-scoped zerolog
// logger into the Gin context, and emits one structured completion line per
// request.
func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-Id", reqID)

		logCtx := log.With().Str("requestId", reqID).Str("path", c.Request.URL.Path).Str("method", c.Request.Method)
		if id := c.Param("uploadId"); id != "" {
			logCtx = logCtx.Str("uploadId", id)
		}
		if id := c.Param("fileId"); id != "" {
			logCtx = logCtx.Str("fileId", id)
		}
		reqLogger := logCtx.Logger()
		c.Set(loggerContextKey, reqLogger)

		start := time.Now()
		c.Next()

		reqLogger.Info().
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request completed")
	}
}

const loggerContextKey = "floe.logger"

// loggerFrom retrieves the request-scoped logger, falling back to the
// global logger if the middleware was somehow skipped.
func loggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerContextKey); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return &l
		}
	}
	return &log.Logger
}
