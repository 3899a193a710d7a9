package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"floe/chunkupload"
	"floe/finalize"
	"floe/kv"
	"floe/readproxy"
	"floe/session"
)

// Deps bundles every collaborator the router needs to bind handlers,
// generalizing the teacher's SetupIndexerRouter(storage, indexerService)
// signature onto floe's larger service set.
type Deps struct {
	Store         kv.Store
	Sessions      *session.Service
	Chunks        *chunkupload.Service
	Engine        *finalize.Engine
	Proxy         *readproxy.Proxy
	EnableMetrics bool
}

// NewRouter builds the Gin engine implementing every endpoint of
// spec.md §6 plus the supplemented /metrics endpoint. It generalizes the
// teacher's controller/indexer_router.go SetupIndexerRouter structure:
// gin.New() with the recovery middleware, CORS, a timing middleware, a
// request-log middleware, grouped routes, and a plain health check.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(timingMiddleware())
	r.Use(requestLogMiddleware())

	uploads := NewUploadHandlers(d.Sessions, d.Chunks, d.Engine)
	files := NewFileHandlers(d.Proxy)

	v1 := r.Group("/v1")
	{
		v1.POST("/uploads/create", uploads.Create)
		v1.PUT("/uploads/:uploadId/chunk/:index", uploads.Chunk)
		v1.GET("/uploads/:uploadId/status", uploads.Status)
		v1.POST("/uploads/:uploadId/complete", uploads.Complete)
		v1.DELETE("/uploads/:uploadId", uploads.Cancel)

		v1.GET("/files/:fileId/metadata", files.Metadata)
		v1.GET("/files/:fileId/manifest", files.Manifest)
		v1.GET("/files/:fileId/stream", files.Stream)
		v1.HEAD("/files/:fileId/stream", files.Stream)
	}

	r.GET("/health", healthHandler(d.Store))

	if d.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})))
	}

	return r
}

func healthHandler(store kv.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(503, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(200, gin.H{"status": "ok", "service": "floe"})
	}
}
