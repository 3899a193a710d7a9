// Command floe runs the ingestion-and-read gateway: it terminates client
// uploads, drives the assemble/publish/mint finalize protocol, and serves
// range-compliant reads back out of the object store and on-chain registry.
//
// It generalizes the teacher's cmd/indexer/main.go decomposition
// (initAll/startServer/waitForShutdown/shutdownServer) onto floe's service
// graph: KV store, session service, chunk store, chunk upload, publish
// client+coordinator, registry client, finalize engine, read proxy, and the
// startup reconciler plus background reaper.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"floe/chunkstore"
	"floe/chunkupload"
	"floe/conf"
	"floe/finalize"
	"floe/httpapi"
	"floe/kv"
	"floe/publish"
	"floe/reaper"
	"floe/readproxy"
	"floe/registry"
	"floe/session"
)

var logLevel string

func init() {
	flag.StringVar(&logLevel, "log-level", "info", "zerolog level: debug/info/warn/error")
}

func main() {
	flag.Parse()
	initLogging()

	cfg, err := conf.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Info().Str("net", cfg.Net).Str("port", cfg.Network.Port).Msg("configuration loaded")

	srv, reap, cleanup := initAll(cfg)
	defer cleanup()

	reapCtx, cancelReap := context.WithCancel(context.Background())
	go reap.Run(reapCtx)
	log.Info().Msg("reaper started")

	go startServer(srv)
	log.Info().Str("addr", srv.Addr).Msg("floe gateway started")

	waitForShutdown()
	log.Info().Msg("shutting down floe gateway")

	cancelReap()
	shutdownServer(srv)

	log.Info().Msg("server exited")
}

func initLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.NewConsoleWriter())
}

// initAll wires the full service graph and returns the HTTP server plus the
// reaper to run alongside it, mirroring the teacher's initAll return-a-
// server-and-a-cleanup-func shape.
func initAll(cfg *conf.Config) (*http.Server, *reaper.Reaper, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := kv.NewRedisStore(ctx, redisAddr(cfg), cfg.KV.Password, cfg.KV.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to KV store")
	}
	log.Info().Str("host", cfg.KV.Host).Int("port", cfg.KV.Port).Msg("connected to KV store")

	sessions := session.New(store, session.Limits{
		MinChunkBytes:     cfg.Upload.MinChunkBytes,
		MaxChunkBytes:     cfg.Upload.MaxChunkBytes,
		DefaultChunkBytes: cfg.Upload.DefaultChunkBytes,
		MaxFileSizeBytes:  cfg.Upload.MaxFileSizeBytes,
		MaxTotalChunks:    cfg.Upload.MaxTotalChunks,
		MaxActiveUploads:  cfg.Upload.MaxActiveUploads,
		SessionTTL:        cfg.Upload.SessionTTL,
		MetaExtraTTL:      cfg.Upload.MetaExtraTTL,
		MinEpochs:         cfg.Upload.MinEpochs,
		MaxEpochs:         cfg.Upload.MaxEpochs,
		DefaultEpochs:     cfg.Upload.DefaultEpochs,
	})

	chunks := chunkstore.New(cfg.Upload.TmpDir, cfg.Upload.StaleTempThreshold)
	chunkSvc := chunkupload.New(sessions, chunks)

	var signer *publish.Signer
	if cfg.Net == "mainnet" {
		signer, err = publish.LoadSigner(cfg.Signer.KeyMaterial)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load publish signer")
		}
	}
	publishClient := publish.New(publish.Config{
		PublisherURL:         cfg.ObjectStore.PublisherURL,
		Network:              cfg.Net,
		Signer:               signer,
		MinBalance:           cfg.Signer.MinBalance,
		BalanceCheckInterval: cfg.Signer.BalanceCheckInterval,
		Timeout:              cfg.ObjectStore.PublishTimeout,
	})
	coord := publish.NewCoordinator(publishClient, publish.CoordinatorConfig{
		Concurrency: 4,
		IntervalCap: 10,
		Interval:    time.Second,
		MaxRetries:  3,
		BaseDelay:   500 * time.Millisecond,
	})
	prometheus.MustRegister(coord.Collectors()...)

	reg := registry.New(cfg.Registry.RPCURL, 30*time.Second)

	engine := finalize.New(store, sessions, chunks, coord, reg, finalize.Config{
		LockTTL:         cfg.Upload.FinalizeLockTTL,
		RefreshInterval: cfg.Upload.LockRefreshInterval,
		FieldsCacheTTL:  cfg.Registry.FieldsCacheTTL,
	})

	proxy := readproxy.New(store, reg, readproxy.Config{
		AggregatorURLs: cfg.ObjectStore.AggregatorURLs,
		MaxRangeBytes:  cfg.ReadProxy.MaxRangeBytes,
		MinSegmentSize: cfg.ReadProxy.MinSegmentSize,
		ReadTimeout:    cfg.ReadProxy.ReadTimeout,
		FieldsCacheTTL: cfg.Registry.FieldsCacheTTL,
		ExposeBlobID:   cfg.ExposeBlobID,
	})

	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelReconcile()
	if err := reaper.Reconcile(reconcileCtx, store, cfg.Upload.TmpDir); err != nil {
		log.Error().Err(err).Msg("startup orphan reconciliation failed")
	}
	reap := reaper.New(store, sessions, chunks, cfg.Reaper.Interval, cfg.Reaper.GraceTime)

	router := httpapi.NewRouter(httpapi.Deps{
		Store:         store,
		Sessions:      sessions,
		Chunks:        chunkSvc,
		Engine:        engine,
		Proxy:         proxy,
		EnableMetrics: true,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Network.Port,
		Handler: router,
	}

	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close KV store")
		}
	}

	return srv, reap, cleanup
}

func redisAddr(cfg *conf.Config) string {
	return cfg.KV.Host + ":" + strconv.Itoa(cfg.KV.Port)
}

func startServer(srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}

func waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
}
