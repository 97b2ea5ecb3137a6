package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nmos-tools/queryservice/internal/changewatcher"
	"github.com/nmos-tools/queryservice/internal/config"
	"github.com/nmos-tools/queryservice/internal/fanout"
	"github.com/nmos-tools/queryservice/internal/httpapi"
	"github.com/nmos-tools/queryservice/internal/logger"
	"github.com/nmos-tools/queryservice/internal/mdnsadvert"
	"github.com/nmos-tools/queryservice/internal/metrics"
	"github.com/nmos-tools/queryservice/internal/pathfilter"
	"github.com/nmos-tools/queryservice/internal/queryapi"
	"github.com/nmos-tools/queryservice/internal/registryadapter"
	"github.com/nmos-tools/queryservice/internal/registryadapter/docstore"
	"github.com/nmos-tools/queryservice/internal/registryadapter/watchedkv"
	"github.com/nmos-tools/queryservice/internal/resource"
	"github.com/nmos-tools/queryservice/internal/subscription"
	"github.com/nmos-tools/queryservice/internal/wsapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	logger.Log.Info().Msg("Starting NMOS Query Service...")

	logger.Log.Info().Str("backend", string(cfg.RegistryBackend)).Msg("Connecting to registry...")
	adapter, err := newAdapter(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize registry adapter: %v", err)
	}
	defer adapter.Close()

	versions := supportedVersions(cfg)

	subs := subscription.New(cfg.SubscriptionGrace, func(apiVersion, id string) string {
		scheme := "ws"
		if cfg.HTTPSMode == config.HTTPSEnabled {
			scheme = "wss"
		}
		return fmt.Sprintf("%s://localhost:%s/x-nmos/query/%s/ws/?uid=%s", scheme, cfg.Port, apiVersion, id)
	})

	query := queryapi.New(adapter)

	hub := wsapi.NewHub(subs, func(sub *subscription.Subscription) ([]resource.Doc, resource.Type, error) {
		resType, all, err := snapshotTarget(sub.ResourcePath)
		if err != nil {
			return nil, "", err
		}
		docs, err := adapter.Snapshot(context.Background(), resType, all)
		if err != nil {
			return nil, "", err
		}
		return docs, resType, nil
	})

	engine := fanout.New(subs, hub)

	watcher := changewatcher.New(adapter, engine.HandleEvent, subs.DetachAll)
	watcherCtx, cancelWatcher := context.WithCancel(context.Background())
	go watcher.Run(watcherCtx)

	gin.SetMode(ginMode())
	handler := httpapi.NewHandler(query, subs, hub)
	router := httpapi.NewRouter(handler, versions)
	router.GET("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	var advert *mdnsadvert.Advertiser
	if cfg.EnableMDNS {
		logger.Log.Info().Msg("Registering mDNS advertisement...")
		httpsPort := 443
		advert, err = mdnsadvert.Start(cfg, versions, mustAtoi(cfg.Port), httpsPort)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("mDNS advertisement failed to start, continuing without it")
		}
	}

	go func() {
		logger.Log.Info().Str("port", cfg.Port).Msg("Query Service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Log.Info().Str("signal", sig.String()).Msg("Received shutdown signal, starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	logger.Log.Info().Msg("Shutting down HTTP server...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("HTTP server forced to shutdown")
	} else {
		logger.Log.Info().Msg("HTTP server stopped gracefully")
	}

	if advert != nil {
		logger.Log.Info().Msg("Stopping mDNS advertisement...")
		advert.Close()
	}

	logger.Log.Info().Msg("Stopping change watcher...")
	cancelWatcher()

	logger.Log.Info().Msg("Closing registry adapter...")
	if err := adapter.Close(); err != nil {
		logger.Log.Error().Err(err).Msg("Error closing registry adapter")
	}

	logger.Log.Info().Msg("Shutdown complete")
}

func newAdapter(cfg config.Config) (registryadapter.Adapter, error) {
	switch cfg.RegistryBackend {
	case config.BackendDocstore:
		return docstore.New(docstore.Config{
			PostgresDSN:     cfg.PostgresDSN,
			RedisHost:       cfg.RedisHost,
			RedisPort:       cfg.RedisPort,
			RedisPass:       cfg.RedisPass,
			PollRate:        cfg.PollRate,
			BootstrapWindow: cfg.BootstrapWindow,
		})
	default:
		return watchedkv.New(watchedkv.Config{
			Namespace:  cfg.K8sNamespace,
			Kubeconfig: cfg.K8sKubeconfig,
		})
	}
}

// supportedVersions drops v1.0 when https_mode is "enabled", matching the
// original service's QUERY_APIVERSIONS.remove("v1.0") rule: an
// HTTPS-only deployment never serves the oldest, HTTP-only-era version.
func supportedVersions(cfg config.Config) []string {
	versions := make([]string, 0, len(httpapi.Versions))
	for _, v := range httpapi.Versions {
		if v == "v1.0" && cfg.HTTPSMode == config.HTTPSEnabled {
			continue
		}
		versions = append(versions, v)
	}
	return versions
}

func snapshotTarget(resourcePath string) (resource.Type, bool, error) {
	return pathfilter.Translate(resourcePath)
}

func ginMode() string {
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		return mode
	}
	return gin.ReleaseMode
}

func mustAtoi(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 8870
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
