// Package main provides the entry point for the browser orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on http.DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kestrelsoft/browserplane/internal/actions"
	"github.com/kestrelsoft/browserplane/internal/concurrency"
	"github.com/kestrelsoft/browserplane/internal/config"
	"github.com/kestrelsoft/browserplane/internal/contextpool"
	"github.com/kestrelsoft/browserplane/internal/downloads"
	"github.com/kestrelsoft/browserplane/internal/engine"
	"github.com/kestrelsoft/browserplane/internal/health"
	"github.com/kestrelsoft/browserplane/internal/httpapi"
	"github.com/kestrelsoft/browserplane/internal/metrics"
	"github.com/kestrelsoft/browserplane/internal/middleware"
	"github.com/kestrelsoft/browserplane/internal/ratelimit"
	"github.com/kestrelsoft/browserplane/internal/refs"
	"github.com/kestrelsoft/browserplane/internal/session"
	"github.com/kestrelsoft/browserplane/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("browserplane %s\n", version.Full())
		return
	}

	cfg := config.Load()

	setupLogging(cfg.LogLevel)

	cfg.Validate()

	printBanner()

	if err := refs.Configure(cfg.RefSkipRolesPath, cfg.RefSkipRolesHotReload); err != nil {
		log.Warn().Err(err).Msg("failed to configure ref skip-role overrides, using embedded defaults")
	}

	launcher := &engine.RodLauncher{
		BrowserPath:      cfg.BrowserPath,
		HeadlessMode:     cfg.Headless,
		IgnoreCertErrors: cfg.IgnoreCertErrors,
	}

	pool := contextpool.New(launcher, cfg.ContextProfileDir, cfg.ContextPoolSize, cfg.ContextLaunchTimeout)

	sessions := session.New(cfg.MaxSessionsPerUser, cfg.MaxTabsPerGroup, cfg.SessionTTL, cfg.SessionCleanupInterval)
	pool.OnEvict(sessions.HandlePoolEviction)

	dl, err := downloads.New(downloads.Options{
		DownloadsDir:    cfg.DownloadDir,
		MaxPerUser:      cfg.MaxDownloadsPerUser,
		MaxDownloadSize: int64(cfg.MaxDownloadSizeMB) << 20,
		TTL:             cfg.DownloadTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize download registry")
	}

	healthTracker := health.New(cfg.HealthFailureThreshold, cfg.HealthProbeInterval)
	evalLimiter := ratelimit.New(cfg.EvalExtendedRateLimitMax, cfg.EvalExtendedRateLimitWindow)
	concurrencyLimiter := concurrency.New(cfg.MaxConcurrentPerUser, cfg.ConcurrencyWaitLimit, cfg.ConcurrencyHardTimeout)
	reg := metrics.New()

	acts := actions.New(sessions, cfg.SnapshotMaxChars, cfg.SnapshotTailChars)
	acts.AttachDownloads(dl)
	acts.AttachHealth(healthTracker)

	core := httpapi.New(cfg, pool, sessions, acts, dl, healthTracker, evalLimiter, concurrencyLimiter, reg)

	var finalHandler http.Handler = httpapi.NewRouter(core)

	finalHandler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})(finalHandler)

	finalHandler = middleware.SecurityHeaders(finalHandler)

	// Global API-key gating is deliberately omitted here: httpapi scopes
	// bearer/admin-key checks per route (evaluate, evaluate-extended,
	// cookie import, admin/stop) instead of gating every endpoint.
	if !cfg.APIKeyEnabled {
		log.Warn().Msg("API key not configured: evaluate, evaluate-extended and cookie import are open to any caller")
	}

	var ipLimiter *middleware.RateLimitMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Per-IP rate limiting enabled")
		ipLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = ipLimiter.Handler()(finalHandler)
	}

	finalHandler = middleware.Timeout(cfg.HandlerTimeout)(finalHandler)
	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // prevent slowloris
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	var adminStatsServer *http.Server
	if cfg.AdminStatsAddr != "" {
		adminMux := http.NewServeMux()
		adminMux.Handle("/stats", core.AdminStatsHandler())
		adminStatsServer = &http.Server{
			Addr:         cfg.AdminStatsAddr,
			Handler:      adminMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Str("addr", cfg.AdminStatsAddr).Msg("admin stats endpoint listening (unauthenticated, bind to localhost only)")
			if err := adminStatsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin stats server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("pool_size", cfg.ContextPoolSize).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("browser orchestrator is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-core.StopCh:
	}
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")
	core.SetRecovering(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	if adminStatsServer != nil {
		if err := adminStatsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("admin stats server shutdown error")
		}
	}

	if ipLimiter != nil {
		ipLimiter.Close()
	}

	healthTracker.Close()

	if err := sessions.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Session registry close error")
	}

	if err := pool.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Context pool close error")
	}

	if err := dl.Close(); err != nil {
		log.Error().Err(err).Msg("Download registry close error")
	}

	refs.CloseConfigured()

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _                                   _
| |__  _ __ _____      _____  ___ _ __ _ __ | | __ _ _ __   ___
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ '__| '_ \| |/ _' | '_ \ / _ \
| |_) | | | (_) \ V  V /\__ \  __/ |  | |_) | | (_| | | | |  __/
|_.__/|_|  \___/ \_/\_/ |___/\___|_|  | .__/|_|\__,_|_| |_|\___|
                                      |_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browser orchestrator")
}
