package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edirooss/feedmux-server/internal/alert"
	"github.com/edirooss/feedmux-server/internal/catalog"
	"github.com/edirooss/feedmux-server/internal/config"
	"github.com/edirooss/feedmux-server/internal/http/handler"
	mw "github.com/edirooss/feedmux-server/internal/http/middleware"
	"github.com/edirooss/feedmux-server/internal/infrastructure/processmgr"
	"github.com/edirooss/feedmux-server/internal/metrics"
	"github.com/edirooss/feedmux-server/internal/pipeline"
	"github.com/edirooss/feedmux-server/internal/repo"
	"github.com/edirooss/feedmux-server/internal/service"
)

var configPath string

func init() {
	// Handle version display
	handleFlags()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	metrics.AppInfo.WithLabelValues(config.Version, config.GitCommit, config.BuildDate).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	store := repo.NewRepository(log, cfg.RedisAddress, cfg.RedisDB)
	defer store.Close()
	videos, err := catalog.New(ctx, log, store.Client(), "")
	if err != nil {
		log.Fatal("video catalog creation failed", zap.Error(err))
	}

	// Alerts
	var notifiers []alert.Notifier
	if c := cfg.Alerts.SMTP; c.Enabled() {
		notifiers = append(notifiers, alert.NewSMTPNotifier(c))
	}
	if c := cfg.Alerts.SMS; c.Enabled() {
		notifiers = append(notifiers, alert.NewSMSNotifier(c))
	}
	if c := cfg.Alerts.MQTT; c.Enabled() {
		n := alert.NewMQTTNotifier(log, c)
		if err := n.Connect(); err != nil {
			log.Error("mqtt notifier disabled", zap.Error(err))
		} else {
			defer n.Disconnect()
			notifiers = append(notifiers, n)
		}
	}
	dispatcher := alert.NewDispatcher(log, notifiers...)
	log.Info("alert notifiers", zap.Strings("enabled", dispatcher.Notifiers()))

	// Feeds
	registry := pipeline.NewRegistry()
	feedsvc := service.NewFeedService(log, store.Feeds, registry, pipeline.Deps{
		Log:            log,
		FFmpegPath:     cfg.FFmpegPath,
		Logs:           processmgr.NewLogManager(),
		Catalog:        videos,
		Alerts:         dispatcher,
		RotateInterval: cfg.RotateInterval,
		ViewerBuffer:   cfg.ViewerBuffer,
	})
	if err := feedsvc.Reconcile(ctx); err != nil {
		log.Fatal("feed reconcile failed", zap.Error(err))
	}
	if cfg.FeedsFile != "" {
		if _, err := service.StartFeedsSync(ctx, log, feedsvc, cfg.FeedsFile, 0); err != nil {
			log.Fatal("feeds file sync failed", zap.Error(err), zap.String("path", cfg.FeedsFile))
		}
	}
	summary := service.NewSummaryService(log, feedsvc, service.SummaryOptions{AllowStaleOnError: true})

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local Vite dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Summary-Generated-At", "Location"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind Nginx + TLS
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
			}))
		}

		r.Use(mw.AccessLog(log.Named("http")))
		r.Use(mw.Metrics())

		r.Use(func(c *gin.Context) {
			// Enforce a hard 10MB max request body.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20)
			c.Next()
		})
	}

	// Register route handlers
	(&handler.Routes{
		Feeds:      handler.NewFeedsHandler(log, feedsvc, summary),
		Streams:    handler.NewStreamsHandler(log, feedsvc),
		Videos:     handler.NewVideosHandler(log, videos),
		MaxStreams: cfg.MaxStreams,
	}).Register(r)

	httpsrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      0,                // live and playback streams are unbounded
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		// Live viewers hold their connections open until their pipeline
		// stops; stopping also finalizes open recordings.
		if err := registry.StopAll(shutdownCtx); err != nil {
			log.Error("stop pipelines", zap.Error(err))
		}
		if err := httpsrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	log.Info("running HTTP server", zap.String("addr", httpsrv.Addr), zap.String("version", config.Version))
	if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
	<-shutdownDone
	dispatcher.Wait()
	log.Info("server closed")
}

// handleFlags parses -config and prints build metadata and exits when
// -v/--version is provided.
func handleFlags() {
	flag.StringVar(&configPath, "config", config.DefaultPath, "path to the YAML config file")
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("feedmux-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
