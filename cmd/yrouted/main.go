package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eventtel/yrouted/internal/cache"
	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/internal/health"
	"github.com/eventtel/yrouted/internal/metrics"
	"github.com/eventtel/yrouted/internal/routing"
	"github.com/eventtel/yrouted/internal/stage2"
	"github.com/eventtel/yrouted/internal/store"
	"github.com/eventtel/yrouted/internal/web"
	"github.com/eventtel/yrouted/internal/yate"
	"github.com/eventtel/yrouted/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"

	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "yrouted",
		Short: "PBX stage-1 routing daemon",
		Long:  "Routing backend for event telephone installations: stage-1 tree routing, stage-2 device resolution and the engine control channel",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	rootCmd.AddCommand(
		createServeCommand(),
		createRouteCommand(),
		createDBCommands(),
		createCacheCommands(),
		createCallsCommands(),
		createVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging for every command.
func setup() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logConfig := logger.Config{
		Level:  cfg.Monitoring.Logging.Level,
		Format: cfg.Monitoring.Logging.Format,
		File: logger.FileConfig{
			Enabled:    cfg.Monitoring.Logging.File.Enabled,
			Path:       cfg.Monitoring.Logging.File.Path,
			MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
			MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
			MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
			Compress:   cfg.Monitoring.Logging.File.Compress,
		},
	}
	if verbose {
		logConfig.Level = "debug"
	}
	if err := logger.Init(logConfig); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func buildCache(cfg config.CacheConfig) (cache.Gateway, *cache.Redis, error) {
	if cfg.Backend == "redis" {
		redisCache, err := cache.NewRedis(cfg)
		if err != nil {
			return nil, nil, err
		}
		return redisCache, redisCache, nil
	}
	return cache.NewMemory(cfg.TTL), nil, nil
}

func buildBusyCache(redisCache *cache.Redis) stage2.BusyCache {
	if redisCache != nil {
		return stage2.NewRedisBusyCache(redisCache.Client())
	}
	return stage2.NewMemoryBusyCache()
}

func createServeCommand() *cobra.Command {
	var webOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runServer(cfg, webOnly)
		},
	}
	cmd.Flags().BoolVar(&webOnly, "web-only", false, "Serve only the HTTP routing API, without the engine channel")
	return cmd
}

func runServer(cfg *config.Config, webOnly bool) error {
	ctx := context.Background()

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	routeCache, redisCache, err := buildCache(cfg.Cache)
	if err != nil {
		return err
	}
	defer routeCache.Close()

	var metricsSvc *metrics.PrometheusMetrics
	var dispatcherMetrics routing.Metrics
	if cfg.Monitoring.Metrics.Enabled {
		metricsSvc = metrics.NewPrometheusMetrics()
		dispatcherMetrics = metricsSvc
	}

	dispatcher := routing.NewDispatcher(st, routeCache, cfg.Routing, cfg.Cache.TTL, dispatcherMetrics)
	busy := buildBusyCache(redisCache)
	stage2Router := stage2.NewRouter(st, busy)
	handler := yate.NewRouteHandler(dispatcher, stage2Router, busy, cfg.Engine.InternalListener)

	var engine *yate.Engine
	if !webOnly {
		engine = yate.NewEngine(cfg.Engine, handler.HandleCallRoute)
		engine.Watch("call.cdr", handler.HandleCDR)
		if err := engine.Connect(ctx); err != nil {
			return err
		}
		defer engine.Close()
	}

	var webSrv *web.Server
	if cfg.Web.Enabled || webOnly {
		webSrv = web.NewServer(cfg.Web, dispatcher)
		webSrv.Start()
	}

	var healthSvc *health.HealthService
	if cfg.Monitoring.Health.Enabled {
		healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)
		healthSvc.RegisterLivenessCheck("store", health.CheckFunc(func(ctx context.Context) error {
			if !st.IsHealthy() {
				return fmt.Errorf("store not healthy")
			}
			return st.Ping(ctx)
		}))
		healthSvc.RegisterReadinessCheck("store", health.CheckFunc(st.Ping))
		healthSvc.RegisterReadinessCheck("cache", health.CheckFunc(routeCache.Ping))
		if engine != nil {
			healthSvc.RegisterReadinessCheck("engine", health.CheckFunc(func(ctx context.Context) error {
				if !engine.IsConnected() {
					return fmt.Errorf("engine not connected")
				}
				return nil
			}))
		}
		go healthSvc.Start()
		defer healthSvc.Stop()
	}

	if metricsSvc != nil {
		go metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port)
		if engine != nil {
			go watchEngineGauge(engine, metricsSvc)
		}
	}

	logger.WithField("version", version).Info("yrouted ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	if webSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		webSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return nil
}

func watchEngineGauge(engine *yate.Engine, metricsSvc *metrics.PrometheusMetrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		connected := 0.0
		if engine.IsConnected() {
			connected = 1.0
		}
		metricsSvc.SetGauge("engine_connected", connected, nil)
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("yrouted %s (%s)\n", version, commit)
		},
	}
}
