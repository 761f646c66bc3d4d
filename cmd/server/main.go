package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gigamap/internal/config"
	httphandlers "gigamap/internal/http"
	"gigamap/internal/imagesource"
	"gigamap/internal/logger"
	"gigamap/internal/maintenance"
	"gigamap/internal/pipeline"
	"gigamap/internal/runtime"
	"gigamap/internal/source"
	"gigamap/internal/store"
	"gigamap/internal/tile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting Gigamap server",
		zap.Int("port", cfg.Port),
		zap.String("runtime", cfg.Runtime),
		zap.String("store", cfg.StoreType),
		zap.Int("sources", len(cfg.Sources)),
	)

	rt := newRuntime(cfg, log)
	defer rt.Close()
	runtime.SetDefault(rt)

	tileStore, err := store.New(cfg.Store(), log)
	if err != nil {
		log.Fatal("Failed to initialize tile store", zap.Error(err))
	}
	defer tileStore.Close()
	if rs, ok := tileStore.(*store.RedisStore); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rs.Ping(ctx); err != nil {
			log.Warn("Redis tile store unreachable, tiles will be fetched upstream", zap.Error(err))
		}
		cancel()
	}

	p, err := pipeline.New(rt, cfg.Pipeline(), pipeline.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to initialize pipeline", zap.Error(err))
	}
	defer p.Close()

	for _, sc := range cfg.Sources {
		f, err := newSource(sc, log)
		if err != nil {
			log.Fatal("Failed to configure tile source", zap.String("source", sc.ID), zap.Error(err))
		}
		if sc.Store {
			f = source.NewReadThrough(f, tileStore, log)
		}
		if err := p.SetSource(sc.ID, f); err != nil {
			log.Fatal("Failed to register tile source", zap.String("source", sc.ID), zap.Error(err))
		}
	}

	var catalog *imagesource.Catalog
	if cfg.ImageDir != "" {
		startVips(cfg, log)
		defer vips.Shutdown()

		catalog = imagesource.NewCatalog(cfg.ImageDir, nil, log)
		if err := catalog.Scan(); err != nil {
			log.Warn("Initial scan failed", zap.Error(err))
		}
		for _, img := range catalog.Images() {
			src, err := imagesource.NewSource(catalog, img.ID)
			if err != nil {
				log.Warn("Skipping image", zap.String("id", img.ID), zap.Error(err))
				continue
			}
			if err := p.SetSource(img.SourceID(), source.NewReadThrough(src, tileStore, log)); err != nil {
				log.Warn("Failed to register image source", zap.String("id", img.ID), zap.Error(err))
			}
		}
	}

	runner, err := maintenance.New(cfg.MaintenanceSchedule, p, log)
	if err != nil {
		log.Fatal("Failed to schedule maintenance", zap.Error(err))
	}
	runner.Start()
	defer runner.Stop()

	handlers := httphandlers.New(cfg, log, p, catalog)

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	warmupCtx, stopWarmup := context.WithCancel(context.Background())
	defer stopWarmup()
	if cfg.WarmupLevels > 0 && catalog != nil {
		go warmupTiles(warmupCtx, cfg.WarmupLevels, cfg.WarmupWorkers, catalog, p, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopWarmup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

func newRuntime(cfg *config.Config, log *zap.Logger) runtime.Runtime {
	switch cfg.Runtime {
	case "cooperative":
		return runtime.NewCooperative(cfg.BlockingWorkers, runtime.WithLogger(log))
	case "inline":
		return runtime.NewInline(runtime.WithLogger(log))
	default:
		return runtime.NewPool(cfg.Workers, cfg.BlockingWorkers, runtime.WithLogger(log))
	}
}

func newSource(sc config.SourceConfig, log *zap.Logger) (source.Fetcher, error) {
	switch sc.Type {
	case "http":
		var opts []source.HTTPOption
		if len(sc.Subdomains) > 0 {
			opts = append(opts, source.WithSubdomains(sc.Subdomains...))
		}
		if sc.UserAgent != "" {
			opts = append(opts, source.WithUserAgent(sc.UserAgent))
		}
		return source.NewHTTPSource(sc.URL, log, opts...)
	case "file":
		return source.NewFileSource(sc.Path)
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0, // Disable disk cache
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}

// warmupTiles loads the top levels of every catalogued image through the
// pipeline so the tile store is populated before the first viewer arrives.
func warmupTiles(ctx context.Context, levels int, workerLimit int, catalog *imagesource.Catalog, p *pipeline.Pipeline, log *zap.Logger) {
	images := catalog.Images()
	if len(images) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(images)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, img := range images {
		maxZoom := imagesource.MaxZoom(img.Width, img.Height)
		warmupZoom := min(levels, maxZoom)

		for z := 0; z <= warmupZoom; z++ {
			cols, rows := imagesource.GridSize(img.Width, img.Height, z, maxZoom)
			for x := 0; x < cols; x++ {
				for y := 0; y < rows; y++ {
					select {
					case workerChan <- struct{}{}:
					case <-ctx.Done():
						wg.Wait()
						return
					}
					wg.Add(1)

					go func(key tile.Key) {
						defer wg.Done()
						defer func() { <-workerChan }()

						if _, err := p.Tile(ctx, key); err != nil {
							log.Debug("Warmup tile failed", zap.Stringer("key", key), zap.Error(err))
						}
					}(tile.Key{Zoom: z, X: x, Y: y, SourceID: img.SourceID()})
				}
			}
		}
	}

	wg.Wait()
	log.Info("Tile warmup completed")
}
