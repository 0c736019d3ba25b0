package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/trafficwatch/edge-handler/internal/config"
	edgehttp "github.com/trafficwatch/edge-handler/internal/http"
	"github.com/trafficwatch/edge-handler/internal/identity"
	"github.com/trafficwatch/edge-handler/internal/imagex"
	"github.com/trafficwatch/edge-handler/internal/merge"
	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/ocr"
	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/receiver"
	"github.com/trafficwatch/edge-handler/internal/record"
	"github.com/trafficwatch/edge-handler/internal/router"
	"github.com/trafficwatch/edge-handler/internal/sender"
	"github.com/trafficwatch/edge-handler/internal/sink"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, logger := loadConfig(os.Args[1:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting edge-handler",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("channels", len(cfg.Bus.Channels)),
		zap.Int("sinks", len(cfg.Sinks)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := record.NewCodec(cfg.Spool.Compress)
	spool, err := sink.OpenSpool("spool", cfg.Spool.Database, cfg.Spool.Table, codec, logger.Named("spool"))
	if err != nil {
		logger.Fatal("failed to open spool", zap.Error(err))
	}
	defer spool.Close()

	ident := identity.NewCell()

	var wg sync.WaitGroup
	sinks := buildSinks(ctx, cfg, ident, &wg, logger)

	site := router.NewSiteRemap(cfg.SpecialSite)
	rt := router.New(site, logger.Named("router"))

	serverQ := queue.New[record.Record]()
	var mergeQ, merge2K, merge4K, ocrQ *queue.Queue[record.Record]

	// --- Merge stage ---
	if cfg.Merge.Enabled {
		mergeQ = queue.New[record.Record]()
		merge2K = queue.New[record.Record]()
		merge4K = queue.New[record.Record]()

		merger := merge.New(merge2K, merge4K, serverQ, site,
			cfg.Merge.WindowSeconds, cfg.Merge.MaxAgeSeconds, logger.Named("merge"))
		wg.Add(2)
		go func() { defer wg.Done(); merger.Run(ctx) }()
		go func() {
			// Routed merge inputs arrive on one queue; split by side.
			defer wg.Done()
			for {
				rec, err := mergeQ.Get(ctx)
				if err != nil {
					return
				}
				if rec.Type() == record.TypeVehicle2K {
					merge2K.Put(rec)
				} else {
					merge4K.Put(rec)
				}
			}
		}()
		logger.Info("merge stage started",
			zap.Int("window_seconds", cfg.Merge.WindowSeconds),
			zap.Int("max_age_seconds", cfg.Merge.MaxAgeSeconds),
		)
	}

	// --- OCR stage ---
	if cfg.OCR.Enabled {
		ocrQ = queue.New[record.Record]()
		engine := ocr.NewRemoteEngine(cfg.OCR.DetectorURL, cfg.OCR.ReaderURL,
			cfg.OCR.ClassNames, cfg.OCR.TimeoutSeconds)
		stage := ocr.NewStage(ocrQ, serverQ, engine, engine,
			cfg.OCR.PlateInputSize, cfg.OCR.CharInputSize, cfg.OCR.WarmupRuns, logger.Named("ocr"))
		wg.Add(1)
		go func() { defer wg.Done(); stage.Run(ctx) }()
		logger.Info("ocr stage started",
			zap.String("detector_url", cfg.OCR.DetectorURL),
			zap.String("reader_url", cfg.OCR.ReaderURL),
		)
	}

	// --- Image upload and sweep ---
	var uploader sender.ImageUploader
	var sweeper *imagex.Sweeper
	if cfg.ImageRemote.Host != "" {
		uploader = imagex.NewUploader(cfg.ImageRemote.Host, cfg.ImageRemote.Port,
			cfg.ImageRemote.TimeoutSeconds, logger.Named("imagex"))
	}
	if cfg.Cleanup.Enabled {
		sweeper = imagex.NewSweeper(cfg.Cleanup.MaxAgeSeconds, logger.Named("sweeper"))
		wg.Add(1)
		go func() { defer wg.Done(); sweeper.Run(ctx, cfg.Cleanup.IntervalSeconds) }()
	}

	// --- Sender and spool replay ---
	snd := sender.New(serverQ, sinks, spool, uploader, sweeper, ident,
		cfg.ImageRemote, logger.Named("sender"))
	retry := sender.NewRetry(spool, serverQ, ident, cfg.Spool.IntervalSeconds, logger.Named("retry"))
	wg.Add(2)
	go func() { defer wg.Done(); snd.Run(ctx) }()
	go func() { defer wg.Done(); retry.Run(ctx) }()

	// --- Bus receivers ---
	queues := receiver.Queues{Server: serverQ, Merge: mergeQ, OCR: ocrQ}
	receivers := make([]*receiver.Receiver, 0, len(cfg.Bus.Channels))
	statuses := make([]edgehttp.ReceiverStatus, 0, len(cfg.Bus.Channels))
	for _, ch := range cfg.Bus.Channels {
		rcv := receiver.New(ch, rt, queues, logger.Named("receiver"))
		receivers = append(receivers, rcv)
		statuses = append(statuses, rcv)
		wg.Add(1)
		go func() { defer wg.Done(); rcv.Run(ctx) }()
	}
	logger.Info("bus receivers started", zap.Int("count", len(receivers)))

	// --- HTTP server ---
	httpServer := edgehttp.NewServer(cfg.Service.HTTPListen, spool, statuses, ident, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	for _, rcv := range receivers {
		rcv.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all stages stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("edge-handler stopped")
}

// buildSinks constructs every configured delivery adaptor and starts the
// discovery loops that resolve the camera identity.
func buildSinks(ctx context.Context, cfg *config.Config, ident *identity.Cell,
	wg *sync.WaitGroup, logger *zap.Logger) []sink.Sink {
	sinks := make([]sink.Sink, 0, len(cfg.Sinks))
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "grpc":
			var companion *sink.VoltStore
			if sc.Mode == sink.ModeSharp {
				companion = sink.NewVoltStore(sc.Name+"-companion", sc.CompanionAddr, ident,
					logger.Named("sink."+sc.Name+".companion"))
			}
			rpc, err := sink.NewRPCClient(sc.Name, sc.Addr, sc.Mode, ident, companion,
				logger.Named("sink."+sc.Name))
			if err != nil {
				logger.Fatal("failed to build RPC sink", zap.String("sink", sc.Name), zap.Error(err))
			}
			wg.Add(1)
			go func() { defer wg.Done(); rpc.RunDiscovery(ctx) }()
			sinks = append(sinks, rpc)

		case "volt":
			volt := sink.NewVoltStore(sc.Name, sc.Addr, ident, logger.Named("sink."+sc.Name))
			wg.Add(1)
			go func() { defer wg.Done(); volt.RunDiscovery(ctx) }()
			sinks = append(sinks, volt)

		case "redis":
			bus := sink.NewRedisBus(sc.Name, sc.Addr, sc.Channel, logger.Named("sink."+sc.Name))
			if err := bus.Connect(ctx); err != nil {
				logger.Warn("downstream bus unreachable at startup",
					zap.String("sink", sc.Name), zap.Error(err))
			}
			sinks = append(sinks, bus)

		case "sqlite":
			store, err := sink.OpenProjection(sc.Name, sc.Database, sc.Table, logger.Named("sink."+sc.Name))
			if err != nil {
				logger.Fatal("failed to open local store", zap.String("sink", sc.Name), zap.Error(err))
			}
			sinks = append(sinks, store)

		case "manual":
			// Not a delivery adaptor: a fixed identity for sites without a
			// discoverable camera registration.
			if ident.Resolve(sc.CamID, sc.LaneOffset) {
				logger.Info("camera identity fixed by config",
					zap.String("camera_id", sc.CamID),
					zap.Int("lane_offset", sc.LaneOffset),
				)
			}
		}
	}
	return sinks
}

func printUsage() {
	fmt.Println("Usage: edge-handler [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
