package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/scenewatch/internal/batch"
	"github.com/bdougie/scenewatch/internal/capture"
	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/control"
	"github.com/bdougie/scenewatch/internal/describe"
	"github.com/bdougie/scenewatch/internal/detect"
	"github.com/bdougie/scenewatch/internal/embeddings"
	"github.com/bdougie/scenewatch/internal/enrich"
	"github.com/bdougie/scenewatch/internal/imagehost"
	"github.com/bdougie/scenewatch/internal/mode"
	"github.com/bdougie/scenewatch/internal/pipeline"
	"github.com/bdougie/scenewatch/internal/publish"
	"github.com/bdougie/scenewatch/internal/quality"
	"github.com/bdougie/scenewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	streamURL := flag.String("stream", "", "video stream URL (overrides config)")
	backend := flag.String("backend", "", "capture backend: mjpeg, ffmpeg or gocv (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	httpAddr := flag.String("http", "", "control API listen address, e.g. :8080 (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenewatch: %v\n", err)
		os.Exit(1)
	}
	if *streamURL != "" {
		cfg.Stream.URL = *streamURL
	}
	if *backend != "" {
		cfg.Stream.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *httpAddr != "" {
		cfg.Control.HTTPAddr = *httpAddr
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "scenewatch: invalid flags: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      parseLevel(cfg.Log.Level),
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("scenewatch stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func newEmbedder(cfg config.EmbedderConfig) embeddings.Embedder {
	if cfg.Kind == "remote" {
		return embeddings.NewRemote(cfg.Endpoint, cfg.Timeout)
	}
	return embeddings.NewHistogram()
}

func run(cfg *config.Config, logger *slog.Logger) error {
	start := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedder := newEmbedder(cfg.Embedder)
	vectors := embeddings.NewService(embedder, embeddings.ServiceOptions{
		Workers:   cfg.Embedder.Workers,
		QueueSize: cfg.Embedder.QueueSize,
		CacheSize: cfg.Embedder.CacheSize,
		Logger:    logger.With("component", "embeddings"),
	})
	defer vectors.Close()

	store, err := storage.Open(ctx, cfg.Storage, embedder.Dimension(), logger.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	describer, err := describe.New(ctx, cfg.Describe, logger.With("component", "describe"))
	if err != nil {
		return fmt.Errorf("describe backend: %w", err)
	}

	// the ollama backend reads the local composite, the chat backend needs a public URL
	var uploader imagehost.Uploader
	if cfg.Describe.Backend == "chat" {
		uploader = imagehost.New(cfg.ImageHost.Endpoint, cfg.ImageHost.FieldName)
	}

	var console *control.Console
	var modeOpts []mode.Option
	modeOpts = append(modeOpts, mode.WithLogger(logger.With("component", "mode")))
	if cfg.Control.Console {
		console = control.NewConsole(os.Stdin, os.Stdout, logger.With("component", "console"))
		modeOpts = append(modeOpts, mode.WithKeywordSource(console))
	}
	modes := mode.New(cfg.Modes, modeOpts...)
	defer modes.Close()

	var publishers []publish.Publisher
	var emitter *publish.MQTT
	if cfg.MQTT.Broker != "" {
		emitter = publish.NewMQTT(cfg.MQTT, logger.With("component", "mqtt"))
		if err := emitter.Connect(ctx); err != nil {
			// the client keeps retrying in the background
			logger.Warn("mqtt broker unavailable at startup", "broker", cfg.MQTT.Broker, "error", err)
		}
		defer emitter.Disconnect()
		publishers = append(publishers, emitter)
		modes.OnChange(func(ch mode.Change) {
			if err := emitter.PublishMode(ch); err != nil {
				logger.Debug("mode not published", "error", err)
			}
		})
	}

	enricher, err := enrich.New(enrich.Options{
		Config:     cfg.Enrich,
		Prompts:    modes,
		Uploader:   uploader,
		Describer:  describer,
		Store:      store,
		Publishers: publishers,
		Logger:     logger.With("component", "enrich"),
	})
	if err != nil {
		return err
	}

	source, err := capture.NewFromConfig(cfg.Stream, capture.WithLogger(logger.With("component", "capture")))
	if err != nil {
		return err
	}
	if err := source.Open(ctx); err != nil {
		enricher.Close(context.Background())
		return err
	}
	defer source.Close()

	detector := detect.New(vectors, detect.ThresholdsFrom(cfg.Change), detect.WithLogger(logger.With("component", "detect")))
	loop := pipeline.New(source, quality.New(cfg.Quality), detector, batch.New(cfg.Batch.Size), enricher,
		pipeline.WithQuit(modes.Quit()),
		pipeline.WithLogger(logger.With("component", "pipeline")),
	)

	status := func() map[string]any {
		st := map[string]any{
			"pipeline":   loop.Stats(),
			"capture":    source.Stats(),
			"enrich":     enricher.Stats(),
			"embeddings": vectors.Stats(),
		}
		if emitter != nil {
			st["mqtt"] = emitter.Stats()
		}
		return st
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})
	if console != nil {
		g.Go(func() error { return console.Run(gctx, modes) })
	}
	if cfg.Control.HTTPAddr != "" {
		var apiOpts []control.APIOption
		if searcher, ok := store.(storage.Searcher); ok {
			apiOpts = append(apiOpts, control.WithSimilarity(searcher, enricher.Last))
		}
		api := control.NewAPI(modes, store, enricher, status, logger.With("component", "api"), apiOpts...)
		g.Go(func() error { return api.Run(gctx, cfg.Control.HTTPAddr) })
	}
	if emitter != nil && emitter.Client() != nil {
		handler := control.NewHandler(cfg.MQTT, emitter.Client(), modes, status, logger.With("component", "control"))
		emitter.OnConnect(handler.Resubscribe)
		g.Go(func() error {
			// control failures are logged, capture keeps running
			if err := handler.Run(gctx); err != nil {
				logger.Warn("mqtt control unavailable", "error", err)
			}
			return nil
		})
	}

	runErr := g.Wait()

	logger.Info("waiting for in-flight batches", "grace", cfg.Enrich.ShutdownGrace)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Enrich.ShutdownGrace)
	defer closeCancel()
	if err := enricher.Close(closeCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("enrichment shutdown", "error", err)
	}

	st := enricher.Stats()
	logger.Info("exiting program",
		"frames", source.Stats().RawFrames,
		"batches", loop.Stats().Batches,
		"described", st.Completed,
		"dropped", st.Dropped,
		"elapsed", time.Since(start).Round(time.Second),
	)
	return runErr
}
