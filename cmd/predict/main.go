package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"etongue/config"
	"etongue/db"
	"etongue/inference"
	"etongue/logging"
	"etongue/ml"
)

// predict reads one JSON reading per line from stdin and writes one JSON
// prediction per line to stdout.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	artifactDir := flag.String("artifacts", "", "artifact dir (overrides artifacts.dir)")
	record := flag.Bool("record", false, "log predictions to the SQLite run log")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *artifactDir != "" {
		cfg.Artifacts.Dir = *artifactDir
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	opts := []inference.Option{
		inference.WithLogger(logger),
		inference.WithCacheSize(cfg.Inference.CacheSize),
	}
	if *record {
		if err := db.InitDB(cfg.Database.Path); err != nil {
			logger.Fatal("failed to open run log", zap.Error(err))
		}
		defer db.Close()
		opts = append(opts, inference.WithRecorder(db.PredictionLog{}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher, err := startDispatcher(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Fatal("artifacts not loaded", zap.String("artifacts.dir", cfg.Artifacts.Dir), zap.Error(err))
	}

	dec := json.NewDecoder(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for dec.More() {
		var reading ml.SensorReading
		if err := dec.Decode(&reading); err != nil {
			logger.Fatal("invalid input", zap.Error(err))
		}
		p, err := dispatcher.Predict(ctx, reading)
		if err != nil {
			logger.Error("prediction failed", zap.Error(err))
			_ = enc.Encode(map[string]string{"error": err.Error()})
			continue
		}
		if err := enc.Encode(p); err != nil {
			logger.Fatal("failed to write output", zap.Error(err))
		}
	}
}

// startDispatcher loads the artifact dir once. With inference.watch on, a
// failed first load only leaves the dispatcher unready: the watcher brings
// the model up once training publishes into the dir.
func startDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...inference.Option) (*inference.Dispatcher, error) {
	dispatcher := inference.NewDispatcher(opts...)
	if err := dispatcher.Load(cfg.Artifacts.Dir); err != nil {
		if !cfg.Inference.Watch {
			return nil, err
		}
		logger.Warn("serving without a model until artifacts are published",
			zap.String("artifacts.dir", cfg.Artifacts.Dir), zap.Error(err))
	}
	if !cfg.Inference.Watch {
		return dispatcher, nil
	}
	if err := os.MkdirAll(cfg.Artifacts.Dir, 0o755); err != nil {
		return nil, err
	}
	watcher := &inference.Watcher{
		Dir:        cfg.Artifacts.Dir,
		Dispatcher: dispatcher,
		Debounce:   time.Duration(cfg.Inference.DebounceMS) * time.Millisecond,
		Logger:     logger,
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("artifact watcher stopped", zap.Error(err))
		}
	}()
	return dispatcher, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
