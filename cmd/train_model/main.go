package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"etongue/config"
	"etongue/dataset"
	"etongue/db"
	"etongue/logging"
	"etongue/ml"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	dataPath := flag.String("data", "", "dataset CSV path (overrides dataset.path)")
	artifactDir := flag.String("artifacts", "", "artifact output dir (overrides artifacts.dir)")
	workers := flag.Int("workers", 0, "grid search workers (overrides training.max_workers)")
	noCNN := flag.Bool("no-cnn", false, "skip the sequence classifier")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dataPath != "" {
		cfg.Dataset.Path = *dataPath
	}
	if *artifactDir != "" {
		cfg.Artifacts.Dir = *artifactDir
	}
	if *workers > 0 {
		cfg.Training.MaxWorkers = *workers
	}
	if *noCNN {
		disabled := false
		cfg.Training.Sequence.Enabled = &disabled
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	samples, err := dataset.ReadCSVFile(cfg.Dataset.Path)
	if err != nil {
		logger.Fatal("failed to read dataset", zap.String("dataset.path", cfg.Dataset.Path), zap.Error(err))
	}
	logger.Info("dataset loaded", zap.String("dataset.path", cfg.Dataset.Path), zap.Int("dataset.samples", len(samples)))

	trainer := ml.NewTrainer(trainerConfig(cfg), logger)
	result, err := trainer.Train(ctx, samples)
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	runID := result.Metadata.RunID
	if err := result.SaveArtifacts(cfg.Artifacts.Dir); err != nil {
		logger.Fatal("failed to save artifacts", zap.String("artifacts.dir", cfg.Artifacts.Dir), zap.Error(err))
	}

	if err := db.InitDB(cfg.Database.Path); err != nil {
		logger.Error("run log unavailable", zap.String("database.path", cfg.Database.Path), zap.Error(err))
	} else {
		defer db.Close()
		if err := db.SaveTrainingRun(runID, cfg.Artifacts.Dir, len(samples), result); err != nil {
			logger.Error("failed to record training run", zap.Error(err))
		}
	}

	fmt.Print(result.Report.Text())
	fmt.Printf("\nmodel %s saved to %s (run %s)\n", result.Metadata.ModelName, cfg.Artifacts.Dir, runID)
}

func trainerConfig(cfg *config.Config) ml.TrainerConfig {
	t := cfg.Training
	return ml.TrainerConfig{
		ValRatio:   t.ValRatio,
		TestRatio:  t.TestRatio,
		Seed:       t.Seed,
		CVFolds:    t.CVFolds,
		MaxWorkers: t.MaxWorkers,
		Sequence: ml.SequenceConfig{
			Enabled:      t.Sequence.IsEnabled(),
			Epochs:       t.Sequence.Epochs,
			BatchSize:    t.Sequence.BatchSize,
			LearningRate: t.Sequence.LearningRate,
			Seed:         t.Seed,
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
