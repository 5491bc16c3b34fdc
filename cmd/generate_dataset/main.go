package main

import (
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"etongue/config"
	"etongue/dataset"
	"etongue/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	output := flag.String("output", "", "dataset CSV path (overrides dataset.path)")
	samples := flag.Int("samples", 0, "samples per class (overrides dataset.samples_per_class)")
	seed := flag.Uint64("seed", 0, "random seed (overrides dataset.seed)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *output != "" {
		cfg.Dataset.Path = *output
	}
	if *samples > 0 {
		cfg.Dataset.SamplesPerClass = *samples
	}
	if *seed > 0 {
		cfg.Dataset.Seed = *seed
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	gen := &dataset.Generator{
		Taxonomy:        cfg.Taxonomy(),
		SamplesPerClass: cfg.Dataset.SamplesPerClass,
		SignalPoints:    cfg.Dataset.SignalPoints,
		Seed:            cfg.Dataset.Seed,
		Logger:          logger,
	}
	samplesOut, err := gen.Generate()
	if err != nil {
		logger.Fatal("failed to generate dataset", zap.Error(err))
	}
	if err := dataset.WriteCSVFile(cfg.Dataset.Path, samplesOut); err != nil {
		logger.Fatal("failed to write dataset", zap.String("dataset.path", cfg.Dataset.Path), zap.Error(err))
	}
	dataset.LogSummary(logger, samplesOut)

	fmt.Printf("dataset with %d samples saved to %s\n", len(samplesOut), cfg.Dataset.Path)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
