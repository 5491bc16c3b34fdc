package ml

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"etongue/ml/nn"
)

// SequenceConfig controls the optional convolutional family.
type SequenceConfig struct {
	Enabled      bool
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         uint64
}

// trainSequence fits the network on split-normalized signals and returns
// its validation accuracy.
func trainSequence(ctx context.Context, cfg SequenceConfig, train, validation [][]float64, trainY, valY []int, numClasses int, logger *zap.Logger) (*nn.Network, float64, error) {
	netCfg := nn.DefaultConfig(numClasses)
	if cfg.Epochs > 0 {
		netCfg.Epochs = cfg.Epochs
	}
	if cfg.BatchSize > 0 {
		netCfg.BatchSize = cfg.BatchSize
	}
	if cfg.LearningRate > 0 {
		netCfg.LearningRate = cfg.LearningRate
	}
	netCfg.Seed = cfg.Seed

	net, err := nn.New(netCfg)
	if err != nil {
		return nil, 0, err
	}
	err = net.Fit(ctx, ZNormalizeBatch(train), trainY, func(s nn.EpochStats) {
		logger.Debug("epoch completed",
			zap.String("model.name", ModelCNN),
			zap.Int("train.epoch", s.Epoch),
			zap.Float64("metrics.loss", s.Loss),
			zap.Float64("metrics.accuracy", s.Accuracy))
	})
	if err != nil {
		return nil, 0, fmt.Errorf("fit network: %w", err)
	}
	predicted, err := predictSignals(net, ZNormalizeBatch(validation))
	if err != nil {
		return nil, 0, err
	}
	return net, Accuracy(valY, predicted), nil
}

func predictSignals(c SequenceClassifier, signals [][]float64) ([]int, error) {
	out := make([]int, len(signals))
	for i, s := range signals {
		proba, err := c.PredictSignal(s)
		if err != nil {
			return nil, err
		}
		out[i] = Argmax(proba)
	}
	return out, nil
}
