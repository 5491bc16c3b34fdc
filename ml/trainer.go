package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Artifact file names inside one artifact directory.
const (
	ModelFile        = "model.json"
	PreprocessorFile = "preprocessor.json"
	MetadataFile     = "model_metadata.json"
	ReportFile       = "evaluation_report.json"
	ReportTextFile   = "evaluation_report.txt"
)

type TrainerConfig struct {
	ValRatio   float64
	TestRatio  float64
	Seed       uint64
	CVFolds    int
	MaxWorkers int
	Sequence   SequenceConfig
	// Grids default to ForestGrid and SVMGrid when empty.
	ForestGrid []ForestConfig
	SVMGrid    []SVMConfig
}

func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		ValRatio:  0.15,
		TestRatio: 0.15,
		Seed:      42,
		CVFolds:   3,
		Sequence:  SequenceConfig{Enabled: true, Epochs: 50, BatchSize: 32, LearningRate: 1e-3},
	}
}

// ForestGrid enumerates n_estimators x max_depth x min_samples_split in
// grid order; max depth 0 means unbounded.
func ForestGrid(seed uint64) []ForestConfig {
	var grid []ForestConfig
	for _, n := range []int{100, 200} {
		for _, depth := range []int{10, 20, 0} {
			for _, split := range []int{2, 5} {
				grid = append(grid, ForestConfig{NEstimators: n, MaxDepth: depth, MinSamplesSplit: split, Seed: seed})
			}
		}
	}
	return grid
}

func SVMGrid() []SVMConfig {
	var grid []SVMConfig
	for _, c := range []float64{0.1, 1, 10} {
		for _, kernel := range []string{KernelRBF, KernelPoly} {
			for _, gamma := range []string{GammaScale, GammaAuto} {
				grid = append(grid, SVMConfig{C: c, Kernel: kernel, Gamma: gamma, Degree: 3})
			}
		}
	}
	return grid
}

// FamilyOutcome is the result of training one model family.
type FamilyOutcome struct {
	Name               string
	ValidationAccuracy float64
	CVAccuracy         float64
	Params             any
	Duration           time.Duration
	Err                error
}

type TrainingResult struct {
	Model        *TrainedModel
	Preprocessor *Preprocessor
	Metadata     *ModelMetadata
	Report       *EvaluationReport
	Split        SplitIndices
	Families     []FamilyOutcome
}

type Trainer struct {
	config TrainerConfig
	logger *zap.Logger
}

func NewTrainer(config TrainerConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CVFolds <= 0 {
		config.CVFolds = 3
	}
	if len(config.ForestGrid) == 0 {
		config.ForestGrid = ForestGrid(config.Seed)
	}
	if len(config.SVMGrid) == 0 {
		config.SVMGrid = SVMGrid()
	}
	return &Trainer{config: config, logger: logger}
}

type trainingData struct {
	signals    [][]float64
	scaled     [][]float64
	labels     []int
	numClasses int
	split      SplitIndices
}

// Train fits the preprocessor, trains every family in the fixed order
// random_forest, svm, cnn, selects the strictly best validation accuracy
// (earlier family on ties) and scores the winner on the test split.
func (t *Trainer) Train(ctx context.Context, samples []LabeledSample) (*TrainingResult, error) {
	if len(samples) == 0 {
		return nil, errors.New("dataset is empty")
	}
	readings := make([]SensorReading, len(samples))
	names := make([]string, len(samples))
	signals := make([][]float64, len(samples))
	for i, s := range samples {
		readings[i] = s.Reading
		names[i] = s.Class
		signals[i] = s.Reading.Signal
	}

	features := ExtractFeatureMatrix(readings)
	pre := NewPreprocessor()
	if err := pre.Fit(features, names); err != nil {
		return nil, fmt.Errorf("fit preprocessor: %w", err)
	}
	scaled, err := pre.Transform(features)
	if err != nil {
		return nil, err
	}
	labels, err := pre.EncodeAll(names)
	if err != nil {
		return nil, err
	}
	split, err := StratifiedSplit(labels, t.config.ValRatio, t.config.TestRatio, t.config.Seed)
	if err != nil {
		return nil, fmt.Errorf("split dataset: %w", err)
	}
	t.logger.Info("dataset split",
		zap.Int("split.train", len(split.Train)),
		zap.Int("split.validation", len(split.Validation)),
		zap.Int("split.test", len(split.Test)),
		zap.Int("dataset.classes", pre.NumClasses()))

	data := &trainingData{
		signals:    signals,
		scaled:     scaled,
		labels:     labels,
		numClasses: pre.NumClasses(),
		split:      split,
	}

	type candidate struct {
		model *TrainedModel
		score float64
	}
	var (
		outcomes []FamilyOutcome
		best     *candidate
	)
	trainers := []struct {
		name string
		fn   func(context.Context, *trainingData) (*TrainedModel, FamilyOutcome, error)
	}{
		{ModelRandomForest, t.trainForest},
		{ModelSVM, t.trainSVM},
		{ModelCNN, t.trainCNN},
	}
	for _, fam := range trainers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		model, outcome, err := fam.fn(ctx, data)
		outcome.Name = fam.name
		outcome.Duration = time.Since(start)
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			if errors.Is(err, ErrTrainingFamilyUnavailable) {
				t.logger.Info("model family skipped", zap.String("model.name", fam.name), zap.Error(err))
			} else {
				t.logger.Error("model family failed", zap.String("model.name", fam.name), zap.Error(err))
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		}
		outcomes = append(outcomes, outcome)
		t.logger.Info("model family trained",
			zap.String("model.name", fam.name),
			zap.Float64("metrics.val_accuracy", outcome.ValidationAccuracy),
			zap.Float64("metrics.cv_accuracy", outcome.CVAccuracy),
			zap.Duration("train.duration", outcome.Duration))
		if best == nil || outcome.ValidationAccuracy > best.score {
			best = &candidate{model: model, score: outcome.ValidationAccuracy}
		}
	}
	if best == nil {
		return nil, errors.New("every model family failed to train")
	}

	predicted, err := t.predictSplit(best.model, data, split.Test)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", best.model.Name, err)
	}
	report, err := Evaluate(selectLabels(labels, split.Test), predicted, pre.Classes())
	if err != nil {
		return nil, err
	}
	report.ModelName = best.model.Name

	scores := make(map[string]float64, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			scores[o.Name] = o.ValidationAccuracy
		}
	}
	runID := NewRunID()
	best.model.RunID = runID
	pre.SetRunID(runID)
	meta := &ModelMetadata{
		RunID:        runID,
		ModelName:    best.model.Name,
		TestAccuracy: report.Accuracy,
		ClassNames:   pre.Classes(),
		FeatureNames: pre.FeatureNames(),
		AllScores:    scores,
		TrainedAt:    time.Now().UTC(),
	}
	t.logger.Info("model selected",
		zap.String("model.name", best.model.Name),
		zap.Float64("metrics.val_accuracy", best.score),
		zap.Float64("metrics.test_accuracy", report.Accuracy),
		zap.Float64("metrics.f1", report.F1))

	return &TrainingResult{
		Model:        best.model,
		Preprocessor: pre,
		Metadata:     meta,
		Report:       report,
		Split:        split,
		Families:     outcomes,
	}, nil
}

func (t *Trainer) trainForest(ctx context.Context, d *trainingData) (*TrainedModel, FamilyOutcome, error) {
	search := &GridSearch[ForestConfig]{
		Name:       ModelRandomForest,
		Candidates: t.config.ForestGrid,
		Build:      func(c ForestConfig) VectorClassifier { return NewRandomForest(c) },
		Folds:      t.config.CVFolds,
		MaxWorkers: t.config.MaxWorkers,
		Seed:       t.config.Seed,
		Logger:     t.logger,
	}
	res, err := search.Run(ctx, selectRows(d.scaled, d.split.Train), selectLabels(d.labels, d.split.Train), d.numClasses)
	if err != nil {
		return nil, FamilyOutcome{}, err
	}
	return t.refitVector(ModelRandomForest, NewRandomForest(res.Best), res.Best, res.BestScore, d)
}

func (t *Trainer) trainSVM(ctx context.Context, d *trainingData) (*TrainedModel, FamilyOutcome, error) {
	search := &GridSearch[SVMConfig]{
		Name:       ModelSVM,
		Candidates: t.config.SVMGrid,
		Build:      func(c SVMConfig) VectorClassifier { return NewSVM(c) },
		Folds:      t.config.CVFolds,
		MaxWorkers: t.config.MaxWorkers,
		Seed:       t.config.Seed,
		Logger:     t.logger,
	}
	res, err := search.Run(ctx, selectRows(d.scaled, d.split.Train), selectLabels(d.labels, d.split.Train), d.numClasses)
	if err != nil {
		return nil, FamilyOutcome{}, err
	}
	return t.refitVector(ModelSVM, NewSVM(res.Best), res.Best, res.BestScore, d)
}

// refitVector trains the chosen configuration on the full train split and
// scores it on validation.
func (t *Trainer) refitVector(name string, c VectorClassifier, params any, cvScore float64, d *trainingData) (*TrainedModel, FamilyOutcome, error) {
	outcome := FamilyOutcome{Params: params, CVAccuracy: cvScore}
	if err := c.Fit(selectRows(d.scaled, d.split.Train), selectLabels(d.labels, d.split.Train), d.numClasses); err != nil {
		return nil, outcome, fmt.Errorf("refit %s: %w", name, err)
	}
	predicted, err := predictLabels(c, selectRows(d.scaled, d.split.Validation))
	if err != nil {
		return nil, outcome, err
	}
	outcome.ValidationAccuracy = Accuracy(selectLabels(d.labels, d.split.Validation), predicted)
	return NewVectorModel(name, c), outcome, nil
}

func (t *Trainer) trainCNN(ctx context.Context, d *trainingData) (*TrainedModel, FamilyOutcome, error) {
	cfg := t.config.Sequence
	if !cfg.Enabled {
		return nil, FamilyOutcome{}, fmt.Errorf("%w: sequence classifier disabled", ErrTrainingFamilyUnavailable)
	}
	if cfg.Seed == 0 {
		cfg.Seed = t.config.Seed
	}
	outcome := FamilyOutcome{Params: cfg, CVAccuracy: math.NaN()}
	net, acc, err := trainSequence(ctx, cfg,
		selectRows(d.signals, d.split.Train), selectRows(d.signals, d.split.Validation),
		selectLabels(d.labels, d.split.Train), selectLabels(d.labels, d.split.Validation),
		d.numClasses, t.logger)
	if err != nil {
		return nil, outcome, err
	}
	outcome.ValidationAccuracy = acc
	return NewSequenceModel(ModelCNN, net), outcome, nil
}

// predictSplit scores rows by position. Sequence models see the split's
// signals normalized with the split's own batch statistics.
func (t *Trainer) predictSplit(m *TrainedModel, d *trainingData, rows []int) ([]int, error) {
	switch m.Family {
	case FamilyVector:
		return predictLabels(m.Vector, selectRows(d.scaled, rows))
	case FamilySequence:
		return predictSignals(m.Sequence, ZNormalizeBatch(selectRows(d.signals, rows)))
	}
	return nil, fmt.Errorf("unknown model family %q", m.Family)
}

// SaveArtifacts writes the model, preprocessor, reports and metadata into
// dir. Model and preprocessor carry the metadata's run id, and the metadata
// goes last: it is the file a watcher reloads on.
func (r *TrainingResult) SaveArtifacts(dir string) error {
	r.Model.RunID = r.Metadata.RunID
	r.Preprocessor.SetRunID(r.Metadata.RunID)
	if err := SaveModel(filepath.Join(dir, ModelFile), r.Model); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := r.Preprocessor.Save(filepath.Join(dir, PreprocessorFile)); err != nil {
		return fmt.Errorf("save preprocessor: %w", err)
	}
	if err := r.Report.Save(filepath.Join(dir, ReportFile)); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, ReportTextFile), []byte(r.Report.Text())); err != nil {
		return fmt.Errorf("save report text: %w", err)
	}
	if err := r.Metadata.Save(filepath.Join(dir, MetadataFile)); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}
