package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etongue/inference"
	"etongue/ml"
)

func openTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, InitDB(filepath.Join(t.TempDir(), "runs.db")))
	t.Cleanup(func() { Close() })
}

func sampleResult(trainedAt time.Time) *ml.TrainingResult {
	return &ml.TrainingResult{
		Metadata: &ml.ModelMetadata{ModelName: ml.ModelSVM, TrainedAt: trainedAt},
		Report:   &ml.EvaluationReport{Accuracy: 0.95, Precision: 0.94, Recall: 0.93, F1: 0.935},
		Families: []ml.FamilyOutcome{
			{Name: ml.ModelRandomForest, ValidationAccuracy: 0.9, CVAccuracy: 0.88, Params: ml.ForestConfig{NEstimators: 100}, Duration: 1500 * time.Millisecond},
			{Name: ml.ModelSVM, ValidationAccuracy: 0.97, CVAccuracy: 0.96, Params: ml.SVMConfig{C: 1, Kernel: ml.KernelRBF}},
			{Name: ml.ModelCNN, Err: fmt.Errorf("%w: disabled", ml.ErrTrainingFamilyUnavailable)},
		},
	}
}

func TestSaveAndLoadTrainingRun(t *testing.T) {
	openTestDB(t)
	trainedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runID := ml.NewRunID()
	require.NoError(t, SaveTrainingRun(runID, "models", 1505, sampleResult(trainedAt)))

	runs, err := LoadTrainingRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, ml.ModelSVM, run.ModelName)
	assert.Equal(t, 0.95, run.TestAccuracy)
	assert.Equal(t, 0.935, run.F1)
	assert.Equal(t, 1505, run.DataPoints)
	assert.Equal(t, "models", run.ArtifactDir)
	assert.True(t, trainedAt.Equal(run.TrainedAt))

	scores, err := LoadFamilyScores(runID)
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Equal(t, "trained", scores[0].Status)
	assert.Equal(t, 0.88, scores[0].CVAccuracy)
	assert.Equal(t, 1500*time.Millisecond, scores[0].Duration)
	assert.JSONEq(t, `{"n_estimators":100,"max_depth":0,"min_samples_split":0,"seed":0}`, scores[0].Params)

	assert.Equal(t, 0.97, scores[1].ValAccuracy)

	assert.Equal(t, "unavailable", scores[2].Status)
	assert.True(t, math.IsNaN(scores[2].CVAccuracy))
	assert.Contains(t, scores[2].Error, "disabled")
}

func TestTrainingRunsNewestFirst(t *testing.T) {
	openTestDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		id := ml.NewRunID()
		ids = append(ids, id)
		require.NoError(t, SaveTrainingRun(id, "models", 10, sampleResult(base.Add(time.Duration(i)*time.Hour))))
	}
	runs, err := LoadTrainingRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[1], runs[1].RunID)
}

func TestSaveTrainingRunRejectsDuplicates(t *testing.T) {
	openTestDB(t)
	runID := ml.NewRunID()
	require.NoError(t, SaveTrainingRun(runID, "models", 10, sampleResult(time.Now().UTC())))
	assert.Error(t, SaveTrainingRun(runID, "models", 10, sampleResult(time.Now().UTC())))

	runs, err := LoadTrainingRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSaveTrainingRunValidation(t *testing.T) {
	openTestDB(t)
	assert.Error(t, SaveTrainingRun("", "models", 1, sampleResult(time.Now())))
	assert.Error(t, SaveTrainingRun(ml.NewRunID(), "models", 1, &ml.TrainingResult{}))
}

func TestFamilyScoreMarksFailures(t *testing.T) {
	score := familyScore("run", ml.FamilyOutcome{Name: ml.ModelSVM, ValidationAccuracy: 0.5, Err: errors.New("solver diverged")})
	assert.Equal(t, "failed", score.Status)
	assert.Zero(t, score.ValAccuracy)
	assert.True(t, math.IsNaN(score.CVAccuracy))
}

func TestPredictionLog(t *testing.T) {
	openTestDB(t)
	reading := ml.SensorReading{PH: 6.5, Conductivity: 1.2, Temperature: 26, Signal: make([]float64, 100)}
	var log PredictionLog
	require.NoError(t, log.RecordPrediction(context.Background(), reading,
		&inference.Prediction{Class: "Tulsi", Confidence: 0.8, ModelName: ml.ModelRandomForest}))
	require.NoError(t, log.RecordPrediction(context.Background(), reading,
		&inference.Prediction{Class: "Neem", Confidence: 0.6, ModelName: ml.ModelRandomForest, Cached: true}))

	rows, err := LoadPredictions(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Neem", rows[0].PredictedClass)
	assert.True(t, rows[0].Cached)
	assert.Equal(t, "Tulsi", rows[1].PredictedClass)
	assert.False(t, rows[1].Cached)
	assert.Equal(t, 100, rows[1].SignalPoints)
	assert.Equal(t, 6.5, rows[1].PH)
}

func TestUninitialized(t *testing.T) {
	Close()
	_, err := LoadTrainingRuns(1)
	assert.Error(t, err)
	assert.Error(t, PredictionLog{}.RecordPrediction(context.Background(), ml.SensorReading{}, &inference.Prediction{}))
}
