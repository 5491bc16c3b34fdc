package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GridSearch cross-validates every candidate configuration on a fixed
// worker pool. Each (candidate, fold) job is an independent fit that only
// returns its own accuracy.
type GridSearch[C any] struct {
	Name       string
	Candidates []C
	Build      func(C) VectorClassifier
	Folds      int
	MaxWorkers int
	Seed       uint64
	Logger     *zap.Logger
}

// SearchIteration records one (candidate, fold) fit.
type SearchIteration struct {
	Candidate int           `json:"candidate"`
	Fold      int           `json:"fold"`
	Accuracy  float64       `json:"accuracy"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"` // completed, failed
	Error     string        `json:"error,omitempty"`
}

type SearchResult[C any] struct {
	Best       C
	BestIndex  int
	BestScore  float64
	MeanScores []float64
	Iterations []SearchIteration
}

type searchJob struct {
	candidate int
	fold      int
}

func (g *GridSearch[C]) Run(ctx context.Context, features [][]float64, labels []int, numClasses int) (*SearchResult[C], error) {
	if len(g.Candidates) == 0 {
		return nil, errors.New("parameter grid is empty")
	}
	if g.Build == nil {
		return nil, errors.New("grid search has no estimator builder")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("grid search cancelled: %w", err)
	}
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	folds := g.Folds
	if folds <= 0 {
		folds = 3
	}
	heldOut, err := StratifiedKFold(labels, folds, g.Seed)
	if err != nil {
		return nil, fmt.Errorf("build folds: %w", err)
	}

	workers := g.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	total := len(g.Candidates) * folds
	if workers > total {
		workers = total
	}
	logger.Info("grid search started",
		zap.String("model.name", g.Name),
		zap.Int("search.candidates", len(g.Candidates)),
		zap.Int("search.folds", folds),
		zap.Int("search.workers", workers))

	iterations := make([]SearchIteration, total)
	jobs := make(chan searchJob)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				slot := job.candidate*folds + job.fold
				iterations[slot] = g.runJob(job, heldOut, features, labels, numClasses)
			}
		}()
	}

	var cancelled error
dispatch:
	for c := range g.Candidates {
		for f := 0; f < folds; f++ {
			select {
			case <-ctx.Done():
				cancelled = ctx.Err()
				break dispatch
			case jobs <- searchJob{candidate: c, fold: f}:
			}
		}
	}
	close(jobs)
	wg.Wait()
	if cancelled != nil {
		return nil, fmt.Errorf("grid search cancelled: %w", cancelled)
	}

	result := &SearchResult[C]{
		BestIndex:  -1,
		BestScore:  math.Inf(-1),
		MeanScores: make([]float64, len(g.Candidates)),
		Iterations: iterations,
	}
	for c := range g.Candidates {
		sum := 0.0
		failed := false
		for f := 0; f < folds; f++ {
			it := iterations[c*folds+f]
			if it.Status != "completed" {
				failed = true
				logger.Warn("grid search fit failed",
					zap.String("model.name", g.Name),
					zap.Int("search.candidate", c),
					zap.Int("search.fold", f),
					zap.String("error", it.Error))
				break
			}
			sum += it.Accuracy
		}
		if failed {
			result.MeanScores[c] = math.NaN()
			continue
		}
		mean := sum / float64(folds)
		result.MeanScores[c] = mean
		// strict comparison keeps the earliest candidate on ties
		if mean > result.BestScore {
			result.BestScore = mean
			result.BestIndex = c
		}
	}
	if result.BestIndex < 0 {
		return nil, fmt.Errorf("%s: every grid candidate failed", g.Name)
	}
	result.Best = g.Candidates[result.BestIndex]
	logger.Info("grid search completed",
		zap.String("model.name", g.Name),
		zap.Int("search.best_candidate", result.BestIndex),
		zap.Float64("metrics.cv_accuracy", result.BestScore))
	return result, nil
}

func (g *GridSearch[C]) runJob(job searchJob, heldOut [][]int, features [][]float64, labels []int, numClasses int) (it SearchIteration) {
	start := time.Now()
	it = SearchIteration{Candidate: job.candidate, Fold: job.fold}
	fail := func(err error) SearchIteration {
		it.Status = "failed"
		it.Error = err.Error()
		it.Duration = time.Since(start)
		return it
	}
	defer func() {
		if r := recover(); r != nil {
			it = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	testIdx := heldOut[job.fold]
	trainIdx := complement(len(labels), testIdx)
	model := g.Build(g.Candidates[job.candidate])
	if err := model.Fit(selectRows(features, trainIdx), selectLabels(labels, trainIdx), numClasses); err != nil {
		return fail(err)
	}
	predicted, err := predictLabels(model, selectRows(features, testIdx))
	if err != nil {
		return fail(err)
	}
	it.Accuracy = Accuracy(selectLabels(labels, testIdx), predicted)
	it.Status = "completed"
	it.Duration = time.Since(start)
	return it
}
