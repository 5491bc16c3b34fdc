// Package inference serves predictions from the published artifact triple.
package inference

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"etongue/ml"
)

const DefaultCacheSize = 1024

// Prediction is the dispatcher's answer for one reading.
type Prediction struct {
	Class         string             `json:"predicted_class"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	ModelName     string             `json:"model_name"`
	Cached        bool               `json:"-"`
}

// Recorder receives every successful prediction. Errors are logged only.
type Recorder interface {
	RecordPrediction(ctx context.Context, reading ml.SensorReading, p *Prediction) error
}

// Snapshot is one consistent (model, preprocessor, metadata) triple. It is
// never mutated after publication.
type Snapshot struct {
	Model        *ml.TrainedModel
	Preprocessor *ml.Preprocessor
	Metadata     *ml.ModelMetadata
	LoadedAt     time.Time
	cache        *lru.Cache[uint64, cachedResult]
}

type cachedResult struct {
	index int
	proba []float64
}

type Status struct {
	Loaded    bool      `json:"loaded"`
	ModelName string    `json:"model_name,omitempty"`
	Classes   []string  `json:"classes,omitempty"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Dispatcher struct {
	snapshot  atomic.Pointer[Snapshot]
	loadMu    sync.Mutex
	statusMu  sync.RWMutex
	lastErr   error
	cacheSize int
	recorder  Recorder
	logger    *zap.Logger
}

type Option func(*Dispatcher)

// WithCacheSize sets the per-snapshot prediction cache size; 0 disables it.
func WithCacheSize(n int) Option {
	return func(d *Dispatcher) { d.cacheSize = n }
}

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{cacheSize: DefaultCacheSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load reads the artifact triple from dir and publishes it. On failure the
// previous snapshot, if any, keeps serving and Status reports the error.
func (d *Dispatcher) Load(dir string) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	err := d.load(dir)
	d.statusMu.Lock()
	d.lastErr = err
	d.statusMu.Unlock()
	if err != nil {
		d.logger.Error("artifact load failed", zap.String("artifacts.dir", dir), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) load(dir string) error {
	model, err := ml.LoadModel(filepath.Join(dir, ml.ModelFile))
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	pre, err := ml.LoadPreprocessor(filepath.Join(dir, ml.PreprocessorFile))
	if err != nil {
		return fmt.Errorf("load preprocessor: %w", err)
	}
	meta, err := ml.LoadMetadata(filepath.Join(dir, ml.MetadataFile))
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	return d.publish(model, pre, meta)
}

// Publish swaps in an in-memory triple after the same consistency checks
// Load applies.
func (d *Dispatcher) Publish(model *ml.TrainedModel, pre *ml.Preprocessor, meta *ml.ModelMetadata) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	err := d.publish(model, pre, meta)
	d.statusMu.Lock()
	d.lastErr = err
	d.statusMu.Unlock()
	return err
}

func (d *Dispatcher) publish(model *ml.TrainedModel, pre *ml.Preprocessor, meta *ml.ModelMetadata) error {
	if model == nil || pre == nil || meta == nil {
		return errors.New("incomplete artifact set")
	}
	if err := checkConsistency(model, pre, meta); err != nil {
		return err
	}
	snap := &Snapshot{Model: model, Preprocessor: pre, Metadata: meta, LoadedAt: time.Now()}
	if d.cacheSize > 0 {
		cache, err := lru.New[uint64, cachedResult](d.cacheSize)
		if err != nil {
			return err
		}
		snap.cache = cache
	}
	d.snapshot.Store(snap)
	d.logger.Info("artifacts published",
		zap.String("model.name", model.Name),
		zap.String("model.family", string(model.Family)),
		zap.Int("model.classes", pre.NumClasses()))
	return nil
}

func checkConsistency(model *ml.TrainedModel, pre *ml.Preprocessor, meta *ml.ModelMetadata) error {
	if !pre.Fitted() {
		return ml.ErrPreprocessorNotFitted
	}
	if model.NumClasses() != pre.NumClasses() {
		return fmt.Errorf("%w: model emits %d classes, preprocessor knows %d",
			ml.ErrArtifactMismatch, model.NumClasses(), pre.NumClasses())
	}
	if !slices.Equal(meta.ClassNames, pre.Classes()) {
		return fmt.Errorf("%w: metadata class order differs from preprocessor", ml.ErrArtifactMismatch)
	}
	if meta.ModelName != model.Name {
		return fmt.Errorf("%w: metadata names %q, artifact is %q", ml.ErrArtifactMismatch, meta.ModelName, model.Name)
	}
	if len(meta.FeatureNames) > 0 && !slices.Equal(meta.FeatureNames, pre.FeatureNames()) {
		return fmt.Errorf("%w: feature names differ", ml.ErrArtifactMismatch)
	}
	if model.RunID != meta.RunID || pre.RunID() != meta.RunID {
		return fmt.Errorf("%w: run ids differ (model %q, preprocessor %q, metadata %q)",
			ml.ErrArtifactMismatch, model.RunID, pre.RunID(), meta.RunID)
	}
	return nil
}

// Current returns the published snapshot or nil.
func (d *Dispatcher) Current() *Snapshot {
	return d.snapshot.Load()
}

func (d *Dispatcher) Status() Status {
	d.statusMu.RLock()
	lastErr := d.lastErr
	d.statusMu.RUnlock()

	var st Status
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if snap := d.snapshot.Load(); snap != nil {
		st.Loaded = true
		st.ModelName = snap.Metadata.ModelName
		st.Classes = snap.Preprocessor.Classes()
		st.LoadedAt = snap.LoadedAt
	}
	return st
}

// Predict classifies one reading against a single snapshot, so a
// concurrent reload never mixes members of two triples.
func (d *Dispatcher) Predict(ctx context.Context, reading ml.SensorReading) (*Prediction, error) {
	snap := d.snapshot.Load()
	if snap == nil {
		return nil, ml.ErrModelUnavailable
	}
	if err := reading.Validate(); err != nil {
		return nil, err
	}
	features := ml.ExtractFeatures(reading)
	scaled, err := snap.Preprocessor.TransformVector(features)
	if err != nil {
		return nil, err
	}

	var (
		key    uint64
		result cachedResult
		hit    bool
	)
	if snap.cache != nil {
		key = fingerprint(reading)
		result, hit = snap.cache.Get(key)
	}
	if !hit {
		index, proba, err := snap.Model.Predict(scaled, reading)
		if err != nil {
			return nil, fmt.Errorf("%s predict: %w", snap.Model.Name, err)
		}
		result = cachedResult{index: index, proba: proba}
	}
	if len(result.proba) != snap.Preprocessor.NumClasses() {
		return nil, fmt.Errorf("%w: distribution has %d entries, preprocessor knows %d classes",
			ml.ErrArtifactMismatch, len(result.proba), snap.Preprocessor.NumClasses())
	}
	name, err := snap.Preprocessor.Decode(result.index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ml.ErrArtifactMismatch, err)
	}
	if snap.cache != nil && !hit {
		snap.cache.Add(key, result)
	}

	classes := snap.Preprocessor.Classes()
	probs := make(map[string]float64, len(classes))
	for i, c := range classes {
		probs[c] = result.proba[i]
	}
	p := &Prediction{
		Class:         name,
		Confidence:    result.proba[result.index],
		Probabilities: probs,
		ModelName:     snap.Metadata.ModelName,
		Cached:        hit,
	}
	if d.recorder != nil {
		if err := d.recorder.RecordPrediction(ctx, reading, p); err != nil {
			d.logger.Warn("prediction not recorded", zap.Error(err))
		}
	}
	return p, nil
}
