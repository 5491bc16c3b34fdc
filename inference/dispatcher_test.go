package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"etongue/ml"
	"etongue/ml/nn"
)

type fixedClassifier struct {
	proba []float64
	calls atomic.Int32
}

func (f *fixedClassifier) Fit([][]float64, []int, int) error { return nil }

func (f *fixedClassifier) PredictProba([]float64) ([]float64, error) {
	f.calls.Add(1)
	return append([]float64(nil), f.proba...), nil
}

func (f *fixedClassifier) NumClasses() int { return len(f.proba) }

type memoryRecorder struct {
	mu   sync.Mutex
	seen []*Prediction
	fail bool
}

func (r *memoryRecorder) RecordPrediction(_ context.Context, _ ml.SensorReading, p *Prediction) error {
	if r.fail {
		return errors.New("disk full")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, p)
	return nil
}

func reading(ph float64) ml.SensorReading {
	return ml.SensorReading{PH: ph, Conductivity: 1.2, Temperature: 26, Signal: []float64{0.1, 0.4, 0.9, 0.4, 0.1}}
}

// classReading separates class c from its neighbours on every feature.
func classReading(c int, jitter float64) ml.SensorReading {
	scale := float64(c + 1)
	return ml.SensorReading{
		PH:           2 + 4*float64(c) + jitter,
		Conductivity: 0.5 + float64(c) + jitter,
		Temperature:  20 + 5*float64(c),
		Signal:       []float64{0.1 * scale, 0.4 * scale, 0.9*scale + jitter, 0.4 * scale, 0.1 * scale},
	}
}

func labeledReadings(classes []string, perClass int) ([]ml.SensorReading, []string) {
	var readings []ml.SensorReading
	var labels []string
	for c, name := range classes {
		for i := 0; i < perClass; i++ {
			readings = append(readings, classReading(c, 0.05*float64(i)))
			labels = append(labels, name)
		}
	}
	return readings, labels
}

func fittedPreprocessor(t *testing.T, classes ...string) *ml.Preprocessor {
	t.Helper()
	readings, labels := labeledReadings(classes, 5)
	pre := ml.NewPreprocessor()
	require.NoError(t, pre.Fit(ml.ExtractFeatureMatrix(readings), labels))
	return pre
}

func metadataFor(name string, pre *ml.Preprocessor) *ml.ModelMetadata {
	return &ml.ModelMetadata{
		ModelName:    name,
		ClassNames:   pre.Classes(),
		FeatureNames: pre.FeatureNames(),
	}
}

func publishFixed(t *testing.T, d *Dispatcher, name string, proba ...float64) *fixedClassifier {
	t.Helper()
	pre := fittedPreprocessor(t, "A", "B", "C")
	fake := &fixedClassifier{proba: proba}
	require.NoError(t, d.Publish(ml.NewVectorModel(name, fake), pre, metadataFor(name, pre)))
	return fake
}

func TestPredictWithoutModel(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Predict(context.Background(), reading(7))
	assert.ErrorIs(t, err, ml.ErrModelUnavailable)
	assert.False(t, d.Status().Loaded)
	assert.Nil(t, d.Current())
}

func TestPredictDecodesDistribution(t *testing.T) {
	d := NewDispatcher(WithLogger(zaptest.NewLogger(t)))
	publishFixed(t, d, ml.ModelSVM, 0.1, 0.7, 0.2)

	p, err := d.Predict(context.Background(), reading(6.8))
	require.NoError(t, err)
	assert.Equal(t, "B", p.Class)
	assert.Equal(t, 0.7, p.Confidence)
	assert.Equal(t, map[string]float64{"A": 0.1, "B": 0.7, "C": 0.2}, p.Probabilities)
	assert.Equal(t, ml.ModelSVM, p.ModelName)
	assert.False(t, p.Cached)

	st := d.Status()
	assert.True(t, st.Loaded)
	assert.Equal(t, ml.ModelSVM, st.ModelName)
	assert.Equal(t, []string{"A", "B", "C"}, st.Classes)
	assert.Empty(t, st.LastError)
}

func TestPredictRejectsInvalidReading(t *testing.T) {
	d := NewDispatcher()
	fake := publishFixed(t, d, ml.ModelSVM, 0.1, 0.7, 0.2)

	bad := reading(15)
	_, err := d.Predict(context.Background(), bad)
	var verr *ml.DataValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ph", verr.Field)

	empty := reading(7)
	empty.Signal = nil
	_, err = d.Predict(context.Background(), empty)
	assert.ErrorAs(t, err, &verr)
	assert.Zero(t, fake.calls.Load())
}

func TestPredictionCache(t *testing.T) {
	d := NewDispatcher(WithCacheSize(8))
	fake := publishFixed(t, d, ml.ModelSVM, 0.1, 0.7, 0.2)

	first, err := d.Predict(context.Background(), reading(6.8))
	require.NoError(t, err)
	second, err := d.Predict(context.Background(), reading(6.8))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Probabilities, second.Probabilities)
	assert.EqualValues(t, 1, fake.calls.Load())

	_, err = d.Predict(context.Background(), reading(6.9))
	require.NoError(t, err)
	assert.EqualValues(t, 2, fake.calls.Load())

	// a new snapshot starts with an empty cache
	fresh := publishFixed(t, d, ml.ModelSVM, 0.1, 0.7, 0.2)
	p, err := d.Predict(context.Background(), reading(6.8))
	require.NoError(t, err)
	assert.False(t, p.Cached)
	assert.EqualValues(t, 1, fresh.calls.Load())
}

func TestPredictionCacheDisabled(t *testing.T) {
	d := NewDispatcher(WithCacheSize(0))
	fake := publishFixed(t, d, ml.ModelSVM, 0.1, 0.7, 0.2)
	for i := 0; i < 3; i++ {
		p, err := d.Predict(context.Background(), reading(6.8))
		require.NoError(t, err)
		assert.False(t, p.Cached)
	}
	assert.EqualValues(t, 3, fake.calls.Load())
}

func TestPublishRejectsInconsistentTriples(t *testing.T) {
	d := NewDispatcher()
	publishFixed(t, d, ml.ModelSVM, 0.1, 0.7, 0.2)
	pre := fittedPreprocessor(t, "A", "B", "C")

	cases := map[string]struct {
		model *ml.TrainedModel
		meta  *ml.ModelMetadata
	}{
		"class count": {
			model: ml.NewVectorModel(ml.ModelSVM, &fixedClassifier{proba: []float64{0.5, 0.5}}),
			meta:  metadataFor(ml.ModelSVM, pre),
		},
		"class order": {
			model: ml.NewVectorModel(ml.ModelSVM, &fixedClassifier{proba: []float64{0.2, 0.3, 0.5}}),
			meta:  &ml.ModelMetadata{ModelName: ml.ModelSVM, ClassNames: []string{"C", "B", "A"}},
		},
		"model name": {
			model: ml.NewVectorModel(ml.ModelRandomForest, &fixedClassifier{proba: []float64{0.2, 0.3, 0.5}}),
			meta:  metadataFor(ml.ModelSVM, pre),
		},
		"feature names": {
			model: ml.NewVectorModel(ml.ModelSVM, &fixedClassifier{proba: []float64{0.2, 0.3, 0.5}}),
			meta:  &ml.ModelMetadata{ModelName: ml.ModelSVM, ClassNames: pre.Classes(), FeatureNames: []string{"x"}},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := d.Publish(tc.model, pre, tc.meta)
			assert.ErrorIs(t, err, ml.ErrArtifactMismatch)
			assert.NotEmpty(t, d.Status().LastError)

			// the previous triple keeps serving
			p, err := d.Predict(context.Background(), reading(6.8))
			require.NoError(t, err)
			assert.Equal(t, "B", p.Class)
		})
	}

	assert.ErrorIs(t, d.Publish(ml.NewVectorModel(ml.ModelSVM, &fixedClassifier{proba: []float64{1, 0, 0}}), ml.NewPreprocessor(), metadataFor(ml.ModelSVM, pre)),
		ml.ErrPreprocessorNotFitted)
	assert.Error(t, d.Publish(nil, pre, nil))
}

func TestPredictRejectsWrongWidthDistribution(t *testing.T) {
	d := NewDispatcher()
	pre := fittedPreprocessor(t, "A", "B", "C")
	// NumClasses matches but the emitted distribution does not
	liar := &widthLiar{}
	require.NoError(t, d.Publish(ml.NewVectorModel(ml.ModelSVM, liar), pre, metadataFor(ml.ModelSVM, pre)))
	_, err := d.Predict(context.Background(), reading(6.8))
	assert.ErrorIs(t, err, ml.ErrArtifactMismatch)
}

type widthLiar struct{}

func (widthLiar) Fit([][]float64, []int, int) error         { return nil }
func (widthLiar) PredictProba([]float64) ([]float64, error) { return []float64{0.5, 0.5}, nil }
func (widthLiar) NumClasses() int                           { return 3 }

func TestRecorderReceivesPredictions(t *testing.T) {
	rec := &memoryRecorder{}
	d := NewDispatcher(WithRecorder(rec))
	publishFixed(t, d, ml.ModelSVM, 0.1, 0.7, 0.2)

	for i := 0; i < 3; i++ {
		_, err := d.Predict(context.Background(), reading(6.8))
		require.NoError(t, err)
	}
	require.Len(t, rec.seen, 3)
	assert.True(t, rec.seen[2].Cached)

	failing := NewDispatcher(WithRecorder(&memoryRecorder{fail: true}))
	publishFixed(t, failing, ml.ModelSVM, 0.1, 0.7, 0.2)
	p, err := failing.Predict(context.Background(), reading(6.8))
	require.NoError(t, err)
	assert.Equal(t, "B", p.Class)
}

func TestConcurrentPredictDuringReload(t *testing.T) {
	d := NewDispatcher()
	pre := fittedPreprocessor(t, "A", "B", "C")
	triples := []struct {
		model *ml.TrainedModel
		meta  *ml.ModelMetadata
		want  string
	}{
		{ml.NewVectorModel(ml.ModelSVM, &fixedClassifier{proba: []float64{0.1, 0.7, 0.2}}), metadataFor(ml.ModelSVM, pre), "B"},
		{ml.NewVectorModel(ml.ModelRandomForest, &fixedClassifier{proba: []float64{0.8, 0.1, 0.1}}), metadataFor(ml.ModelRandomForest, pre), "A"},
	}
	want := map[string]string{}
	for _, tr := range triples {
		want[tr.meta.ModelName] = tr.want
	}
	require.NoError(t, d.Publish(triples[0].model, pre, triples[0].meta))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tr := triples[i%2]
			_ = d.Publish(tr.model, pre, tr.meta)
		}
	}()

	var mismatches atomic.Int32
	var readers sync.WaitGroup
	for g := 0; g < 4; g++ {
		readers.Add(1)
		go func(g int) {
			defer readers.Done()
			for i := 0; i < 200; i++ {
				p, err := d.Predict(context.Background(), reading(6+0.01*float64(i%5)))
				if err != nil || want[p.ModelName] != p.Class {
					mismatches.Add(1)
				}
			}
		}(g)
	}
	readers.Wait()
	close(stop)
	wg.Wait()
	assert.Zero(t, mismatches.Load())
}

// writeArtifacts trains a small forest and stores the full artifact set in
// dir, stamped with runID.
func writeArtifacts(t *testing.T, dir, runID string) {
	t.Helper()
	classes := []string{"Amla", "Neem", "Tulsi"}
	readings, labels := labeledReadings(classes, 8)
	pre := ml.NewPreprocessor()
	require.NoError(t, pre.Fit(ml.ExtractFeatureMatrix(readings), labels))
	scaled, err := pre.Transform(ml.ExtractFeatureMatrix(readings))
	require.NoError(t, err)
	y, err := pre.EncodeAll(labels)
	require.NoError(t, err)

	forest := ml.NewRandomForest(ml.ForestConfig{NEstimators: 10, MaxDepth: 4, Seed: 1})
	require.NoError(t, forest.Fit(scaled, y, pre.NumClasses()))

	model := ml.NewVectorModel(ml.ModelRandomForest, forest)
	model.RunID = runID
	pre.SetRunID(runID)
	meta := metadataFor(ml.ModelRandomForest, pre)
	meta.RunID = runID

	require.NoError(t, ml.SaveModel(filepath.Join(dir, ml.ModelFile), model))
	require.NoError(t, pre.Save(filepath.Join(dir, ml.PreprocessorFile)))
	require.NoError(t, meta.Save(filepath.Join(dir, ml.MetadataFile)))
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "run-1")

	d := NewDispatcher(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, d.Load(dir))

	p, err := d.Predict(context.Background(), classReading(0, 0.1))
	require.NoError(t, err)
	assert.Equal(t, "Amla", p.Class)
	p, err = d.Predict(context.Background(), classReading(2, 0.1))
	require.NoError(t, err)
	assert.Equal(t, "Tulsi", p.Class)
	assert.InDelta(t, 1.0, p.Probabilities["Amla"]+p.Probabilities["Neem"]+p.Probabilities["Tulsi"], 1e-9)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ml.ModelFile), []byte("{not json"), 0o644))
	err = d.Load(dir)
	assert.ErrorIs(t, err, ml.ErrCorruptArtifact)
	st := d.Status()
	assert.True(t, st.Loaded)
	assert.NotEmpty(t, st.LastError)

	_, err = d.Predict(context.Background(), classReading(0, 0.1))
	assert.NoError(t, err)
}

func TestLoadRejectsArtifactsFromDifferentRuns(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, "run-1")
	d := NewDispatcher()
	require.NoError(t, d.Load(dir))

	// a newer run whose save stopped after the preprocessor
	newer := t.TempDir()
	writeArtifacts(t, newer, "run-2")
	raw, err := os.ReadFile(filepath.Join(newer, ml.PreprocessorFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ml.PreprocessorFile), raw, 0o644))

	err = d.Load(dir)
	assert.ErrorIs(t, err, ml.ErrArtifactMismatch)
	st := d.Status()
	assert.True(t, st.Loaded)
	assert.Contains(t, st.LastError, "run ids differ")

	raw, err = os.ReadFile(filepath.Join(newer, ml.ModelFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ml.ModelFile), raw, 0o644))
	assert.ErrorIs(t, d.Load(dir), ml.ErrArtifactMismatch)

	raw, err = os.ReadFile(filepath.Join(newer, ml.MetadataFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ml.MetadataFile), raw, 0o644))
	require.NoError(t, d.Load(dir))
	assert.Empty(t, d.Status().LastError)
}

func TestLoadSequenceArtifact(t *testing.T) {
	dir := t.TempDir()
	classes := []string{"Amla", "Neem", "Tulsi"}
	readings, labels := labeledReadings(classes, 4)
	pre := ml.NewPreprocessor()
	require.NoError(t, pre.Fit(ml.ExtractFeatureMatrix(readings), labels))
	y, err := pre.EncodeAll(labels)
	require.NoError(t, err)

	cfg := nn.DefaultConfig(len(classes))
	cfg.Filters = []int{2, 3}
	cfg.DenseUnits = 4
	cfg.Epochs = 2
	cfg.BatchSize = 4
	net, err := nn.New(cfg)
	require.NoError(t, err)
	signals := make([][]float64, len(readings))
	for i, r := range readings {
		signals[i] = r.Signal
	}
	require.NoError(t, net.Fit(context.Background(), ml.ZNormalizeBatch(signals), y, nil))

	model := ml.NewSequenceModel(ml.ModelCNN, net)
	model.RunID = "run-cnn"
	pre.SetRunID("run-cnn")
	meta := metadataFor(ml.ModelCNN, pre)
	meta.RunID = "run-cnn"
	require.NoError(t, ml.SaveModel(filepath.Join(dir, ml.ModelFile), model))
	require.NoError(t, pre.Save(filepath.Join(dir, ml.PreprocessorFile)))
	require.NoError(t, meta.Save(filepath.Join(dir, ml.MetadataFile)))

	d := NewDispatcher()
	require.NoError(t, d.Load(dir))
	p, err := d.Predict(context.Background(), classReading(1, 0.1))
	require.NoError(t, err)
	assert.Equal(t, ml.ModelCNN, p.ModelName)

	sum, top := 0.0, 0.0
	for _, v := range p.Probabilities {
		sum += v
		top = max(top, v)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, top, p.Confidence)
	assert.Equal(t, top, p.Probabilities[p.Class])
}

func TestLoadMissingDirectory(t *testing.T) {
	d := NewDispatcher()
	err := d.Load(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
	assert.False(t, d.Status().Loaded)
	assert.NotEmpty(t, d.Status().LastError)
}

func TestFingerprint(t *testing.T) {
	a := reading(7)
	b := reading(7)
	assert.Equal(t, fingerprint(a), fingerprint(b))

	b.Signal = append(b.Signal, 0)
	assert.NotEqual(t, fingerprint(a), fingerprint(b))

	c := reading(7.000000001)
	assert.NotEqual(t, fingerprint(a), fingerprint(c))
}
