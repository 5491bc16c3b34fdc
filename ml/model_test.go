package ml

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedVector struct{ proba []float64 }

func (f fixedVector) Fit([][]float64, []int, int) error         { return nil }
func (f fixedVector) PredictProba([]float64) ([]float64, error) { return f.proba, nil }
func (f fixedVector) NumClasses() int                           { return len(f.proba) }

// recordingSequence captures the signal it was asked to classify.
type recordingSequence struct {
	seen  []float64
	proba []float64
	err   error
}

func (r *recordingSequence) PredictSignal(signal []float64) ([]float64, error) {
	r.seen = signal
	return r.proba, r.err
}

func (r *recordingSequence) NumClasses() int { return len(r.proba) }

func TestTrainedModelPredictVector(t *testing.T) {
	model := NewVectorModel("fixed", fixedVector{proba: []float64{0.1, 0.7, 0.2}})
	idx, proba, err := model.Predict(make([]float64, FeatureCount), SensorReading{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, []float64{0.1, 0.7, 0.2}, proba)
	assert.Equal(t, 3, model.NumClasses())
}

func TestTrainedModelPredictSequenceNormalizesSignal(t *testing.T) {
	seq := &recordingSequence{proba: []float64{0.6, 0.4}}
	model := NewSequenceModel(ModelCNN, seq)
	reading := SensorReading{Signal: []float64{1, 2, 3, 4, 5}}

	idx, _, err := model.Predict(nil, reading)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	require.Len(t, seq.seen, 5)
	assert.InDelta(t, 0, seq.seen[2], 1e-9)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, reading.Signal, "raw signal must not be modified")
}

func TestTrainedModelPredictErrors(t *testing.T) {
	seq := &recordingSequence{err: errors.New("backend down")}
	_, _, err := NewSequenceModel(ModelCNN, seq).Predict(nil, SensorReading{Signal: []float64{1}})
	assert.Error(t, err)

	_, _, err = NewVectorModel("empty", fixedVector{}).Predict(nil, SensorReading{})
	assert.Error(t, err)

	_, _, err = (&TrainedModel{Name: "x", Family: "tabular"}).Predict(nil, SensorReading{})
	assert.Error(t, err)
}

func TestArgmaxFirstMaximum(t *testing.T) {
	assert.Equal(t, 1, Argmax([]float64{0.2, 0.4, 0.4}))
	assert.Equal(t, 0, Argmax([]float64{0.5}))
}
