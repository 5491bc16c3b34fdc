package ml

import (
	"fmt"
)

// Family is the input representation a trained model consumes.
type Family string

const (
	FamilyVector   Family = "vector"
	FamilySequence Family = "sequence"
)

// Model family names, in fixed training order.
const (
	ModelRandomForest = "random_forest"
	ModelSVM          = "svm"
	ModelCNN          = "cnn"
)

// VectorClassifier predicts a class distribution from a scaled feature vector.
type VectorClassifier interface {
	Fit(features [][]float64, labels []int, numClasses int) error
	PredictProba(features []float64) ([]float64, error)
	NumClasses() int
}

// SequenceClassifier predicts a class distribution from a normalized signal.
type SequenceClassifier interface {
	PredictSignal(signal []float64) ([]float64, error)
	NumClasses() int
}

// TrainedModel is a classifier tagged with its family. Exactly one of
// Vector and Sequence is set, matching Family. RunID names the training run
// that produced it.
type TrainedModel struct {
	Name     string
	Family   Family
	RunID    string
	Vector   VectorClassifier
	Sequence SequenceClassifier
}

func NewVectorModel(name string, c VectorClassifier) *TrainedModel {
	return &TrainedModel{Name: name, Family: FamilyVector, Vector: c}
}

func NewSequenceModel(name string, c SequenceClassifier) *TrainedModel {
	return &TrainedModel{Name: name, Family: FamilySequence, Sequence: c}
}

// NumClasses is the width of the distribution the model emits.
func (m *TrainedModel) NumClasses() int {
	switch m.Family {
	case FamilyVector:
		return m.Vector.NumClasses()
	case FamilySequence:
		return m.Sequence.NumClasses()
	}
	return 0
}

// Predict returns the argmax class index and the full distribution. The
// vector family reads scaled; the sequence family normalizes reading.Signal
// on its own statistics and ignores scaled.
func (m *TrainedModel) Predict(scaled []float64, reading SensorReading) (int, []float64, error) {
	var (
		proba []float64
		err   error
	)
	switch m.Family {
	case FamilyVector:
		proba, err = m.Vector.PredictProba(scaled)
	case FamilySequence:
		proba, err = m.Sequence.PredictSignal(ZNormalize(reading.Signal))
	default:
		return 0, nil, fmt.Errorf("unknown model family %q", m.Family)
	}
	if err != nil {
		return 0, nil, err
	}
	if len(proba) == 0 {
		return 0, nil, fmt.Errorf("%s returned an empty distribution", m.Name)
	}
	return Argmax(proba), proba, nil
}

// Argmax returns the first index of the largest value.
func Argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// predictLabels is the accuracy path for vector classifiers.
func predictLabels(c VectorClassifier, features [][]float64) ([]int, error) {
	out := make([]int, len(features))
	for i, row := range features {
		proba, err := c.PredictProba(row)
		if err != nil {
			return nil, err
		}
		out[i] = Argmax(proba)
	}
	return out, nil
}
