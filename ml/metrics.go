package ml

import (
	"encoding/json"
	"fmt"
	"strings"
)

func Accuracy(truth, predicted []int) float64 {
	if len(truth) == 0 || len(truth) != len(predicted) {
		return 0
	}
	correct := 0
	for i := range truth {
		if truth[i] == predicted[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(truth))
}

// ClassReport holds the one-vs-rest scores of a single class.
type ClassReport struct {
	Class     string  `json:"class"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Support   int     `json:"support"`
}

// EvaluationReport aggregates per-class scores weighted by support. A
// zero denominator yields 0, never an error.
type EvaluationReport struct {
	ModelName       string        `json:"model_name"`
	Accuracy        float64       `json:"accuracy"`
	Precision       float64       `json:"precision"`
	Recall          float64       `json:"recall"`
	F1              float64       `json:"f1_score"`
	ConfusionMatrix [][]int       `json:"confusion_matrix"`
	PerClass        []ClassReport `json:"per_class"`
	Samples         int           `json:"samples"`
}

// Evaluate builds the report. ConfusionMatrix[i][j] counts true class i
// predicted as class j.
func Evaluate(truth, predicted []int, classNames []string) (*EvaluationReport, error) {
	if len(truth) != len(predicted) {
		return nil, fmt.Errorf("truth/predicted length mismatch: %d vs %d", len(truth), len(predicted))
	}
	k := len(classNames)
	matrix := make([][]int, k)
	for i := range matrix {
		matrix[i] = make([]int, k)
	}
	for i := range truth {
		if truth[i] < 0 || truth[i] >= k || predicted[i] < 0 || predicted[i] >= k {
			return nil, fmt.Errorf("label out of range at row %d", i)
		}
		matrix[truth[i]][predicted[i]]++
	}

	report := &EvaluationReport{
		Accuracy:        Accuracy(truth, predicted),
		ConfusionMatrix: matrix,
		PerClass:        make([]ClassReport, k),
		Samples:         len(truth),
	}
	for c := 0; c < k; c++ {
		tp := matrix[c][c]
		support, predictedCount := 0, 0
		for j := 0; j < k; j++ {
			support += matrix[c][j]
			predictedCount += matrix[j][c]
		}
		precision := safeDiv(float64(tp), float64(predictedCount))
		recall := safeDiv(float64(tp), float64(support))
		f1 := safeDiv(2*precision*recall, precision+recall)
		report.PerClass[c] = ClassReport{
			Class:     classNames[c],
			Precision: precision,
			Recall:    recall,
			F1:        f1,
			Support:   support,
		}
		if len(truth) > 0 {
			w := float64(support) / float64(len(truth))
			report.Precision += w * precision
			report.Recall += w * recall
			report.F1 += w * f1
		}
	}
	return report, nil
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Text renders the report as a fixed-width table.
func (r *EvaluationReport) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model: %s\n", r.ModelName)
	fmt.Fprintf(&b, "accuracy: %.4f  precision: %.4f  recall: %.4f  f1: %.4f\n\n", r.Accuracy, r.Precision, r.Recall, r.F1)
	fmt.Fprintf(&b, "%-14s %9s %9s %9s %8s\n", "class", "precision", "recall", "f1-score", "support")
	for _, c := range r.PerClass {
		fmt.Fprintf(&b, "%-14s %9.4f %9.4f %9.4f %8d\n", c.Class, c.Precision, c.Recall, c.F1, c.Support)
	}
	return b.String()
}

func (r *EvaluationReport) Save(path string) error {
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, payload)
}
