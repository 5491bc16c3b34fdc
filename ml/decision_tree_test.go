package ml

import "testing"

func TestDecisionTreeFitPredict(t *testing.T) {
	features := [][]float64{
		{0.1, 0.2},
		{0.2, 0.1},
		{0.9, 0.8},
		{0.8, 0.9},
	}
	labels := []int{0, 0, 2, 2}

	model := NewDecisionTree(TreeConfig{MaxDepth: 2})
	if err := model.Fit(features, labels, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proba, err := model.PredictProba([]float64{0.15, 0.15})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proba) != 3 {
		t.Fatalf("expected 3 probabilities, got %d", len(proba))
	}
	if label := Argmax(proba); label != 0 {
		t.Fatalf("expected label 0, got %d", label)
	}
	if proba[0] <= 0 {
		t.Fatalf("expected confidence > 0")
	}
}

func TestDecisionTreeChildIndicesAreAbsolute(t *testing.T) {
	features := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}, {6}, {7}}
	labels := []int{0, 0, 1, 1, 0, 0, 1, 1}

	model := NewDecisionTree(TreeConfig{})
	if err := model.Fit(features, labels, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, row := range features {
		proba, err := model.PredictProba(row)
		if err != nil {
			t.Fatalf("row %d: unexpected error: %v", i, err)
		}
		if got := Argmax(proba); got != labels[i] {
			t.Fatalf("row %d: expected %d, got %d", i, labels[i], got)
		}
	}
}

func TestDecisionTreeNotTrained(t *testing.T) {
	model := NewDecisionTree(TreeConfig{})
	if _, err := model.PredictProba([]float64{1}); err == nil {
		t.Fatalf("expected error for untrained tree")
	}
}
