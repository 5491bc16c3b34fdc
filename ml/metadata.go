package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ModelMetadata describes the published model and every family's
// validation score.
type ModelMetadata struct {
	ModelName    string             `json:"model_name"`
	TestAccuracy float64            `json:"test_accuracy"`
	ClassNames   []string           `json:"class_names"`
	FeatureNames []string           `json:"feature_names"`
	AllScores    map[string]float64 `json:"all_scores"`
	TrainedAt    time.Time          `json:"trained_at"`
	RunID        string             `json:"run_id,omitempty"`
}

// NewRunID returns a fresh training run identifier.
func NewRunID() string {
	return uuid.NewString()
}

func (m *ModelMetadata) Save(path string) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, payload)
}

func LoadMetadata(path string) (*ModelMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m ModelMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if m.ModelName == "" || len(m.ClassNames) == 0 {
		return nil, fmt.Errorf("%w: metadata lacks model name or classes", ErrCorruptArtifact)
	}
	return &m, nil
}
