package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"etongue/ml/nn"
)

type modelEnvelope struct {
	Name    string          `json:"name"`
	Family  Family          `json:"family"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SaveModel writes the model with its family tag so LoadModel can restore
// the right concrete type.
func SaveModel(path string, model *TrainedModel) error {
	if model == nil {
		return ErrModelNotTrained
	}
	var inner any
	switch model.Family {
	case FamilyVector:
		inner = model.Vector
	case FamilySequence:
		inner = model.Sequence
	default:
		return fmt.Errorf("unknown model family %q", model.Family)
	}
	payload, err := json.Marshal(inner)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(modelEnvelope{Name: model.Name, Family: model.Family, RunID: model.RunID, Payload: payload})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, envelope)
}

func LoadModel(path string) (*TrainedModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env modelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: model payload missing", ErrCorruptArtifact)
	}

	var model *TrainedModel
	switch env.Name {
	case ModelRandomForest:
		rf := &RandomForest{}
		if err := json.Unmarshal(env.Payload, rf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		if err := rf.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		model = NewVectorModel(env.Name, rf)
	case ModelSVM:
		svm := &SVM{}
		if err := json.Unmarshal(env.Payload, svm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		if err := svm.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		model = NewVectorModel(env.Name, svm)
	case ModelCNN:
		net := &nn.Network{}
		if err := json.Unmarshal(env.Payload, net); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		if err := net.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		model = NewSequenceModel(env.Name, net)
	default:
		return nil, errors.New("unsupported model type " + env.Name)
	}
	if env.Family != "" && env.Family != model.Family {
		return nil, fmt.Errorf("%w: %s tagged as %s family", ErrCorruptArtifact, env.Name, env.Family)
	}
	model.RunID = env.RunID
	return model, nil
}
