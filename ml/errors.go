package ml

import (
	"errors"
	"fmt"
)

var (
	ErrPreprocessorNotFitted     = errors.New("preprocessor not fitted")
	ErrModelUnavailable          = errors.New("model not loaded")
	ErrArtifactMismatch          = errors.New("model and preprocessor artifacts do not match")
	ErrTrainingFamilyUnavailable = errors.New("training family unavailable")
	ErrCorruptArtifact           = errors.New("corrupt artifact")
	ErrModelNotTrained           = errors.New("model not trained")
)

// DataValidationError reports a sensor value outside its physical range.
type DataValidationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *DataValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}
