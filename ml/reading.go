package ml

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SensorReading is one e-tongue measurement: three scalars plus a voltammetry trace.
type SensorReading struct {
	PH           float64   `json:"ph"`
	Conductivity float64   `json:"conductivity"`
	Temperature  float64   `json:"temperature"`
	Signal       []float64 `json:"voltammetry"`
}

// LabeledSample is one dataset row.
type LabeledSample struct {
	Class   string
	Reading SensorReading
}

// Validate checks the physical ranges accepted for a live request.
func (r SensorReading) Validate() error {
	if err := checkRange("ph", r.PH, 0, 14); err != nil {
		return err
	}
	if err := checkRange("conductivity", r.Conductivity, 0, math.Inf(1)); err != nil {
		return err
	}
	if err := checkRange("temperature", r.Temperature, 0, 100); err != nil {
		return err
	}
	if len(r.Signal) == 0 {
		return &DataValidationError{Field: "voltammetry", Reason: "signal must have at least one point"}
	}
	for i, v := range r.Signal {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &DataValidationError{Field: fmt.Sprintf("voltammetry[%d]", i), Value: v, Reason: "not a finite number"}
		}
	}
	return nil
}

func checkRange(field string, v, lo, hi float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &DataValidationError{Field: field, Value: v, Reason: "not a finite number"}
	}
	if v < lo || v > hi {
		if math.IsInf(hi, 1) {
			return &DataValidationError{Field: field, Value: v, Reason: fmt.Sprintf("must be >= %v", lo)}
		}
		return &DataValidationError{Field: field, Value: v, Reason: fmt.Sprintf("must be within [%v, %v]", lo, hi)}
	}
	return nil
}

// FormatSignal serializes a signal as a single comma-joined field.
func FormatSignal(signal []float64) string {
	parts := make([]string, len(signal))
	for i, v := range signal {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseSignal is the inverse of FormatSignal. An empty field is an empty signal.
func ParseSignal(field string) ([]float64, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return []float64{}, nil
	}
	parts := strings.Split(field, ",")
	signal := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("signal point %d: %w", i, err)
		}
		signal[i] = v
	}
	return signal, nil
}
