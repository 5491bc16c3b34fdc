package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Preprocessor holds the feature standardization and the class index order.
// Fit once, then treat as read-only; Transform and Decode are safe for
// concurrent use after that.
type Preprocessor struct {
	means        []float64
	stds         []float64
	classes      []string
	classIndex   map[string]int
	featureNames []string
	fitted       bool
	runID        string
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

// Fit computes population mean/std per feature and orders the classes
// lexicographically. A constant feature gets std 1 so it scales to 0.
func (p *Preprocessor) Fit(features [][]float64, labels []string) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	if len(features) != len(labels) {
		return fmt.Errorf("features/labels length mismatch: %d vs %d", len(features), len(labels))
	}
	width := len(features[0])
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, expected %d", i, len(row), width)
		}
	}

	means := make([]float64, width)
	stds := make([]float64, width)
	column := make([]float64, len(features))
	for j := 0; j < width; j++ {
		for i, row := range features {
			column[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		if std == 0 {
			std = 1
		}
		means[j] = mean
		stds[j] = std
	}

	seen := make(map[string]struct{})
	classes := make([]string, 0)
	for _, label := range labels {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		classes = append(classes, label)
	}
	sort.Strings(classes)

	p.means = means
	p.stds = stds
	p.setClasses(classes)
	if width == FeatureCount {
		p.featureNames = FeatureNames()
	} else {
		p.featureNames = genericFeatureNames(width)
	}
	p.fitted = true
	return nil
}

func (p *Preprocessor) setClasses(classes []string) {
	p.classes = classes
	p.classIndex = make(map[string]int, len(classes))
	for i, name := range classes {
		p.classIndex[name] = i
	}
}

func (p *Preprocessor) Fitted() bool {
	return p != nil && p.fitted
}

// Transform scales every row with the fitted statistics.
func (p *Preprocessor) Transform(features [][]float64) ([][]float64, error) {
	if !p.Fitted() {
		return nil, ErrPreprocessorNotFitted
	}
	out := make([][]float64, len(features))
	for i, row := range features {
		scaled, err := p.TransformVector(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

func (p *Preprocessor) TransformVector(features []float64) ([]float64, error) {
	if !p.Fitted() {
		return nil, ErrPreprocessorNotFitted
	}
	if len(features) != len(p.means) {
		return nil, fmt.Errorf("expected %d features, got %d", len(p.means), len(features))
	}
	scaled := make([]float64, len(features))
	for i, v := range features {
		scaled[i] = (v - p.means[i]) / p.stds[i]
	}
	return scaled, nil
}

func (p *Preprocessor) Encode(name string) (int, error) {
	if !p.Fitted() {
		return 0, ErrPreprocessorNotFitted
	}
	idx, ok := p.classIndex[name]
	if !ok {
		return 0, fmt.Errorf("unknown class %q", name)
	}
	return idx, nil
}

func (p *Preprocessor) EncodeAll(names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		idx, err := p.Encode(name)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

func (p *Preprocessor) Decode(index int) (string, error) {
	if !p.Fitted() {
		return "", ErrPreprocessorNotFitted
	}
	if index < 0 || index >= len(p.classes) {
		return "", fmt.Errorf("class index %d out of range [0, %d)", index, len(p.classes))
	}
	return p.classes[index], nil
}

func (p *Preprocessor) Classes() []string {
	return append([]string(nil), p.classes...)
}

func (p *Preprocessor) NumClasses() int {
	return len(p.classes)
}

// RunID names the training run the preprocessor was fitted in.
func (p *Preprocessor) RunID() string {
	return p.runID
}

func (p *Preprocessor) SetRunID(id string) {
	p.runID = id
}

func (p *Preprocessor) FeatureNames() []string {
	return append([]string(nil), p.featureNames...)
}

// preprocessorBundle uses pointers so a missing key is distinguishable from
// an empty value.
type preprocessorBundle struct {
	Means        *[]float64 `json:"means"`
	Stds         *[]float64 `json:"stds"`
	Classes      *[]string  `json:"classes"`
	FeatureNames *[]string  `json:"feature_names"`
	Fitted       *bool      `json:"fitted"`
	RunID        string     `json:"run_id,omitempty"`
}

func (p *Preprocessor) Save(path string) error {
	if !p.Fitted() {
		return ErrPreprocessorNotFitted
	}
	bundle := preprocessorBundle{
		Means:        &p.means,
		Stds:         &p.stds,
		Classes:      &p.classes,
		FeatureNames: &p.featureNames,
		Fitted:       &p.fitted,
		RunID:        p.runID,
	}
	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, payload)
}

// LoadPreprocessor restores a bundle written by Save. Any missing or
// inconsistent part is rejected as ErrCorruptArtifact.
func LoadPreprocessor(path string) (*Preprocessor, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bundle preprocessorBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	switch {
	case bundle.Means == nil, bundle.Stds == nil:
		return nil, fmt.Errorf("%w: missing scaling statistics", ErrCorruptArtifact)
	case bundle.Classes == nil:
		return nil, fmt.Errorf("%w: missing class mapping", ErrCorruptArtifact)
	case bundle.FeatureNames == nil:
		return nil, fmt.Errorf("%w: missing feature names", ErrCorruptArtifact)
	case bundle.Fitted == nil || !*bundle.Fitted:
		return nil, fmt.Errorf("%w: preprocessor was not fitted", ErrCorruptArtifact)
	}
	means, stds, classes, names := *bundle.Means, *bundle.Stds, *bundle.Classes, *bundle.FeatureNames
	if len(means) == 0 || len(means) != len(stds) || len(names) != len(means) {
		return nil, fmt.Errorf("%w: statistics width mismatch (means=%d stds=%d names=%d)",
			ErrCorruptArtifact, len(means), len(stds), len(names))
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: empty class mapping", ErrCorruptArtifact)
	}
	if !sort.StringsAreSorted(classes) {
		return nil, fmt.Errorf("%w: class mapping is not sorted", ErrCorruptArtifact)
	}
	for _, s := range stds {
		if s == 0 {
			return nil, fmt.Errorf("%w: zero scale", ErrCorruptArtifact)
		}
	}

	p := &Preprocessor{
		means:        means,
		stds:         stds,
		featureNames: names,
		fitted:       true,
		runID:        bundle.RunID,
	}
	p.setClasses(classes)
	if len(p.classIndex) != len(classes) {
		return nil, fmt.Errorf("%w: duplicate class names", ErrCorruptArtifact)
	}
	return p, nil
}

func genericFeatureNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}
	return names
}

// writeFileAtomic writes to a sibling temp file and renames it into place.
func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
