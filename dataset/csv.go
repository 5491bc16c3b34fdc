package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"etongue/ml"
)

var csvHeader = []string{"dravya", "ph", "conductivity", "temperature", "voltammetry"}

// WriteCSV writes one row per sample; the signal is a single quoted field.
func WriteCSV(w io.Writer, samples []ml.LabeledSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			s.Class,
			formatFloat(s.Reading.PH),
			formatFloat(s.Reading.Conductivity),
			formatFloat(s.Reading.Temperature),
			ml.FormatSignal(s.Reading.Signal),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteCSVFile(path string, samples []ml.LabeledSample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCSV parses rows written by WriteCSV. Columns are located by header
// name, and class labels are NFC-normalized.
func ReadCSV(r io.Reader) ([]ml.LabeledSample, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("dataset is empty")
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range csvHeader {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("dataset missing column %q", name)
		}
	}

	var samples []ml.LabeledSample
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		sample, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func ReadCSVFile(path string) ([]ml.LabeledSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

func parseRow(rec []string, cols map[string]int) (ml.LabeledSample, error) {
	var s ml.LabeledSample
	s.Class = norm.NFC.String(strings.TrimSpace(rec[cols["dravya"]]))
	if s.Class == "" {
		return s, errors.New("empty class label")
	}
	var err error
	scalars := []struct {
		name string
		dst  *float64
	}{
		{"ph", &s.Reading.PH},
		{"conductivity", &s.Reading.Conductivity},
		{"temperature", &s.Reading.Temperature},
	}
	for _, sc := range scalars {
		*sc.dst, err = strconv.ParseFloat(strings.TrimSpace(rec[cols[sc.name]]), 64)
		if err != nil {
			return s, fmt.Errorf("%s: %w", sc.name, err)
		}
	}
	s.Reading.Signal, err = ml.ParseSignal(rec[cols["voltammetry"]])
	if err != nil {
		return s, err
	}
	return s, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
