package dataset

import (
	"errors"
	"fmt"
)

// Range is a closed [Min, Max] interval.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

func (r Range) mid() float64 {
	return (r.Min + r.Max) / 2
}

func (r Range) width() float64 {
	return r.Max - r.Min
}

// ClassProfile holds the sensor characteristics of one dravya.
type ClassProfile struct {
	Name           string  `yaml:"name" json:"name"`
	PH             Range   `yaml:"ph" json:"ph"`
	Conductivity   Range   `yaml:"conductivity" json:"conductivity"`
	Temperature    Range   `yaml:"temperature" json:"temperature"`
	SignalBase     float64 `yaml:"signal_base" json:"signal_base"`
	SignalVariance float64 `yaml:"signal_variance" json:"signal_variance"`
}

// Taxonomy is an ordered list of class profiles. Generation walks it in
// order, so the order is part of reproducibility.
type Taxonomy []ClassProfile

// DefaultTaxonomy returns the seven reference dravya classes.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		{Name: "Neem", PH: Range{6.0, 7.5}, Conductivity: Range{0.8, 1.5}, Temperature: Range{24, 30}, SignalBase: 0.3, SignalVariance: 0.15},
		{Name: "Turmeric", PH: Range{6.5, 7.8}, Conductivity: Range{1.2, 2.0}, Temperature: Range{25, 32}, SignalBase: 0.5, SignalVariance: 0.2},
		{Name: "Tulsi", PH: Range{6.2, 7.2}, Conductivity: Range{0.9, 1.6}, Temperature: Range{24, 28}, SignalBase: 0.4, SignalVariance: 0.18},
		{Name: "Ginger", PH: Range{5.8, 6.8}, Conductivity: Range{1.5, 2.3}, Temperature: Range{26, 31}, SignalBase: 0.6, SignalVariance: 0.22},
		{Name: "Amla", PH: Range{3.5, 4.5}, Conductivity: Range{1.8, 2.8}, Temperature: Range{24, 29}, SignalBase: 0.7, SignalVariance: 0.25},
		{Name: "Ashwagandha", PH: Range{6.8, 7.5}, Conductivity: Range{1.0, 1.8}, Temperature: Range{25, 30}, SignalBase: 0.35, SignalVariance: 0.16},
		{Name: "Brahmi", PH: Range{6.5, 7.3}, Conductivity: Range{0.7, 1.4}, Temperature: Range{24, 27}, SignalBase: 0.3, SignalVariance: 0.14},
	}
}

func (t Taxonomy) Validate() error {
	if len(t) == 0 {
		return errors.New("taxonomy has no classes")
	}
	seen := make(map[string]struct{}, len(t))
	for _, c := range t {
		if c.Name == "" {
			return errors.New("taxonomy class without a name")
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate class %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		for field, r := range map[string]Range{"ph": c.PH, "conductivity": c.Conductivity, "temperature": c.Temperature} {
			if r.Min > r.Max {
				return fmt.Errorf("class %q: %s range min > max", c.Name, field)
			}
		}
		if c.SignalBase < 0 || c.SignalVariance < 0 {
			return fmt.Errorf("class %q: negative signal parameters", c.Name)
		}
	}
	return nil
}

func (t Taxonomy) Names() []string {
	names := make([]string, len(t))
	for i, c := range t {
		names[i] = c.Name
	}
	return names
}
