package dataset

import (
	"errors"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"etongue/ml"
)

const DefaultSamplesPerClass = 215

// Generator assembles a labeled synthetic dataset from a taxonomy.
type Generator struct {
	Taxonomy        Taxonomy
	SamplesPerClass int
	SignalPoints    int
	Seed            uint64
	Logger          *zap.Logger
}

// Generate draws SamplesPerClass readings per class in taxonomy order and
// shuffles the concatenation. A fixed Seed reproduces the output exactly.
func (g *Generator) Generate() ([]ml.LabeledSample, error) {
	taxonomy := g.Taxonomy
	if len(taxonomy) == 0 {
		taxonomy = DefaultTaxonomy()
	}
	if err := taxonomy.Validate(); err != nil {
		return nil, err
	}
	perClass := g.SamplesPerClass
	if perClass == 0 {
		perClass = DefaultSamplesPerClass
	}
	if perClass < 0 {
		return nil, errors.New("samples per class must be positive")
	}
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rng := rand.New(rand.NewPCG(g.Seed, 0xe7))
	sim := NewSignalSimulator(g.SignalPoints, rng)
	samples := make([]ml.LabeledSample, 0, len(taxonomy)*perClass)
	for _, class := range taxonomy {
		logger.Debug("generating class", zap.String("dataset.class", class.Name), zap.Int("dataset.samples", perClass))
		for i := 0; i < perClass; i++ {
			samples = append(samples, ml.LabeledSample{
				Class: class.Name,
				Reading: ml.SensorReading{
					PH:           drawClipped(class.PH, rng),
					Conductivity: drawClipped(class.Conductivity, rng),
					Temperature:  drawClipped(class.Temperature, rng),
					Signal:       sim.Simulate(class.SignalBase, class.SignalVariance),
				},
			})
		}
	}
	rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })
	return samples, nil
}

// drawClipped samples Normal(mid, width/6) and clips it into r.
func drawClipped(r Range, src rand.Source) float64 {
	if r.width() == 0 {
		return r.Min
	}
	d := distuv.Normal{Mu: r.mid(), Sigma: r.width() / 6, Src: src}
	return math.Min(math.Max(d.Rand(), r.Min), r.Max)
}

// ScalarSummary is min/mean/max of one scalar column.
type ScalarSummary struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

type ClassSummary struct {
	Class        string        `json:"class"`
	Count        int           `json:"count"`
	PH           ScalarSummary `json:"ph"`
	Conductivity ScalarSummary `json:"conductivity"`
	Temperature  ScalarSummary `json:"temperature"`
}

// Summarize groups samples by class in first-seen order.
func Summarize(samples []ml.LabeledSample) []ClassSummary {
	type columns struct{ ph, cond, temp []float64 }
	var order []string
	groups := make(map[string]*columns)
	for _, s := range samples {
		c, ok := groups[s.Class]
		if !ok {
			c = &columns{}
			groups[s.Class] = c
			order = append(order, s.Class)
		}
		c.ph = append(c.ph, s.Reading.PH)
		c.cond = append(c.cond, s.Reading.Conductivity)
		c.temp = append(c.temp, s.Reading.Temperature)
	}
	out := make([]ClassSummary, 0, len(order))
	for _, name := range order {
		c := groups[name]
		out = append(out, ClassSummary{
			Class:        name,
			Count:        len(c.ph),
			PH:           summarize(c.ph),
			Conductivity: summarize(c.cond),
			Temperature:  summarize(c.temp),
		})
	}
	return out
}

func summarize(values []float64) ScalarSummary {
	return ScalarSummary{Min: floats.Min(values), Mean: stat.Mean(values, nil), Max: floats.Max(values)}
}

// LogSummary writes one line per class.
func LogSummary(logger *zap.Logger, samples []ml.LabeledSample) {
	for _, s := range Summarize(samples) {
		logger.Info("class summary",
			zap.String("dataset.class", s.Class),
			zap.Int("dataset.count", s.Count),
			zap.Float64("ph.mean", s.PH.Mean),
			zap.Float64("ph.min", s.PH.Min),
			zap.Float64("ph.max", s.PH.Max),
			zap.Float64("conductivity.mean", s.Conductivity.Mean),
			zap.Float64("temperature.mean", s.Temperature.Mean))
	}
	logger.Info("dataset generated", zap.Int("dataset.total", len(samples)))
}
