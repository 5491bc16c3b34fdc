package dataset

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	DefaultSignalPoints = 100
	scanDuration        = 10.0
	peakWidth           = 0.1
)

// SignalSimulator synthesizes voltammetry traces: a Gaussian peak at a
// random offset, two harmonics and white noise, floored at zero. It owns
// its random source and is not safe for concurrent use.
type SignalSimulator struct {
	Points int
	rng    *rand.Rand
}

func NewSignalSimulator(points int, rng *rand.Rand) *SignalSimulator {
	if points <= 0 {
		points = DefaultSignalPoints
	}
	return &SignalSimulator{Points: points, rng: rng}
}

func (s *SignalSimulator) Simulate(base, variance float64) []float64 {
	times := make([]float64, s.Points)
	if s.Points == 1 {
		times[0] = 0
	} else {
		floats.Span(times, 0, scanDuration)
	}
	end := times[len(times)-1]
	peak := 0.3 + 0.4*s.rng.Float64()
	noise := distuv.Normal{Mu: 0, Sigma: 0.3 * variance, Src: s.rng}

	signal := make([]float64, s.Points)
	for i, t := range times {
		pos := 0.0
		if end > 0 {
			pos = t / end
		}
		v := base * math.Exp(-((pos-peak)*(pos-peak))/(2*peakWidth*peakWidth))
		v += 0.1 * base * math.Sin(2*math.Pi*pos)
		v += 0.05 * base * math.Cos(4*math.Pi*pos)
		if variance > 0 {
			v += noise.Rand()
		}
		signal[i] = math.Max(0, v)
	}
	return signal
}
