package ml

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SignalStats summarizes one voltammetry trace.
type SignalStats struct {
	Mean           float64
	StdDev         float64
	Max            float64
	Min            float64
	Median         float64
	Q1             float64
	Q3             float64
	TotalVariation float64
}

// CalculateSignalStats returns the zero value for an empty signal.
func CalculateSignalStats(signal []float64) SignalStats {
	if len(signal) == 0 {
		return SignalStats{}
	}
	mean, std := stat.PopMeanStdDev(signal, nil)
	sorted := append([]float64(nil), signal...)
	sort.Float64s(sorted)
	return SignalStats{
		Mean:           mean,
		StdDev:         std,
		Max:            floats.Max(signal),
		Min:            floats.Min(signal),
		Median:         Percentile(sorted, 0.5),
		Q1:             Percentile(sorted, 0.25),
		Q3:             Percentile(sorted, 0.75),
		TotalVariation: CalculateTotalVariation(signal),
	}
}

// Percentile interpolates linearly between closest ranks at position (n-1)*q.
// sorted must be in ascending order.
func Percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := float64(len(sorted)-1) * q
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// CalculateTotalVariation is the sum of absolute successive differences.
func CalculateTotalVariation(signal []float64) float64 {
	total := 0.0
	for i := 1; i < len(signal); i++ {
		total += math.Abs(signal[i] - signal[i-1])
	}
	return total
}

// ZNormalize scales values by their own mean and population std.
func ZNormalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	for i, v := range values {
		out[i] = (v - mean) / (std + zNormEpsilon)
	}
	return out
}

// ZNormalizeBatch scales every signal by the mean and std of all points in the batch.
func ZNormalizeBatch(signals [][]float64) [][]float64 {
	total := 0
	for _, s := range signals {
		total += len(s)
	}
	flat := make([]float64, 0, total)
	for _, s := range signals {
		flat = append(flat, s...)
	}
	out := make([][]float64, len(signals))
	if total == 0 {
		for i := range signals {
			out[i] = []float64{}
		}
		return out
	}
	mean, std := stat.PopMeanStdDev(flat, nil)
	for i, s := range signals {
		row := make([]float64, len(s))
		for j, v := range s {
			row[j] = (v - mean) / (std + zNormEpsilon)
		}
		out[i] = row
	}
	return out
}

const zNormEpsilon = 1e-8
