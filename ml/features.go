package ml

// FeatureCount is the width of every feature vector.
const FeatureCount = 11

// ExtractFeatures maps one reading to its feature vector. It is the only
// feature path, used for dataset rows and live requests alike.
func ExtractFeatures(reading SensorReading) []float64 {
	stats := CalculateSignalStats(reading.Signal)
	return []float64{
		reading.PH,
		reading.Conductivity,
		reading.Temperature,
		stats.Mean,
		stats.StdDev,
		stats.Max,
		stats.Min,
		stats.Median,
		stats.Q1,
		stats.Q3,
		stats.TotalVariation,
	}
}

func ExtractFeatureMatrix(readings []SensorReading) [][]float64 {
	matrix := make([][]float64, len(readings))
	for i, r := range readings {
		matrix[i] = ExtractFeatures(r)
	}
	return matrix
}

func FeatureNames() []string {
	return []string{
		"ph",
		"conductivity",
		"temperature",
		"volt_mean",
		"volt_std",
		"volt_max",
		"volt_min",
		"volt_median",
		"volt_q1",
		"volt_q3",
		"volt_tv",
	}
}
