package ml

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFeaturesEmptySignal(t *testing.T) {
	got := ExtractFeatures(SensorReading{PH: 7.0, Conductivity: 0.0, Temperature: 25.0, Signal: []float64{}})
	want := []float64{7.0, 0.0, 25.0, 0, 0, 0, 0, 0, 0, 0, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFeaturesKnownSignal(t *testing.T) {
	got := ExtractFeatures(SensorReading{PH: 6.5, Conductivity: 1.2, Temperature: 27, Signal: []float64{1, 2, 3, 4, 5}})
	want := []float64{6.5, 1.2, 27, 3, math.Sqrt2, 5, 1, 3, 2, 4, 4}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFeaturesWidth(t *testing.T) {
	for _, n := range []int{1, 2, 7, 100} {
		signal := make([]float64, n)
		for i := range signal {
			signal[i] = float64(i * i)
		}
		assert.Len(t, ExtractFeatures(SensorReading{Signal: signal}), FeatureCount)
	}
	assert.Len(t, FeatureNames(), FeatureCount)
}

func TestTotalVariation(t *testing.T) {
	assert.Equal(t, 0.0, CalculateTotalVariation([]float64{3, 3, 3, 3}))
	assert.Equal(t, 0.0, CalculateTotalVariation([]float64{9}))
	assert.Equal(t, 0.0, CalculateTotalVariation(nil))
	assert.InDelta(t, 7.0, CalculateTotalVariation([]float64{0, 2, -1, 1}), 1e-12)
}

func TestPercentileInterpolates(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	assert.InDelta(t, 17.5, Percentile(sorted, 0.25), 1e-12)
	assert.InDelta(t, 25.0, Percentile(sorted, 0.5), 1e-12)
	assert.InDelta(t, 32.5, Percentile(sorted, 0.75), 1e-12)
	assert.Equal(t, 10.0, Percentile(sorted, 0))
	assert.Equal(t, 40.0, Percentile(sorted, 1))
}

func TestZNormalize(t *testing.T) {
	out := ZNormalize([]float64{1, 2, 3, 4, 5})
	require.Len(t, out, 5)
	assert.InDelta(t, 0, out[2], 1e-9)
	assert.InDelta(t, -2/math.Sqrt2, out[0], 1e-6)

	constant := ZNormalize([]float64{4, 4, 4})
	assert.Equal(t, []float64{0, 0, 0}, constant)
}

func TestZNormalizeBatchUsesPooledStatistics(t *testing.T) {
	out := ZNormalizeBatch([][]float64{{0, 0}, {2, 2}})
	require.Len(t, out, 2)
	assert.InDelta(t, -1, out[0][0], 1e-6)
	assert.InDelta(t, 1, out[1][1], 1e-6)
}

func TestValidateReading(t *testing.T) {
	ok := SensorReading{PH: 7, Conductivity: 1, Temperature: 25, Signal: []float64{0.1}}
	require.NoError(t, ok.Validate())

	cases := map[string]SensorReading{
		"ph":           {PH: 14.5, Conductivity: 1, Temperature: 25, Signal: []float64{0.1}},
		"conductivity": {PH: 7, Conductivity: -0.1, Temperature: 25, Signal: []float64{0.1}},
		"temperature":  {PH: 7, Conductivity: 1, Temperature: 101, Signal: []float64{0.1}},
	}
	for field, r := range cases {
		err := r.Validate()
		var verr *DataValidationError
		require.ErrorAs(t, err, &verr, field)
		assert.Equal(t, field, verr.Field)
	}
}

func TestSignalFormatRoundTrip(t *testing.T) {
	signal := []float64{0, 0.1, 1.0 / 3, 12345.678, 1e-9}
	parsed, err := ParseSignal(FormatSignal(signal))
	require.NoError(t, err)
	assert.Equal(t, signal, parsed)

	empty, err := ParseSignal("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseSignal("1,x,3")
	assert.Error(t, err)
}
