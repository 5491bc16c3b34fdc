package nn

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(classes int) Config {
	cfg := DefaultConfig(classes)
	cfg.Filters = []int{4, 8}
	cfg.DenseUnits = 8
	cfg.Epochs = 40
	cfg.BatchSize = 8
	cfg.LearningRate = 0.01
	cfg.Seed = 3
	return cfg
}

// waves builds two classes: a rising ramp and a falling ramp.
func waves(n, length int, seed uint64) ([][]float64, []int) {
	rng := rand.New(rand.NewPCG(seed, 9))
	var x [][]float64
	var y []int
	for i := 0; i < n; i++ {
		class := i % 2
		s := make([]float64, length)
		for t := range s {
			v := float64(t)/float64(length) - 0.5
			if class == 1 {
				v = -v
			}
			s[t] = 2*v + rng.NormFloat64()*0.05
		}
		x = append(x, s)
		y = append(y, class)
	}
	return x, y
}

func TestNetworkLearnsRamps(t *testing.T) {
	net, err := New(smallConfig(2))
	require.NoError(t, err)
	x, y := waves(64, 16, 1)

	var last EpochStats
	require.NoError(t, net.Fit(context.Background(), x, y, func(s EpochStats) { last = s }))
	assert.Equal(t, 40, last.Epoch)
	assert.False(t, math.IsNaN(last.Loss))

	testX, testY := waves(10, 16, 2)
	correct := 0
	for i, s := range testX {
		proba, err := net.PredictSignal(s)
		require.NoError(t, err)
		if argmax(proba) == testY[i] {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, 9)
}

func TestPredictSignalIsDistribution(t *testing.T) {
	net, err := New(DefaultConfig(3))
	require.NoError(t, err)
	for _, length := range []int{1, 2, 5, 100} {
		signal := make([]float64, length)
		for i := range signal {
			signal[i] = math.Sin(float64(i))
		}
		proba, err := net.PredictSignal(signal)
		require.NoError(t, err)
		require.Len(t, proba, 3)
		sum := 0.0
		for _, p := range proba {
			sum += p
		}
		assert.InDelta(t, 1, sum, 1e-9, "length %d", length)
	}
	_, err = net.PredictSignal(nil)
	assert.Error(t, err)
}

func TestPredictSignalConcurrent(t *testing.T) {
	net, err := New(DefaultConfig(2))
	require.NoError(t, err)
	signal := []float64{0.1, 0.5, -0.2, 0.9, 0.3, 0.0, -0.4, 0.2}
	want, err := net.PredictSignal(signal)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := net.PredictSignal(signal)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestNetworkJSONRoundTrip(t *testing.T) {
	net, err := New(smallConfig(3))
	require.NoError(t, err)
	raw, err := json.Marshal(net)
	require.NoError(t, err)

	var loaded Network
	require.NoError(t, json.Unmarshal(raw, &loaded))
	require.NoError(t, loaded.Validate())

	signal := []float64{1, 0.5, 0, -0.5, -1}
	want, err := net.PredictSignal(signal)
	require.NoError(t, err)
	got, err := loaded.PredictSignal(signal)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestValidateDetectsBrokenShapes(t *testing.T) {
	net, err := New(smallConfig(2))
	require.NoError(t, err)
	net.Output.B = net.Output.B[:1]
	assert.ErrorIs(t, net.Validate(), ErrShape)

	assert.ErrorIs(t, (&Network{}).Validate(), ErrShape)
}

func TestFitRejectsRaggedSignals(t *testing.T) {
	net, err := New(smallConfig(2))
	require.NoError(t, err)
	err = net.Fit(context.Background(), [][]float64{{1, 2}, {1}}, []int{0, 1}, nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestFitStopsOnCancel(t *testing.T) {
	net, err := New(smallConfig(2))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x, y := waves(8, 8, 4)
	assert.ErrorIs(t, net.Fit(ctx, x, y, nil), context.Canceled)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(DefaultConfig(1))
	assert.Error(t, err)
	cfg := DefaultConfig(2)
	cfg.Dropout = 1
	_, err = New(cfg)
	assert.Error(t, err)
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func batchLoss(net *Network, x tensor, y []int) float64 {
	logits, _ := net.forward(x, true, nil)
	k := net.Config.NumClasses
	loss := 0.0
	for b := 0; b < x.n; b++ {
		p := softmax(logits[b*k : (b+1)*k])
		loss -= math.Log(p[y[b]])
	}
	return loss / float64(x.n)
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	cfg := smallConfig(3)
	cfg.Filters = []int{2, 3}
	cfg.DenseUnits = 4
	cfg.Dropout = 0
	net, err := New(cfg)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 5))
	x := newTensor(4, 6, 1)
	for i := range x.data {
		x.data[i] = rng.NormFloat64()
	}
	y := []int{0, 1, 2, 1}

	tr := newTrainer(net)
	tr.opt.zeroGrad()
	tr.gradients(x, y, nil)

	const h = 1e-5
	for pi, p := range tr.opt.params {
		for _, i := range []int{0, len(p.value) / 2, len(p.value) - 1} {
			orig := p.value[i]
			p.value[i] = orig + h
			up := batchLoss(net, x, y)
			p.value[i] = orig - h
			down := batchLoss(net, x, y)
			p.value[i] = orig
			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, p.grad[i], 1e-4, "param %d index %d", pi, i)
		}
	}
}
