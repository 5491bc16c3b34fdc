// Package nn implements the 1-D convolutional sequence classifier: three
// conv/batch-norm/pool stages, global average pooling, a dropout-regularized
// hidden layer and a softmax head.
package nn

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var ErrShape = errors.New("network shape mismatch")

type Config struct {
	Filters      []int   `json:"filters"`
	KernelSize   int     `json:"kernel_size"`
	DenseUnits   int     `json:"dense_units"`
	Dropout      float64 `json:"dropout"`
	NumClasses   int     `json:"num_classes"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Seed         uint64  `json:"seed"`
}

func DefaultConfig(numClasses int) Config {
	return Config{
		Filters:      []int{32, 64, 128},
		KernelSize:   3,
		DenseUnits:   64,
		Dropout:      0.5,
		NumClasses:   numClasses,
		Epochs:       50,
		BatchSize:    32,
		LearningRate: 1e-3,
		Seed:         42,
	}
}

// Network holds only weights and running statistics. Forward passes keep
// their activations in per-call buffers.
type Network struct {
	Config Config       `json:"config"`
	Convs  []*Conv1D    `json:"convs"`
	Norms  []*BatchNorm `json:"norms"`
	Hidden *Dense       `json:"hidden"`
	Output *Dense       `json:"output"`
}

func New(cfg Config) (*Network, error) {
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", cfg.NumClasses)
	}
	if len(cfg.Filters) == 0 || cfg.KernelSize < 1 || cfg.DenseUnits < 1 {
		return nil, fmt.Errorf("%w: invalid layer sizes", ErrShape)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0,1), got %v", cfg.Dropout)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0xc0ffee))
	net := &Network{Config: cfg}
	in := 1
	for _, f := range cfg.Filters {
		net.Convs = append(net.Convs, newConv1D(in, f, cfg.KernelSize, rng))
		net.Norms = append(net.Norms, newBatchNorm(f))
		in = f
	}
	net.Hidden = newDense(in, cfg.DenseUnits, rng)
	net.Output = newDense(cfg.DenseUnits, cfg.NumClasses, rng)
	return net, nil
}

func (n *Network) NumClasses() int {
	return n.Config.NumClasses
}

// Validate checks that the layer shapes chain together, e.g. after loading.
func (n *Network) Validate() error {
	if len(n.Convs) == 0 || len(n.Convs) != len(n.Norms) || n.Hidden == nil || n.Output == nil {
		return fmt.Errorf("%w: missing layers", ErrShape)
	}
	in := 1
	for i, c := range n.Convs {
		if c.In != in || c.Kernel < 1 || len(c.W) != c.Kernel*c.In*c.Out || len(c.B) != c.Out {
			return fmt.Errorf("%w: conv %d", ErrShape, i)
		}
		bn := n.Norms[i]
		if bn.Channels != c.Out || len(bn.Gamma) != c.Out || len(bn.Beta) != c.Out ||
			len(bn.RunningMean) != c.Out || len(bn.RunningVar) != c.Out {
			return fmt.Errorf("%w: batch norm %d", ErrShape, i)
		}
		in = c.Out
	}
	for name, d := range map[string]*Dense{"hidden": n.Hidden, "output": n.Output} {
		if len(d.W) != d.In*d.Out || len(d.B) != d.Out {
			return fmt.Errorf("%w: %s dense", ErrShape, name)
		}
	}
	if n.Hidden.In != in || n.Output.In != n.Hidden.Out || n.Output.Out != n.Config.NumClasses {
		return fmt.Errorf("%w: dense layers do not chain", ErrShape)
	}
	return nil
}

type stageCache struct {
	convIn  tensor
	reluOut tensor
	bn      bnCache
	poolIn  tensor
	argmax  []int
}

type forwardCache struct {
	stages    []stageCache
	gapIn     tensor
	pooled    []float64
	hiddenOut []float64
	dropMask  []float64
	dropped   []float64
}

// forward runs a batch of equal-length signals and returns logits [n][k].
// With train set, batch norm uses batch statistics and dropout is applied
// using rng.
func (n *Network) forward(x tensor, train bool, rng *rand.Rand) ([]float64, *forwardCache) {
	cache := &forwardCache{stages: make([]stageCache, len(n.Convs))}
	h := x
	for i, conv := range n.Convs {
		st := &cache.stages[i]
		st.convIn = h
		st.reluOut = reluForward(conv.forward(h))
		var normed tensor
		if train {
			normed, st.bn = n.Norms[i].forwardTrain(st.reluOut)
		} else {
			normed = n.Norms[i].forwardEval(st.reluOut)
		}
		st.poolIn = normed
		h, st.argmax = maxPoolForward(normed)
	}
	cache.gapIn = h
	cache.pooled = globalAvgPool(h)

	hidden := n.Hidden.forward(cache.pooled, x.n)
	for i, v := range hidden {
		if v < 0 {
			hidden[i] = 0
		}
	}
	cache.hiddenOut = hidden
	cache.dropped = hidden
	if train && n.Config.Dropout > 0 {
		keep := 1 - n.Config.Dropout
		cache.dropMask = make([]float64, len(hidden))
		cache.dropped = make([]float64, len(hidden))
		for i, v := range hidden {
			if rng.Float64() < keep {
				cache.dropMask[i] = 1 / keep
				cache.dropped[i] = v / keep
			}
		}
	}
	return n.Output.forward(cache.dropped, x.n), cache
}

// PredictSignal returns the class distribution for one normalized signal.
// It only reads the weights and is safe for concurrent use.
func (n *Network) PredictSignal(signal []float64) ([]float64, error) {
	if len(signal) == 0 {
		return nil, errors.New("signal is empty")
	}
	x := newTensor(1, len(signal), 1)
	copy(x.data, signal)
	logits, _ := n.forward(x, false, nil)
	return softmax(logits), nil
}
