package nn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// EpochStats is reported after every epoch.
type EpochStats struct {
	Epoch    int
	Loss     float64
	Accuracy float64
}

type trainer struct {
	net        *Network
	opt        *adam
	convGrads  []convGrad
	normGrads  []bnGrad
	hiddenGrad denseGrad
	outputGrad denseGrad
}

func newTrainer(net *Network) *trainer {
	t := &trainer{net: net, opt: newAdam(net.Config.LearningRate)}
	for i, c := range net.Convs {
		t.convGrads = append(t.convGrads, convGrad{W: t.opt.track(c.W), B: t.opt.track(c.B)})
		bn := net.Norms[i]
		t.normGrads = append(t.normGrads, bnGrad{Gamma: t.opt.track(bn.Gamma), Beta: t.opt.track(bn.Beta)})
	}
	t.hiddenGrad = denseGrad{W: t.opt.track(net.Hidden.W), B: t.opt.track(net.Hidden.B)}
	t.outputGrad = denseGrad{W: t.opt.track(net.Output.W), B: t.opt.track(net.Output.B)}
	return t
}

// Fit trains on equal-length normalized signals with sparse categorical
// cross-entropy. progress may be nil. Training stops between batches when
// ctx is cancelled.
func (n *Network) Fit(ctx context.Context, signals [][]float64, labels []int, progress func(EpochStats)) error {
	if len(signals) == 0 {
		return errors.New("no training signals")
	}
	if len(signals) != len(labels) {
		return fmt.Errorf("signals and labels size mismatch: %d vs %d", len(signals), len(labels))
	}
	length := len(signals[0])
	if length == 0 {
		return errors.New("training signals are empty")
	}
	for i, s := range signals {
		if len(s) != length {
			return fmt.Errorf("%w: signal %d has %d points, want %d", ErrShape, i, len(s), length)
		}
		if labels[i] < 0 || labels[i] >= n.Config.NumClasses {
			return fmt.Errorf("label %d out of range at row %d", labels[i], i)
		}
	}
	epochs := n.Config.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	batchSize := n.Config.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	tr := newTrainer(n)
	rng := rand.New(rand.NewPCG(n.Config.Seed, 0xd40))
	order := make([]int, len(signals))
	for i := range order {
		order[i] = i
	}
	for epoch := 1; epoch <= epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var lossSum float64
		correct := 0
		for start := 0; start < len(order); start += batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+batchSize, len(order))
			batch := order[start:end]
			x := newTensor(len(batch), length, 1)
			y := make([]int, len(batch))
			for b, idx := range batch {
				copy(x.data[b*length:(b+1)*length], signals[idx])
				y[b] = labels[idx]
			}
			loss, hits := tr.step(x, y, rng)
			lossSum += loss * float64(len(batch))
			correct += hits
		}
		if progress != nil {
			progress(EpochStats{
				Epoch:    epoch,
				Loss:     lossSum / float64(len(order)),
				Accuracy: float64(correct) / float64(len(order)),
			})
		}
	}
	return nil
}

// step runs one forward/backward pass and an optimizer update, returning
// the mean batch loss and the number of correct predictions.
func (t *trainer) step(x tensor, y []int, rng *rand.Rand) (float64, int) {
	loss, hits := t.gradients(x, y, rng)
	t.opt.update()
	return loss, hits
}

// gradients fills the gradient buffers for one batch.
func (t *trainer) gradients(x tensor, y []int, rng *rand.Rand) (float64, int) {
	net := t.net
	k := net.Config.NumClasses
	n := x.n
	logits, cache := net.forward(x, true, rng)

	loss := 0.0
	hits := 0
	dLogits := make([]float64, len(logits))
	for b := 0; b < n; b++ {
		row := logits[b*k : (b+1)*k]
		probs := softmax(row)
		loss -= math.Log(math.Max(probs[y[b]], 1e-12))
		best := 0
		for c, p := range probs {
			if p > probs[best] {
				best = c
			}
			dLogits[b*k+c] = p / float64(n)
		}
		dLogits[b*k+y[b]] -= 1 / float64(n)
		if best == y[b] {
			hits++
		}
	}

	t.opt.zeroGrad()
	dDropped := net.Output.backward(cache.dropped, dLogits, n, &t.outputGrad)
	dHidden := dDropped
	if cache.dropMask != nil {
		dHidden = make([]float64, len(dDropped))
		for i, d := range dDropped {
			dHidden[i] = d * cache.dropMask[i]
		}
	}
	for i, v := range cache.hiddenOut {
		if v <= 0 {
			dHidden[i] = 0
		}
	}
	dPooled := net.Hidden.backward(cache.pooled, dHidden, n, &t.hiddenGrad)
	dh := globalAvgPoolBackward(cache.gapIn, dPooled)
	for i := len(net.Convs) - 1; i >= 0; i-- {
		st := cache.stages[i]
		dNorm := maxPoolBackward(st.poolIn, st.argmax, dh)
		dRelu := net.Norms[i].backward(st.bn, dNorm, &t.normGrads[i])
		dConv := reluBackward(st.reluOut, dRelu)
		dh = net.Convs[i].backward(st.convIn, dConv, &t.convGrads[i])
	}
	return loss / float64(n), hits
}
