package nn

import (
	"math"
	"math/rand/v2"
)

// tensor is a dense [n][t][c] block in row-major order.
type tensor struct {
	n, t, c int
	data    []float64
}

func newTensor(n, t, c int) tensor {
	return tensor{n: n, t: t, c: c, data: make([]float64, n*t*c)}
}

func (x tensor) idx(b, t, c int) int {
	return (b*x.t+t)*x.c + c
}

// Conv1D is a "same"-padded 1-D convolution. W is laid out [kernel][in][out].
type Conv1D struct {
	In     int       `json:"in"`
	Out    int       `json:"out"`
	Kernel int       `json:"kernel"`
	W      []float64 `json:"w"`
	B      []float64 `json:"b"`
}

type convGrad struct {
	W, B []float64
}

func newConv1D(in, out, kernel int, rng *rand.Rand) *Conv1D {
	c := &Conv1D{In: in, Out: out, Kernel: kernel, W: make([]float64, kernel*in*out), B: make([]float64, out)}
	glorotUniform(c.W, kernel*in, kernel*out, rng)
	return c
}

func (l *Conv1D) forward(x tensor) tensor {
	y := newTensor(x.n, x.t, l.Out)
	pad := (l.Kernel - 1) / 2
	for b := 0; b < x.n; b++ {
		for t := 0; t < x.t; t++ {
			out := y.data[y.idx(b, t, 0) : y.idx(b, t, 0)+l.Out]
			copy(out, l.B)
			for k := 0; k < l.Kernel; k++ {
				src := t + k - pad
				if src < 0 || src >= x.t {
					continue
				}
				in := x.data[x.idx(b, src, 0) : x.idx(b, src, 0)+l.In]
				for i, v := range in {
					if v == 0 {
						continue
					}
					w := l.W[(k*l.In+i)*l.Out : (k*l.In+i+1)*l.Out]
					for o := range out {
						out[o] += v * w[o]
					}
				}
			}
		}
	}
	return y
}

func (l *Conv1D) backward(x, dy tensor, g *convGrad) tensor {
	dx := newTensor(x.n, x.t, x.c)
	pad := (l.Kernel - 1) / 2
	for b := 0; b < x.n; b++ {
		for t := 0; t < x.t; t++ {
			grad := dy.data[dy.idx(b, t, 0) : dy.idx(b, t, 0)+l.Out]
			for o, d := range grad {
				g.B[o] += d
			}
			for k := 0; k < l.Kernel; k++ {
				src := t + k - pad
				if src < 0 || src >= x.t {
					continue
				}
				in := x.data[x.idx(b, src, 0) : x.idx(b, src, 0)+l.In]
				din := dx.data[dx.idx(b, src, 0) : dx.idx(b, src, 0)+l.In]
				for i, v := range in {
					base := (k*l.In + i) * l.Out
					w := l.W[base : base+l.Out]
					gw := g.W[base : base+l.Out]
					sum := 0.0
					for o, d := range grad {
						gw[o] += v * d
						sum += w[o] * d
					}
					din[i] += sum
				}
			}
		}
	}
	return dx
}

// BatchNorm normalizes each channel over the batch and time axes while
// training and with running statistics at inference.
type BatchNorm struct {
	Channels    int       `json:"channels"`
	Gamma       []float64 `json:"gamma"`
	Beta        []float64 `json:"beta"`
	RunningMean []float64 `json:"running_mean"`
	RunningVar  []float64 `json:"running_var"`
	Momentum    float64   `json:"momentum"`
	Epsilon     float64   `json:"epsilon"`
}

type bnGrad struct {
	Gamma, Beta []float64
}

type bnCache struct {
	xhat   tensor
	invStd []float64
}

func newBatchNorm(channels int) *BatchNorm {
	bn := &BatchNorm{
		Channels:    channels,
		Gamma:       make([]float64, channels),
		Beta:        make([]float64, channels),
		RunningMean: make([]float64, channels),
		RunningVar:  make([]float64, channels),
		Momentum:    0.99,
		Epsilon:     1e-3,
	}
	for i := range bn.Gamma {
		bn.Gamma[i] = 1
		bn.RunningVar[i] = 1
	}
	return bn
}

// forwardTrain also updates the running statistics.
func (l *BatchNorm) forwardTrain(x tensor) (tensor, bnCache) {
	count := float64(x.n * x.t)
	mean := make([]float64, l.Channels)
	variance := make([]float64, l.Channels)
	for p := 0; p < x.n*x.t; p++ {
		row := x.data[p*x.c : (p+1)*x.c]
		for c, v := range row {
			mean[c] += v
		}
	}
	for c := range mean {
		mean[c] /= count
	}
	for p := 0; p < x.n*x.t; p++ {
		row := x.data[p*x.c : (p+1)*x.c]
		for c, v := range row {
			d := v - mean[c]
			variance[c] += d * d
		}
	}
	invStd := make([]float64, l.Channels)
	for c := range variance {
		variance[c] /= count
		invStd[c] = 1 / math.Sqrt(variance[c]+l.Epsilon)
		l.RunningMean[c] = l.Momentum*l.RunningMean[c] + (1-l.Momentum)*mean[c]
		l.RunningVar[c] = l.Momentum*l.RunningVar[c] + (1-l.Momentum)*variance[c]
	}

	y := newTensor(x.n, x.t, x.c)
	xhat := newTensor(x.n, x.t, x.c)
	for p := 0; p < x.n*x.t; p++ {
		for c := 0; c < x.c; c++ {
			i := p*x.c + c
			xhat.data[i] = (x.data[i] - mean[c]) * invStd[c]
			y.data[i] = l.Gamma[c]*xhat.data[i] + l.Beta[c]
		}
	}
	return y, bnCache{xhat: xhat, invStd: invStd}
}

func (l *BatchNorm) forwardEval(x tensor) tensor {
	y := newTensor(x.n, x.t, x.c)
	for c := 0; c < x.c; c++ {
		scale := l.Gamma[c] / math.Sqrt(l.RunningVar[c]+l.Epsilon)
		shift := l.Beta[c] - l.RunningMean[c]*scale
		for p := 0; p < x.n*x.t; p++ {
			i := p*x.c + c
			y.data[i] = x.data[i]*scale + shift
		}
	}
	return y
}

func (l *BatchNorm) backward(cache bnCache, dy tensor, g *bnGrad) tensor {
	count := float64(dy.n * dy.t)
	sumDy := make([]float64, l.Channels)
	sumDyXhat := make([]float64, l.Channels)
	for p := 0; p < dy.n*dy.t; p++ {
		for c := 0; c < dy.c; c++ {
			i := p*dy.c + c
			sumDy[c] += dy.data[i]
			sumDyXhat[c] += dy.data[i] * cache.xhat.data[i]
		}
	}
	for c := range sumDy {
		g.Beta[c] += sumDy[c]
		g.Gamma[c] += sumDyXhat[c]
	}
	dx := newTensor(dy.n, dy.t, dy.c)
	for p := 0; p < dy.n*dy.t; p++ {
		for c := 0; c < dy.c; c++ {
			i := p*dy.c + c
			dxhat := dy.data[i] * l.Gamma[c]
			dx.data[i] = cache.invStd[c] / count *
				(count*dxhat - l.Gamma[c]*sumDy[c] - cache.xhat.data[i]*l.Gamma[c]*sumDyXhat[c])
		}
	}
	return dx
}

func reluForward(x tensor) tensor {
	y := newTensor(x.n, x.t, x.c)
	for i, v := range x.data {
		if v > 0 {
			y.data[i] = v
		}
	}
	return y
}

// reluBackward masks dy by the positive outputs y.
func reluBackward(y, dy tensor) tensor {
	dx := newTensor(dy.n, dy.t, dy.c)
	for i, v := range y.data {
		if v > 0 {
			dx.data[i] = dy.data[i]
		}
	}
	return dx
}

// maxPoolForward pools non-overlapping windows of 2. A length-1 input is
// passed through so short signals still reach the global pooling stage.
func maxPoolForward(x tensor) (tensor, []int) {
	if x.t < 2 {
		y := newTensor(x.n, x.t, x.c)
		copy(y.data, x.data)
		argmax := make([]int, len(x.data))
		for i := range argmax {
			argmax[i] = i
		}
		return y, argmax
	}
	outT := x.t / 2
	y := newTensor(x.n, outT, x.c)
	argmax := make([]int, len(y.data))
	for b := 0; b < x.n; b++ {
		for t := 0; t < outT; t++ {
			for c := 0; c < x.c; c++ {
				a := x.idx(b, 2*t, c)
				bIdx := x.idx(b, 2*t+1, c)
				best := a
				if x.data[bIdx] > x.data[a] {
					best = bIdx
				}
				o := y.idx(b, t, c)
				y.data[o] = x.data[best]
				argmax[o] = best
			}
		}
	}
	return y, argmax
}

func maxPoolBackward(x tensor, argmax []int, dy tensor) tensor {
	dx := newTensor(x.n, x.t, x.c)
	for o, src := range argmax {
		dx.data[src] += dy.data[o]
	}
	return dx
}

// globalAvgPool averages over time, returning [n][c].
func globalAvgPool(x tensor) []float64 {
	out := make([]float64, x.n*x.c)
	for b := 0; b < x.n; b++ {
		for t := 0; t < x.t; t++ {
			for c := 0; c < x.c; c++ {
				out[b*x.c+c] += x.data[x.idx(b, t, c)]
			}
		}
	}
	for i := range out {
		out[i] /= float64(x.t)
	}
	return out
}

func globalAvgPoolBackward(shape tensor, dy []float64) tensor {
	dx := newTensor(shape.n, shape.t, shape.c)
	scale := 1 / float64(shape.t)
	for b := 0; b < shape.n; b++ {
		for t := 0; t < shape.t; t++ {
			for c := 0; c < shape.c; c++ {
				dx.data[dx.idx(b, t, c)] = dy[b*shape.c+c] * scale
			}
		}
	}
	return dx
}

// Dense is a fully connected layer with W laid out [in][out].
type Dense struct {
	In  int       `json:"in"`
	Out int       `json:"out"`
	W   []float64 `json:"w"`
	B   []float64 `json:"b"`
}

type denseGrad struct {
	W, B []float64
}

func newDense(in, out int, rng *rand.Rand) *Dense {
	d := &Dense{In: in, Out: out, W: make([]float64, in*out), B: make([]float64, out)}
	glorotUniform(d.W, in, out, rng)
	return d
}

func (l *Dense) forward(x []float64, n int) []float64 {
	y := make([]float64, n*l.Out)
	for b := 0; b < n; b++ {
		out := y[b*l.Out : (b+1)*l.Out]
		copy(out, l.B)
		for i, v := range x[b*l.In : (b+1)*l.In] {
			if v == 0 {
				continue
			}
			w := l.W[i*l.Out : (i+1)*l.Out]
			for o := range out {
				out[o] += v * w[o]
			}
		}
	}
	return y
}

func (l *Dense) backward(x, dy []float64, n int, g *denseGrad) []float64 {
	dx := make([]float64, n*l.In)
	for b := 0; b < n; b++ {
		grad := dy[b*l.Out : (b+1)*l.Out]
		for o, d := range grad {
			g.B[o] += d
		}
		for i, v := range x[b*l.In : (b+1)*l.In] {
			w := l.W[i*l.Out : (i+1)*l.Out]
			gw := g.W[i*l.Out : (i+1)*l.Out]
			sum := 0.0
			for o, d := range grad {
				gw[o] += v * d
				sum += w[o] * d
			}
			dx[b*l.In+i] = sum
		}
	}
	return dx
}

func glorotUniform(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

func softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
