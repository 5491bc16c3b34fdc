package nn

import "math"

type adamParam struct {
	value []float64
	grad  []float64
	m, v  []float64
}

// adam is the Kingma & Ba optimizer with the bias correction folded into
// the step size.
type adam struct {
	lr, beta1, beta2, eps float64
	step                  int
	params                []*adamParam
}

func newAdam(lr float64) *adam {
	return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
}

// track registers value and returns the gradient buffer bound to it.
func (a *adam) track(value []float64) []float64 {
	p := &adamParam{
		value: value,
		grad:  make([]float64, len(value)),
		m:     make([]float64, len(value)),
		v:     make([]float64, len(value)),
	}
	a.params = append(a.params, p)
	return p.grad
}

func (a *adam) zeroGrad() {
	for _, p := range a.params {
		clear(p.grad)
	}
}

func (a *adam) update() {
	a.step++
	t := float64(a.step)
	lrT := a.lr * math.Sqrt(1-math.Pow(a.beta2, t)) / (1 - math.Pow(a.beta1, t))
	for _, p := range a.params {
		for i, g := range p.grad {
			p.m[i] = a.beta1*p.m[i] + (1-a.beta1)*g
			p.v[i] = a.beta2*p.v[i] + (1-a.beta2)*g*g
			p.value[i] -= lrT * p.m[i] / (math.Sqrt(p.v[i]) + a.eps)
		}
	}
}
