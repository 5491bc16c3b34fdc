package ml

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	KernelRBF  = "rbf"
	KernelPoly = "poly"

	GammaScale = "scale"
	GammaAuto  = "auto"
)

// SVMConfig is one point of the margin-classifier grid.
type SVMConfig struct {
	C         float64 `json:"c"`
	Kernel    string  `json:"kernel"`
	Gamma     string  `json:"gamma"`
	Degree    int     `json:"degree"`
	Coef0     float64 `json:"coef0"`
	Tolerance float64 `json:"tolerance"`
}

// SVM is a one-vs-one kernel classifier. Each class pair gets its own SMO
// solution plus a Platt sigmoid, and PredictProba couples the pairwise
// estimates into one distribution.
type SVM struct {
	Config         SVMConfig   `json:"config"`
	GammaValue     float64     `json:"gamma_value"`
	Classes        int         `json:"num_classes"`
	SupportVectors [][]float64 `json:"support_vectors"`
	Pairs          []SVMPair   `json:"pairs"`
}

// SVMPair is the binary machine separating Positive (+1) from Negative (-1).
type SVMPair struct {
	Positive int       `json:"positive"`
	Negative int       `json:"negative"`
	Support  []int     `json:"support"`
	Coef     []float64 `json:"coef"`
	Rho      float64   `json:"rho"`
	ProbA    float64   `json:"prob_a"`
	ProbB    float64   `json:"prob_b"`
}

func NewSVM(config SVMConfig) *SVM {
	if config.Kernel == "" {
		config.Kernel = KernelRBF
	}
	if config.Gamma == "" {
		config.Gamma = GammaScale
	}
	if config.Degree <= 0 {
		config.Degree = 3
	}
	if config.Tolerance <= 0 {
		config.Tolerance = 1e-3
	}
	if config.C <= 0 {
		config.C = 1
	}
	return &SVM{Config: config}
}

func (s *SVM) Fit(features [][]float64, labels []int, numClasses int) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if s.Config.Kernel != KernelRBF && s.Config.Kernel != KernelPoly {
		return fmt.Errorf("unsupported kernel %q", s.Config.Kernel)
	}

	byClass := make([][]int, numClasses)
	for i, label := range labels {
		if label < 0 || label >= numClasses {
			return fmt.Errorf("label %d out of range", label)
		}
		byClass[label] = append(byClass[label], i)
	}
	for c, members := range byClass {
		if len(members) == 0 {
			return fmt.Errorf("class %d has no training samples", c)
		}
	}

	gamma, err := resolveGamma(s.Config.Gamma, features)
	if err != nil {
		return err
	}
	s.GammaValue = gamma

	n := len(features)
	gram := make([][]float64, n)
	for i := range gram {
		gram[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k := s.kernel(features[i], features[j])
			gram[i][j] = k
			gram[j][i] = k
		}
	}

	poolIndex := make(map[int]int)
	var pool [][]float64
	var pairs []SVMPair
	for a := 0; a < numClasses; a++ {
		for b := a + 1; b < numClasses; b++ {
			members := append(append([]int(nil), byClass[a]...), byClass[b]...)
			y := make([]float64, len(members))
			for i := range members {
				if i < len(byClass[a]) {
					y[i] = 1
				} else {
					y[i] = -1
				}
			}
			sub := make([][]float64, len(members))
			for i, mi := range members {
				row := make([]float64, len(members))
				for j, mj := range members {
					row[j] = gram[mi][mj]
				}
				sub[i] = row
			}

			alpha, rho := solveSMO(sub, y, s.Config.C, s.Config.Tolerance, 100*len(members)+10000)

			pair := SVMPair{Positive: a, Negative: b, Rho: rho}
			decisions := make([]float64, len(members))
			for i := range members {
				decisions[i] = -rho
			}
			for i, mi := range members {
				if alpha[i] <= 0 {
					continue
				}
				coef := alpha[i] * y[i]
				idx, ok := poolIndex[mi]
				if !ok {
					idx = len(pool)
					poolIndex[mi] = idx
					pool = append(pool, append([]float64(nil), features[mi]...))
				}
				pair.Support = append(pair.Support, idx)
				pair.Coef = append(pair.Coef, coef)
				for j := range members {
					decisions[j] += coef * sub[i][j]
				}
			}
			pair.ProbA, pair.ProbB = fitSigmoid(decisions, y)
			pairs = append(pairs, pair)
		}
	}

	s.Classes = numClasses
	s.SupportVectors = pool
	s.Pairs = pairs
	return nil
}

// Validate rejects a decoded machine whose pairs name classes or support
// vectors it does not have.
func (s *SVM) Validate() error {
	if s.Classes < 2 {
		return fmt.Errorf("svm has %d classes", s.Classes)
	}
	if len(s.Pairs) == 0 {
		return errors.New("svm has no binary machines")
	}
	switch s.Config.Kernel {
	case KernelRBF, KernelPoly:
	default:
		return fmt.Errorf("unknown kernel %q", s.Config.Kernel)
	}
	for i, sv := range s.SupportVectors {
		if len(sv) == 0 || len(sv) != len(s.SupportVectors[0]) {
			return fmt.Errorf("support vector %d has width %d, want %d", i, len(sv), len(s.SupportVectors[0]))
		}
	}
	for i, p := range s.Pairs {
		if p.Positive < 0 || p.Positive >= s.Classes || p.Negative < 0 || p.Negative >= s.Classes || p.Positive == p.Negative {
			return fmt.Errorf("pair %d names classes %d/%d of %d", i, p.Positive, p.Negative, s.Classes)
		}
		if len(p.Coef) != len(p.Support) {
			return fmt.Errorf("pair %d has %d coefficients for %d supports", i, len(p.Coef), len(p.Support))
		}
		for _, idx := range p.Support {
			if idx < 0 || idx >= len(s.SupportVectors) {
				return fmt.Errorf("pair %d references support vector %d of %d", i, idx, len(s.SupportVectors))
			}
		}
	}
	return nil
}

func (s *SVM) NumClasses() int {
	return s.Classes
}

func (s *SVM) PredictProba(features []float64) ([]float64, error) {
	if s.Classes == 0 {
		return nil, ErrModelNotTrained
	}
	if s.Classes == 1 {
		return []float64{1}, nil
	}
	kernels := make([]float64, len(s.SupportVectors))
	for i, sv := range s.SupportVectors {
		if len(sv) != len(features) {
			return nil, fmt.Errorf("expected %d features, got %d", len(sv), len(features))
		}
		kernels[i] = s.kernel(sv, features)
	}

	r := make([][]float64, s.Classes)
	for i := range r {
		r[i] = make([]float64, s.Classes)
	}
	for _, pair := range s.Pairs {
		dec := -pair.Rho
		for i, idx := range pair.Support {
			dec += pair.Coef[i] * kernels[idx]
		}
		p := sigmoidPredict(dec, pair.ProbA, pair.ProbB)
		p = math.Min(math.Max(p, minPairProb), 1-minPairProb)
		r[pair.Positive][pair.Negative] = p
		r[pair.Negative][pair.Positive] = 1 - p
	}
	if s.Classes == 2 {
		return []float64{r[0][1], r[1][0]}, nil
	}
	return coupleProbabilities(r), nil
}

func (s *SVM) kernel(a, b []float64) float64 {
	switch s.Config.Kernel {
	case KernelPoly:
		return math.Pow(s.GammaValue*floats.Dot(a, b)+s.Config.Coef0, float64(s.Config.Degree))
	default:
		d := floats.Distance(a, b, 2)
		return math.Exp(-s.GammaValue * d * d)
	}
}

// resolveGamma implements the "scale" (1 / (n_features * Var(X))) and
// "auto" (1 / n_features) policies.
func resolveGamma(policy string, features [][]float64) (float64, error) {
	width := float64(len(features[0]))
	switch policy {
	case GammaAuto:
		return 1 / width, nil
	case GammaScale:
		flat := make([]float64, 0, len(features)*len(features[0]))
		for _, row := range features {
			flat = append(flat, row...)
		}
		_, std := stat.PopMeanStdDev(flat, nil)
		variance := std * std
		if variance == 0 {
			return 1, nil
		}
		return 1 / (width * variance), nil
	default:
		return 0, fmt.Errorf("unsupported gamma policy %q", policy)
	}
}

const smoTau = 1e-12

// solveSMO minimises 1/2 a'Qa - e'a subject to 0 <= a <= C and y'a = 0,
// where Q = y y' * K, selecting working pairs by maximal violation with
// second order information. Returns the multipliers and the bias rho.
func solveSMO(K [][]float64, y []float64, C, eps float64, maxIter int) ([]float64, float64) {
	n := len(y)
	alpha := make([]float64, n)
	grad := make([]float64, n)
	for i := range grad {
		grad[i] = -1
	}

	for iter := 0; iter < maxIter; iter++ {
		i, j, ok := selectWorkingSet(K, y, alpha, grad, C, eps)
		if !ok {
			break
		}
		qij := y[i] * y[j] * K[i][j]
		oldI, oldJ := alpha[i], alpha[j]

		if y[i] != y[j] {
			quad := K[i][i] + K[j][j] + 2*qij
			if quad <= 0 {
				quad = smoTau
			}
			delta := (-grad[i] - grad[j]) / quad
			diff := alpha[i] - alpha[j]
			alpha[i] += delta
			alpha[j] += delta
			if diff > 0 {
				if alpha[j] < 0 {
					alpha[j] = 0
					alpha[i] = diff
				}
			} else if alpha[i] < 0 {
				alpha[i] = 0
				alpha[j] = -diff
			}
			if diff > 0 {
				if alpha[i] > C {
					alpha[i] = C
					alpha[j] = C - diff
				}
			} else if alpha[j] > C {
				alpha[j] = C
				alpha[i] = C + diff
			}
		} else {
			quad := K[i][i] + K[j][j] - 2*qij
			if quad <= 0 {
				quad = smoTau
			}
			delta := (grad[i] - grad[j]) / quad
			sum := alpha[i] + alpha[j]
			alpha[i] -= delta
			alpha[j] += delta
			if sum > C {
				if alpha[i] > C {
					alpha[i] = C
					alpha[j] = sum - C
				}
			} else if alpha[j] < 0 {
				alpha[j] = 0
				alpha[i] = sum
			}
			if sum > C {
				if alpha[j] > C {
					alpha[j] = C
					alpha[i] = sum - C
				}
			} else if alpha[i] < 0 {
				alpha[i] = 0
				alpha[j] = sum
			}
		}

		dI := alpha[i] - oldI
		dJ := alpha[j] - oldJ
		for k := 0; k < n; k++ {
			grad[k] += y[k] * (y[i]*K[i][k]*dI + y[j]*K[j][k]*dJ)
		}
	}

	return alpha, computeRho(y, alpha, grad, C)
}

func selectWorkingSet(K [][]float64, y, alpha, grad []float64, C, eps float64) (int, int, bool) {
	gmax := math.Inf(-1)
	gmax2 := math.Inf(-1)
	gmaxIdx := -1
	for t := range y {
		if y[t] > 0 {
			if alpha[t] < C && -grad[t] >= gmax {
				gmax = -grad[t]
				gmaxIdx = t
			}
		} else if alpha[t] > 0 && grad[t] >= gmax {
			gmax = grad[t]
			gmaxIdx = t
		}
	}
	if gmaxIdx == -1 {
		return -1, -1, false
	}

	i := gmaxIdx
	gminIdx := -1
	objDiffMin := math.Inf(1)
	for j := range y {
		var gradDiff float64
		if y[j] > 0 {
			if alpha[j] <= 0 {
				continue
			}
			gradDiff = gmax + grad[j]
			if grad[j] >= gmax2 {
				gmax2 = grad[j]
			}
		} else {
			if alpha[j] >= C {
				continue
			}
			gradDiff = gmax - grad[j]
			if -grad[j] >= gmax2 {
				gmax2 = -grad[j]
			}
		}
		if gradDiff <= 0 {
			continue
		}
		quad := K[i][i] + K[j][j] - 2*K[i][j]
		if quad <= 0 {
			quad = smoTau
		}
		objDiff := -(gradDiff * gradDiff) / quad
		if objDiff <= objDiffMin {
			gminIdx = j
			objDiffMin = objDiff
		}
	}
	if gmax+gmax2 < eps || gminIdx == -1 {
		return -1, -1, false
	}
	return i, gminIdx, true
}

func computeRho(y, alpha, grad []float64, C float64) float64 {
	ub := math.Inf(1)
	lb := math.Inf(-1)
	free := 0
	sumFree := 0.0
	for i := range y {
		yG := y[i] * grad[i]
		switch {
		case alpha[i] >= C:
			if y[i] < 0 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		case alpha[i] <= 0:
			if y[i] > 0 {
				ub = math.Min(ub, yG)
			} else {
				lb = math.Max(lb, yG)
			}
		default:
			free++
			sumFree += yG
		}
	}
	if free > 0 {
		return sumFree / float64(free)
	}
	return (ub + lb) / 2
}
