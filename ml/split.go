package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// SplitIndices names dataset rows by position so every family, vector or
// sequence, draws the same rows for each split.
type SplitIndices struct {
	Train      []int `json:"train"`
	Validation []int `json:"validation"`
	Test       []int `json:"test"`
}

// StratifiedSplit partitions rows per class. The global validation and test
// sizes are round(N*ratio); each class receives floor(n_c*size/N) rows and
// the leftover rows go to the classes with the largest fractional quotas.
// Test ties favour classes that got fewer validation rows, then the lowest
// class index, so one class does not collect both leftovers.
func StratifiedSplit(labels []int, valRatio, testRatio float64, seed uint64) (SplitIndices, error) {
	if len(labels) == 0 {
		return SplitIndices{}, errors.New("labels is empty")
	}
	if valRatio < 0 || testRatio < 0 || valRatio+testRatio >= 1 {
		return SplitIndices{}, fmt.Errorf("invalid split ratios val=%v test=%v", valRatio, testRatio)
	}

	rng := rand.New(rand.NewPCG(seed, 0x5b1))
	groups := groupByClass(labels)
	for _, g := range groups {
		rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
	}

	sizes := make([]int, len(groups))
	for c, g := range groups {
		sizes[c] = len(g)
	}
	total := len(labels)
	valCounts := allocate(sizes, int(math.Round(float64(total)*valRatio)))
	remaining := make([]int, len(sizes))
	for c := range sizes {
		remaining[c] = sizes[c] - valCounts[c]
	}
	testCounts := allocateCapped(sizes, remaining, valCounts, int(math.Round(float64(total)*testRatio)))

	var split SplitIndices
	for c, g := range groups {
		v := valCounts[c]
		t := testCounts[c]
		split.Validation = append(split.Validation, g[:v]...)
		split.Test = append(split.Test, g[v:v+t]...)
		split.Train = append(split.Train, g[v+t:]...)
	}
	for _, part := range [][]int{split.Train, split.Validation, split.Test} {
		rng.Shuffle(len(part), func(i, j int) { part[i], part[j] = part[j], part[i] })
	}
	return split, nil
}

// StratifiedKFold deals each class's shuffled rows round-robin into k folds
// and returns the held-out positions of each fold.
func StratifiedKFold(labels []int, k int, seed uint64) ([][]int, error) {
	if k < 2 {
		return nil, errors.New("k must be at least 2")
	}
	if len(labels) < k {
		return nil, fmt.Errorf("cannot make %d folds from %d samples", k, len(labels))
	}
	rng := rand.New(rand.NewPCG(seed, 0xf01d))
	folds := make([][]int, k)
	next := 0
	for _, g := range groupByClass(labels) {
		rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		for _, idx := range g {
			folds[next%k] = append(folds[next%k], idx)
			next++
		}
	}
	for _, f := range folds {
		sort.Ints(f)
	}
	return folds, nil
}

func groupByClass(labels []int) [][]int {
	maxLabel := 0
	for _, l := range labels {
		if l > maxLabel {
			maxLabel = l
		}
	}
	groups := make([][]int, maxLabel+1)
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	return groups
}

func allocate(sizes []int, want int) []int {
	return allocateCapped(sizes, sizes, nil, want)
}

// allocateCapped splits want across classes proportionally to sizes with a
// largest-remainder rule, never exceeding limit per class. Equal remainders
// go to the class with the smaller prior count first.
func allocateCapped(sizes, limit, prior []int, want int) []int {
	total := 0
	for _, s := range sizes {
		total += s
	}
	counts := make([]int, len(sizes))
	if total == 0 || want <= 0 {
		return counts
	}
	type remainder struct {
		class int
		frac  float64
	}
	rems := make([]remainder, 0, len(sizes))
	assigned := 0
	for c, s := range sizes {
		quota := float64(s) * float64(want) / float64(total)
		counts[c] = int(math.Floor(quota))
		if counts[c] > limit[c] {
			counts[c] = limit[c]
		}
		assigned += counts[c]
		rems = append(rems, remainder{class: c, frac: quota - math.Floor(quota)})
	}
	sort.SliceStable(rems, func(i, j int) bool {
		if rems[i].frac != rems[j].frac {
			return rems[i].frac > rems[j].frac
		}
		if prior != nil {
			return prior[rems[i].class] < prior[rems[j].class]
		}
		return false
	})
	for assigned < want {
		progressed := false
		for _, r := range rems {
			if assigned >= want {
				break
			}
			if counts[r.class] < limit[r.class] {
				counts[r.class]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return counts
}

func selectRows(features [][]float64, indices []int) [][]float64 {
	out := make([][]float64, len(indices))
	for i, idx := range indices {
		out[i] = features[idx]
	}
	return out
}

func selectLabels(labels []int, indices []int) []int {
	out := make([]int, len(indices))
	for i, idx := range indices {
		out[i] = labels[idx]
	}
	return out
}

// complement returns 0..n-1 minus the sorted held-out positions.
func complement(n int, heldOut []int) []int {
	skip := make(map[int]struct{}, len(heldOut))
	for _, idx := range heldOut {
		skip[idx] = struct{}{}
	}
	out := make([]int, 0, n-len(heldOut))
	for i := 0; i < n; i++ {
		if _, ok := skip[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}
