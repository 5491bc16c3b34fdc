package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// TreeConfig mirrors the usual CART knobs. MaxDepth 0 means unbounded and
// MaxFeatures 0 means every feature is considered at each split.
type TreeConfig struct {
	MaxDepth        int    `json:"max_depth"`
	MinSamplesSplit int    `json:"min_samples_split"`
	MaxFeatures     int    `json:"max_features"`
	Seed            uint64 `json:"seed"`
}

type DecisionTree struct {
	Config  TreeConfig `json:"config"`
	Nodes   []TreeNode `json:"nodes"`
	Classes int        `json:"num_classes"`
}

type TreeNode struct {
	FeatureIdx   int       `json:"feature_idx"`
	Threshold    float64   `json:"threshold"`
	LeftChild    int       `json:"left_child"`
	RightChild   int       `json:"right_child"`
	IsLeaf       bool      `json:"is_leaf"`
	Distribution []float64 `json:"distribution,omitempty"`
}

func NewDecisionTree(config TreeConfig) *DecisionTree {
	if config.MinSamplesSplit < 2 {
		config.MinSamplesSplit = 2
	}
	return &DecisionTree{Config: config}
}

func (dt *DecisionTree) Fit(features [][]float64, labels []int, numClasses int) error {
	indices := make([]int, len(features))
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewPCG(dt.Config.Seed, 0x7ee))
	return dt.fitIndices(features, labels, numClasses, indices, rng)
}

// fitIndices grows the tree on the rows named by indices; repeated indices
// act as sample weights, which is how bootstrap samples are passed in.
func (dt *DecisionTree) fitIndices(features [][]float64, labels []int, numClasses int, indices []int, rng *rand.Rand) error {
	if len(features) == 0 || len(labels) == 0 || len(indices) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if numClasses <= 0 {
		return errors.New("numClasses must be positive")
	}
	for _, label := range labels {
		if label < 0 || label >= numClasses {
			return errors.New("label out of range")
		}
	}
	if dt.Config.MinSamplesSplit < 2 {
		dt.Config.MinSamplesSplit = 2
	}

	b := &treeBuilder{
		features:    features,
		labels:      labels,
		numClasses:  numClasses,
		numFeatures: len(features[0]),
		rng:         rng,
		config:      dt.Config,
	}
	dt.Classes = numClasses
	dt.Nodes = nil
	dt.buildNode(b, indices, 0)
	return nil
}

func (dt *DecisionTree) NumClasses() int {
	return dt.Classes
}

func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), leaf.Distribution...), nil
}

// validate checks a decoded tree: children sit after their parent and
// every leaf distribution has one entry per class.
func (dt *DecisionTree) validate(classes int) error {
	if len(dt.Nodes) == 0 {
		return errors.New("tree has no nodes")
	}
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			if len(node.Distribution) != classes {
				return fmt.Errorf("leaf %d has %d class entries, want %d", i, len(node.Distribution), classes)
			}
			continue
		}
		if node.FeatureIdx < 0 {
			return fmt.Errorf("node %d splits on feature %d", i, node.FeatureIdx)
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= i || child >= len(dt.Nodes) {
				return fmt.Errorf("node %d has child %d outside (%d, %d)", i, child, i, len(dt.Nodes))
			}
		}
	}
	return nil
}

func (dt *DecisionTree) leaf(features []float64) (*TreeNode, error) {
	if len(dt.Nodes) == 0 {
		return nil, ErrModelNotTrained
	}
	idx := 0
	for {
		node := &dt.Nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

type treeBuilder struct {
	features    [][]float64
	labels      []int
	numClasses  int
	numFeatures int
	rng         *rand.Rand
	config      TreeConfig
}

// buildNode appends the subtree for indices and returns its root position.
// Children always sit after their parent in Nodes.
func (dt *DecisionTree) buildNode(b *treeBuilder, indices []int, depth int) int {
	nodeID := len(dt.Nodes)
	dt.Nodes = append(dt.Nodes, TreeNode{})

	counts := b.classCounts(indices)
	if (b.config.MaxDepth > 0 && depth >= b.config.MaxDepth) ||
		len(indices) < b.config.MinSamplesSplit || isPure(counts) {
		dt.Nodes[nodeID] = leafNode(counts, len(indices))
		return nodeID
	}

	feature, threshold, ok := b.findBestSplit(indices, counts)
	if !ok {
		dt.Nodes[nodeID] = leafNode(counts, len(indices))
		return nodeID
	}

	left, right := splitIndices(b.features, indices, feature, threshold)
	if len(left) == 0 || len(right) == 0 {
		dt.Nodes[nodeID] = leafNode(counts, len(indices))
		return nodeID
	}

	leftID := dt.buildNode(b, left, depth+1)
	rightID := dt.buildNode(b, right, depth+1)
	dt.Nodes[nodeID] = TreeNode{
		FeatureIdx: feature,
		Threshold:  threshold,
		LeftChild:  leftID,
		RightChild: rightID,
	}
	return nodeID
}

func (b *treeBuilder) classCounts(indices []int) []float64 {
	counts := make([]float64, b.numClasses)
	for _, i := range indices {
		counts[b.labels[i]]++
	}
	return counts
}

// findBestSplit scans every boundary between distinct sorted values of a
// random feature subset and keeps the lowest weighted Gini impurity.
func (b *treeBuilder) findBestSplit(indices []int, total []float64) (int, float64, bool) {
	candidates := b.candidateFeatures()
	n := float64(len(indices))
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	sorted := make([]int, len(indices))
	left := make([]float64, b.numClasses)
	right := make([]float64, b.numClasses)
	for _, featureIdx := range candidates {
		copy(sorted, indices)
		sort.Slice(sorted, func(i, j int) bool {
			return b.features[sorted[i]][featureIdx] < b.features[sorted[j]][featureIdx]
		})
		for k := range left {
			left[k] = 0
		}
		copy(right, total)

		for i := 0; i < len(sorted)-1; i++ {
			label := b.labels[sorted[i]]
			left[label]++
			right[label]--
			value := b.features[sorted[i]][featureIdx]
			next := b.features[sorted[i+1]][featureIdx]
			if next <= value {
				continue
			}
			nl := float64(i + 1)
			nr := n - nl
			impurity := (nl*giniCounts(left, nl) + nr*giniCounts(right, nr)) / n
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = value + (next-value)/2
				if bestThreshold >= next {
					bestThreshold = value
				}
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func (b *treeBuilder) candidateFeatures() []int {
	k := b.config.MaxFeatures
	if k <= 0 || k >= b.numFeatures {
		all := make([]int, b.numFeatures)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return b.rng.Perm(b.numFeatures)[:k]
}

func splitIndices(features [][]float64, indices []int, featureIdx int, threshold float64) ([]int, []int) {
	left := make([]int, 0, len(indices))
	right := make([]int, 0, len(indices))
	for _, i := range indices {
		if features[i][featureIdx] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

func giniCounts(counts []float64, total float64) float64 {
	if total == 0 {
		return 0
	}
	impurity := 1.0
	for _, c := range counts {
		p := c / total
		impurity -= p * p
	}
	return impurity
}

func leafNode(counts []float64, total int) TreeNode {
	dist := make([]float64, len(counts))
	for i, c := range counts {
		dist[i] = c / float64(total)
	}
	return TreeNode{
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		IsLeaf:       true,
		Distribution: dist,
	}
}

func isPure(counts []float64) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}
