package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ForestConfig is one point of the tree-ensemble hyperparameter grid.
type ForestConfig struct {
	NEstimators     int    `json:"n_estimators"`
	MaxDepth        int    `json:"max_depth"`
	MinSamplesSplit int    `json:"min_samples_split"`
	Seed            uint64 `json:"seed"`
}

// RandomForest averages the leaf distributions of bootstrap-trained trees
// that each look at sqrt(features) candidates per split.
type RandomForest struct {
	Config  ForestConfig    `json:"config"`
	Trees   []*DecisionTree `json:"trees"`
	Classes int             `json:"num_classes"`
}

func NewRandomForest(config ForestConfig) *RandomForest {
	if config.NEstimators <= 0 {
		config.NEstimators = 100
	}
	if config.MinSamplesSplit < 2 {
		config.MinSamplesSplit = 2
	}
	return &RandomForest{Config: config}
}

func (rf *RandomForest) Fit(features [][]float64, labels []int, numClasses int) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	maxFeatures := int(math.Sqrt(float64(len(features[0]))))
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	rng := rand.New(rand.NewPCG(rf.Config.Seed, 0xf0e57))
	n := len(features)
	trees := make([]*DecisionTree, rf.Config.NEstimators)
	for t := range trees {
		bootstrap := make([]int, n)
		for i := range bootstrap {
			bootstrap[i] = rng.IntN(n)
		}
		tree := NewDecisionTree(TreeConfig{
			MaxDepth:        rf.Config.MaxDepth,
			MinSamplesSplit: rf.Config.MinSamplesSplit,
			MaxFeatures:     maxFeatures,
		})
		treeRng := rand.New(rand.NewPCG(rng.Uint64(), uint64(t)))
		if err := tree.fitIndices(features, labels, numClasses, bootstrap, treeRng); err != nil {
			return err
		}
		trees[t] = tree
	}
	rf.Trees = trees
	rf.Classes = numClasses
	return nil
}

// Validate rejects a decoded forest whose trees could index outside their
// node or class tables.
func (rf *RandomForest) Validate() error {
	if len(rf.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	if rf.Classes < 2 {
		return fmt.Errorf("forest has %d classes", rf.Classes)
	}
	for i, tree := range rf.Trees {
		if tree == nil {
			return fmt.Errorf("tree %d is missing", i)
		}
		if err := tree.validate(rf.Classes); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

func (rf *RandomForest) NumClasses() int {
	return rf.Classes
}

func (rf *RandomForest) PredictProba(features []float64) ([]float64, error) {
	if len(rf.Trees) == 0 {
		return nil, ErrModelNotTrained
	}
	proba := make([]float64, rf.Classes)
	for _, tree := range rf.Trees {
		leaf, err := tree.leaf(features)
		if err != nil {
			return nil, err
		}
		for i, p := range leaf.Distribution {
			proba[i] += p
		}
	}
	for i := range proba {
		proba[i] /= float64(len(rf.Trees))
	}
	return proba, nil
}
