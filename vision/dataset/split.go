package dataset

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/rand"
)

// StratifiedSplit partitions sample indices so every label keeps its share in
// both halves. valFraction of each class (rounded) goes to validation. The
// same labels and seed always give the same partition; both index lists are
// sorted.
func StratifiedSplit(labels []int, valFraction float64, seed uint64) (train, val []int, err error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("%w: validation fraction %v outside [0, 1)", ErrData, valFraction)
	}

	byClass := make(map[int][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewSource(seed))
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nVal := int(math.Round(valFraction * float64(len(idx))))
		val = append(val, idx[:nVal]...)
		train = append(train, idx[nVal:]...)
	}
	sort.Ints(train)
	sort.Ints(val)
	return train, val, nil
}
