package features

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
)

// Strategy names a feature type and the matcher used for it.
type Strategy string

const (
	// ORB descriptors are binary and matched by Hamming distance with a cross-check.
	ORB Strategy = "orb"
	// Learned descriptors are float vectors matched by L2 distance with a ratio test.
	Learned Strategy = "learned"
)

const (
	// MaxMatches caps the number of cross-checked matches returned.
	MaxMatches = 200
	// RatioThreshold is the ratio test bound between the best and second best candidate.
	RatioThreshold = 0.7
)

// Matcher matches descriptor sets.
type Matcher interface {
	Match(d1, d2 Descriptors) ([]Match, error)
}

// NewMatcher returns the matcher for a strategy.
func NewMatcher(strategy Strategy) (Matcher, error) {
	switch strategy {
	case ORB:
		return crossCheckMatcher{maxMatches: MaxMatches}, nil
	case Learned:
		return ratioMatcher{ratio: RatioThreshold}, nil
	default:
		return nil, errors.Errorf("unknown feature strategy %q", strategy)
	}
}

type crossCheckMatcher struct {
	maxMatches int
}

// Match keeps pairs that are each other's nearest neighbour.
func (m crossCheckMatcher) Match(d1, d2 Descriptors) ([]Match, error) {
	if len(d1.Float) > 0 || len(d2.Float) > 0 {
		return nil, errors.New("orb matcher requires binary descriptors")
	}
	if len(d1.Binary) == 0 || len(d2.Binary) == 0 {
		return nil, nil
	}
	forward := make([]int, len(d1.Binary))
	forwardDist := make([]int, len(d1.Binary))
	backward := make([]int, len(d2.Binary))
	backwardDist := make([]int, len(d2.Binary))
	for j := range backwardDist {
		backwardDist[j] = math.MaxInt
	}
	for i, a := range d1.Binary {
		forwardDist[i] = math.MaxInt
		for j, b := range d2.Binary {
			d, err := hamming(a, b)
			if err != nil {
				return nil, err
			}
			if d < forwardDist[i] {
				forward[i], forwardDist[i] = j, d
			}
			if d < backwardDist[j] {
				backward[j], backwardDist[j] = i, d
			}
		}
	}

	var matches []Match
	for i, j := range forward {
		if backward[j] == i {
			matches = append(matches, Match{Index1: i, Index2: j, Distance: float64(forwardDist[i])})
		}
	}
	sortByDistance(matches)
	if len(matches) > m.maxMatches {
		matches = matches[:m.maxMatches]
	}
	return matches, nil
}

func hamming(a, b []byte) (int, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("descriptor lengths differ: %d != %d", len(a), len(b))
	}
	d := 0
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d, nil
}

type ratioMatcher struct {
	ratio float64
}

// Match keeps each query's nearest neighbour when it is clearly closer than the second nearest.
func (m ratioMatcher) Match(d1, d2 Descriptors) ([]Match, error) {
	if len(d1.Binary) > 0 || len(d2.Binary) > 0 {
		return nil, errors.New("learned matcher requires float descriptors")
	}
	var matches []Match
	if len(d2.Float) < 2 {
		return matches, nil
	}
	for i, a := range d1.Float {
		best, second := math.Inf(1), math.Inf(1)
		bestIdx := -1
		for j, b := range d2.Float {
			d, err := euclidean(a, b)
			if err != nil {
				return nil, err
			}
			switch {
			case d < best:
				second = best
				best, bestIdx = d, j
			case d < second:
				second = d
			}
		}
		if best < m.ratio*second {
			matches = append(matches, Match{Index1: i, Index2: bestIdx, Distance: best})
		}
	}
	sortByDistance(matches)
	return matches, nil
}

func euclidean(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("descriptor lengths differ: %d != %d", len(a), len(b))
	}
	return floats.Distance(a, b, 2), nil
}

func sortByDistance(matches []Match) {
	slices.SortStableFunc(matches, func(a, b Match) bool {
		return a.Distance < b.Distance
	})
}
