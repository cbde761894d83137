// Package comparison computes before/after damage deltas.
// The delta is a per-class multiset difference: a class counts as new
// damage only for the occurrences beyond what the before image already
// showed, floored at zero per class. Matching is by class label alone:
// two same-class detections anywhere in the frame are interchangeable.
// Spatial correlation is out of scope.
package comparison

import (
	"damage-cost/internal/detection"
	"damage-cost/internal/estimation"
	"damage-cost/internal/pricing"
)

// Result is the comparison output. NewDamageCounts holds only the classes
// with a positive delta; NewDamageCosts prices exactly that delta multiset.
type Result struct {
	BeforeCounts    map[string]int
	AfterCounts     map[string]int
	NewDamageCounts map[string]int
	NewDamageCosts  *estimation.Summary
}

// Engine feeds delta multisets into the cost aggregator.
type Engine struct {
	aggregator *estimation.Aggregator
}

// NewEngine creates a comparison engine on top of an aggregator.
func NewEngine(aggregator *estimation.Aggregator) *Engine {
	return &Engine{aggregator: aggregator}
}

// Compare counts classes on both sides, takes the positive per-class delta,
// and prices it. An empty after list yields an empty delta and zero totals;
// an empty before list makes everything in after new.
func (e *Engine) Compare(before, after []detection.Detection) (*Result, error) {
	if err := detection.Validate(before); err != nil {
		return nil, err
	}
	if err := detection.Validate(after); err != nil {
		return nil, err
	}

	result := &Result{
		BeforeCounts:    countByClass(before),
		AfterCounts:     countByClass(after),
		NewDamageCounts: make(map[string]int),
	}

	for class, afterCount := range result.AfterCounts {
		if delta := afterCount - result.BeforeCounts[class]; delta > 0 {
			result.NewDamageCounts[class] = delta
		}
	}

	// Expand the delta back into a synthetic detection list for costing.
	// Confidence and boxes are dropped: only counts matter here.
	synthetic := make([]detection.Detection, 0)
	for class, n := range result.NewDamageCounts {
		for i := 0; i < n; i++ {
			synthetic = append(synthetic, detection.Detection{Class: class})
		}
	}

	costs, err := e.aggregator.Aggregate(synthetic)
	if err != nil {
		return nil, err
	}
	result.NewDamageCosts = costs
	return result, nil
}

func countByClass(detections []detection.Detection) map[string]int {
	counts := make(map[string]int)
	for _, d := range detections {
		counts[pricing.NormalizeClass(d.Class)]++
	}
	return counts
}
