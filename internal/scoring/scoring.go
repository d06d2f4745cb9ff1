// Package scoring computes divergence and aggregate confidence between two
// opposing agent positions. All functions are pure and stateless; the
// caller feeds the latest round's scores only, never history.
package scoring

// Aggregation selects how two self-reported confidences combine.
type Aggregation string

const (
	// AggregationMin takes the lower of the two confidences. The default:
	// one unsure agent caps the whole round.
	AggregationMin Aggregation = "min"
	// AggregationMean averages the confidences but penalizes the result
	// when either side falls below lowConfidenceFloor, so a confident
	// agent cannot average away an unsure one.
	AggregationMean Aggregation = "mean"
)

// lowConfidenceFloor is the bar under which a single agent's confidence
// drags down a mean aggregation.
const lowConfidenceFloor = 0.4

// meanPenalty is applied to a mean aggregation when either confidence is
// below the floor.
const meanPenalty = 0.75

// Valid reports whether a is a known aggregation mode.
func (a Aggregation) Valid() bool {
	return a == AggregationMin || a == AggregationMean
}

// Score returns the normalized disagreement (0-100) between two opposing
// scores and the aggregate of their confidences (0-1). Symmetric in its
// (score, confidence) pairs.
func Score(scoreA, confA, scoreB, confB float64, agg Aggregation) (disagreement, confidence float64) {
	return Disagreement(scoreA, scoreB), Confidence(confA, confB, agg)
}

// Disagreement is the absolute difference of two primary scores, clamped
// to the 0-100 scale the scores themselves use.
func Disagreement(scoreA, scoreB float64) float64 {
	d := scoreA - scoreB
	if d < 0 {
		d = -d
	}
	if d > 100 {
		d = 100
	}
	return d
}

// Confidence aggregates two self-reported confidences per the configured
// mode. Inputs outside [0,1] are clamped.
func Confidence(confA, confB float64, agg Aggregation) float64 {
	confA = clamp01(confA)
	confB = clamp01(confB)
	switch agg {
	case AggregationMean:
		c := (confA + confB) / 2
		if confA < lowConfidenceFloor || confB < lowConfidenceFloor {
			c *= meanPenalty
		}
		return c
	default: // AggregationMin
		if confA < confB {
			return confA
		}
		return confB
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
