package scoring_test

import (
	"math"
	"testing"

	"github.com/basket/arbiter/internal/scoring"
)

func TestDisagreement_AbsoluteDifference(t *testing.T) {
	cases := []struct {
		a, b, want float64
	}{
		{78, 52, 26},
		{52, 78, 26},
		{50, 50, 0},
		{100, 0, 100},
		{0, 100, 100},
		{72, 60, 12},
	}
	for _, tc := range cases {
		got := scoring.Disagreement(tc.a, tc.b)
		if got != tc.want {
			t.Errorf("Disagreement(%g, %g) = %g, want %g", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestScore_Symmetric(t *testing.T) {
	for _, agg := range []scoring.Aggregation{scoring.AggregationMin, scoring.AggregationMean} {
		d1, c1 := scoring.Score(78, 0.9, 52, 0.3, agg)
		d2, c2 := scoring.Score(52, 0.3, 78, 0.9, agg)
		if d1 != d2 || c1 != c2 {
			t.Errorf("%s: Score not symmetric: (%g,%g) vs (%g,%g)", agg, d1, c1, d2, c2)
		}
	}
}

func TestConfidence_MinTakesLower(t *testing.T) {
	if got := scoring.Confidence(0.9, 0.4, scoring.AggregationMin); got != 0.4 {
		t.Fatalf("min aggregation = %g, want 0.4", got)
	}
	if got := scoring.Confidence(0.2, 0.8, scoring.AggregationMin); got != 0.2 {
		t.Fatalf("min aggregation = %g, want 0.2", got)
	}
}

func TestConfidence_MeanPenalizedBelowFloor(t *testing.T) {
	// Both above the floor: plain average.
	got := scoring.Confidence(0.8, 0.6, scoring.AggregationMean)
	if math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("mean aggregation = %g, want 0.7", got)
	}

	// One side below the floor: the average is penalized, so a confident
	// agent cannot average away an unsure one.
	penalized := scoring.Confidence(0.9, 0.3, scoring.AggregationMean)
	plain := (0.9 + 0.3) / 2
	if penalized >= plain {
		t.Fatalf("expected penalty below %g, got %g", plain, penalized)
	}
	if math.Abs(penalized-plain*0.75) > 1e-9 {
		t.Fatalf("penalized mean = %g, want %g", penalized, plain*0.75)
	}
}

func TestConfidence_ClampsInputs(t *testing.T) {
	if got := scoring.Confidence(1.5, 2.0, scoring.AggregationMin); got != 1 {
		t.Fatalf("clamped confidence = %g, want 1", got)
	}
	if got := scoring.Confidence(-0.5, 0.5, scoring.AggregationMin); got != 0 {
		t.Fatalf("clamped confidence = %g, want 0", got)
	}
}

func TestDisagreement_ClampedToScale(t *testing.T) {
	if got := scoring.Disagreement(250, 0); got != 100 {
		t.Fatalf("clamped disagreement = %g, want 100", got)
	}
}

func TestAggregation_Valid(t *testing.T) {
	if !scoring.AggregationMin.Valid() || !scoring.AggregationMean.Valid() {
		t.Fatal("expected min and mean to be valid")
	}
	if scoring.Aggregation("max").Valid() {
		t.Fatal("expected unknown aggregation to be invalid")
	}
}
