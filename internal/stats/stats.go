// Package stats summarizes collected conversions per variation.
package stats

import (
	"math"
	"sort"

	"github.com/attribution-goat/attribution-goat/internal/store"
)

// Confidence level used for the share intervals.
const Confidence = 0.95

// Summary is the attribution breakdown for one account.
type Summary struct {
	Variations   []VariationResult
	Conversions  int
	Revenue      float64
	Unattributed int // Conversions that carried no variation id

	// Leading is the attributed variation with the most conversions, empty
	// when nothing was attributed.
	Leading string
	// LeadConfidence is the probability that Leading really beats the
	// runner-up, from a sign test on their conversion counts.
	LeadConfidence float64
	Confident      bool
}

type VariationResult struct {
	VariationID string
	Conversions int
	Visitors    int
	Revenue     float64
	AOV         float64 // Average order value
	Share       float64 // Fraction of attributed conversions
	ShareLower  float64
	ShareUpper  float64
}

// Summarize builds the per-variation breakdown. Shares are computed over
// attributed conversions only; unattributed ones count towards the totals.
func Summarize(rows []store.VariationStats) *Summary {
	sum := &Summary{}
	attributed := 0
	for _, r := range rows {
		sum.Conversions += r.Conversions
		sum.Revenue += r.Revenue
		if r.VariationID == "" {
			sum.Unattributed += r.Conversions
			continue
		}
		attributed += r.Conversions
	}

	for _, r := range rows {
		if r.VariationID == "" {
			continue
		}
		v := VariationResult{
			VariationID: r.VariationID,
			Conversions: r.Conversions,
			Visitors:    r.Visitors,
			Revenue:     r.Revenue,
		}
		if r.Conversions > 0 {
			v.AOV = r.Revenue / float64(r.Conversions)
		}
		if attributed > 0 {
			v.Share = float64(r.Conversions) / float64(attributed)
		}
		v.ShareLower, v.ShareUpper = WilsonInterval(r.Conversions, attributed, Confidence)
		sum.Variations = append(sum.Variations, v)
	}

	sort.SliceStable(sum.Variations, func(i, j int) bool {
		a, b := sum.Variations[i], sum.Variations[j]
		if a.Conversions != b.Conversions {
			return a.Conversions > b.Conversions
		}
		return a.VariationID < b.VariationID
	})

	switch len(sum.Variations) {
	case 0:
	case 1:
		sum.Leading = sum.Variations[0].VariationID
	default:
		sum.Leading = sum.Variations[0].VariationID
		sum.LeadConfidence = SignTest(sum.Variations[0].Conversions, sum.Variations[1].Conversions)
		sum.Confident = sum.LeadConfidence >= Confidence
	}
	return sum
}

// WilsonInterval is the Wilson score interval for successes out of trials.
func WilsonInterval(successes, trials int, confidence float64) (lower, upper float64) {
	if trials == 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	n := float64(trials)
	p := float64(successes) / n

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// ZScore is the two-sided critical value for a confidence level in (0, 1).
func ZScore(confidence float64) float64 {
	if confidence <= 0 || confidence >= 1 {
		return math.NaN()
	}
	return math.Sqrt2 * math.Erfinv(confidence)
}

// SignTest returns the confidence that a process producing a and b events
// favours a, using the normal approximation to the binomial with p = 0.5.
func SignTest(a, b int) float64 {
	n := a + b
	if n == 0 {
		return 0.5
	}
	z := float64(a-b) / math.Sqrt(float64(n))
	return normalCDF(z)
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
