package hallucination

import "math"

// Thresholds are the per-mask-kind uncertainty limits. A checkpoint trips
// detection only when probability, entropy and varentropy all exceed them.
type Thresholds struct {
	Entropy     float64
	Varentropy  float64
	Probability float64
}

// ThresholdMap keys thresholds by mask kind. Kinds without an entry are
// never checked.
type ThresholdMap map[MaskKind]Thresholds

// Uncertainty summarises the top-k log-prob distribution at one position.
type Uncertainty struct {
	Entropy     float64
	Varentropy  float64
	Probability float64
}

// CalculateUncertainty computes entropy (bits), varentropy and the
// probability of the leading candidate from top-k log probabilities. The
// first entry is the highest-probability candidate.
func CalculateUncertainty(logProbs []float64) Uncertainty {
	ln2 := math.Ln2

	var entropy float64
	for _, lp := range logProbs {
		entropy += -math.Exp(lp) * lp / ln2
	}

	var varentropy float64
	for _, lp := range logProbs {
		d := lp/ln2 + entropy
		varentropy += math.Exp(lp) * d * d
	}

	var pTop float64
	if len(logProbs) > 0 {
		pTop = math.Exp(logProbs[0])
	}

	return Uncertainty{Entropy: entropy, Varentropy: varentropy, Probability: pTop}
}

// Exceeds reports whether the uncertainty simultaneously clears all three
// thresholds: the model is confidently sampling from a wide, uneven
// distribution, the signature of a fabricated value.
func (u Uncertainty) Exceeds(t Thresholds) bool {
	return u.Probability > t.Probability && u.Entropy > t.Entropy && u.Varentropy > t.Varentropy
}
