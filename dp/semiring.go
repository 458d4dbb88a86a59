package dp

import (
	"math"

	"github.com/grailbio/bcrclust/hmm"
)

// Prob is the log-space value the trellis operates on.
type Prob = hmm.Prob

// NegInf is the trellis's additive identity, log(0).
const NegInf Prob = hmm.NegInf

// Semiring selects how parallel paths through the trellis are combined:
// Tropical keeps the best (Viterbi), LogSum accumulates total probability
// mass (Forward). Both fill the same trellis loop (§9's design note);
// path-segment composition (transition plus emission) is always ordinary
// log-space addition regardless of semiring, so only Combine varies.
type Semiring interface {
	Combine(a, b Prob) Prob
	// tracksBestPath reports whether the trellis should maintain
	// backpointers for traceback (true for Tropical, false for LogSum,
	// where no single predecessor is meaningful).
	tracksBestPath() bool
}

type tropicalSemiring struct{}

func (tropicalSemiring) Combine(a, b Prob) Prob  { return math.Max(a, b) }
func (tropicalSemiring) tracksBestPath() bool    { return true }

type logSumSemiring struct{}

func (logSumSemiring) Combine(a, b Prob) Prob { return logAdd(a, b) }
func (logSumSemiring) tracksBestPath() bool   { return false }

// Tropical is the max-plus semiring used for Viterbi decoding.
var Tropical Semiring = tropicalSemiring{}

// LogSum is the log-sum-exp semiring used for Forward summation.
var LogSum Semiring = logSumSemiring{}

// logAdd computes log(exp(a)+exp(b)) without over/underflow, treating
// NegInf as the absorbing identity (log(0)) rather than propagating NaN.
func logAdd(a, b Prob) Prob {
	if a == NegInf {
		return b
	}
	if b == NegInf {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
