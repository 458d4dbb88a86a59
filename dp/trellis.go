package dp

import (
	"github.com/grailbio/bcrclust/hmm"
)

// score runs m's trellis over subseq under semiring sr, returning the total
// log-probability of emitting subseq from m (combined over every path to
// end) and, when sr tracks a best path, the sequence of arena state indices
// visited (one per position of subseq).
//
// Every non-init state is assumed to consume exactly one symbol per
// position: the DP handler's boundary search over k_v/k_d is what absorbs
// the variable-length V/D/J split and insertions, so the per-gene trellis
// itself is a straight per-position profile rather than a general
// insert/delete-capable alignment HMM.
func score(m *hmm.Model, subseq []byte, sr Semiring) (total Prob, path []int, err error) {
	n := len(subseq)
	if n == 0 {
		return NegInf, nil, nil
	}
	numStates := len(m.States)

	cur := negInfRow(numStates)
	var backptrs [][]int
	if sr.tracksBestPath() {
		backptrs = make([][]int, n)
	}

	back0 := negRow(numStates)
	for _, t := range m.InitTransitions {
		if t.To < 0 {
			continue // a model whose init transitions directly to end never matches anything
		}
		st := m.States[t.To]
		val := t.LogProb + st.Emit(subseq[0])
		cur[t.To] = sr.Combine(cur[t.To], val)
	}
	if backptrs != nil {
		backptrs[0] = back0
	}

	for i := 1; i < n; i++ {
		next := negInfRow(numStates)
		var nextBack []int
		if backptrs != nil {
			nextBack = negRow(numStates)
		}
		for s, lp := range cur {
			if lp == NegInf {
				continue
			}
			st := m.States[s]
			for _, tr := range st.Transitions {
				if tr.To < 0 {
					continue // consumed at the final end-transition pass below
				}
				target := m.States[tr.To]
				val := lp + tr.LogProb + target.Emit(subseq[i])
				combined := sr.Combine(next[tr.To], val)
				if nextBack != nil && combined == val {
					nextBack[tr.To] = s
				}
				next[tr.To] = combined
			}
		}
		cur = next
		if backptrs != nil {
			backptrs[i] = nextBack
		}
	}

	total = NegInf
	endFrom := -1
	for s, lp := range cur {
		if lp == NegInf {
			continue
		}
		st := m.States[s]
		for _, tr := range st.Transitions {
			if tr.To != -1 {
				continue
			}
			val := lp + tr.LogProb
			combined := sr.Combine(total, val)
			if sr.tracksBestPath() && combined == val {
				endFrom = s
			}
			total = combined
		}
	}

	if sr.tracksBestPath() && endFrom >= 0 {
		path = make([]int, n)
		s := endFrom
		for i := n - 1; i >= 0; i-- {
			path[i] = s
			if i > 0 {
				s = backptrs[i][s]
			}
		}
	}
	return total, path, nil
}

func negInfRow(n int) []Prob {
	row := make([]Prob, n)
	for i := range row {
		row[i] = NegInf
	}
	return row
}

func negRow(n int) []int {
	row := make([]int, n)
	for i := range row {
		row[i] = -1
	}
	return row
}
