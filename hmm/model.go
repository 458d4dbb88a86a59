// Package hmm holds the per-gene Hidden Markov Model representation (§4.2,
// §6, §9) and the lazily-populated holder that loads and caches them.
//
// States are kept in an arena (a plain slice): transitions reference their
// target by arena index rather than by pointer, so the model has no cyclic
// owning references and can be copied/compared cheaply. Names are resolved
// to indices once, while ParseModel builds the model, per the §9 design
// note.
package hmm

import (
	"math"

	"github.com/grailbio/bcrclust/seq"
)

// Prob is a log-space probability. NegInf is the identity element for
// log-sum-exp addition.
type Prob = float64

// NegInf represents log(0).
const NegInf Prob = math.Inf(-1)

// endIndex is the sentinel transition target denoting the model's single
// ending state.
const endIndex = -1

// Transition is an arena-indexed edge: To is either a State index within
// Model.States, or endIndex for a transition directly to the end state.
type Transition struct {
	To      int
	LogProb Prob
}

// State is one node of the HMM, with transitions to other arena-indexed
// states and an emission distribution over seq.Alphabet.
type State struct {
	Name        string
	Transitions []Transition
	// Emission holds one log-probability per symbol of seq.Alphabet; nil
	// for states (like pure insert/delete bookkeeping states) that don't
	// emit, though in this single-track nucleotide model essentially every
	// non-init state emits.
	Emission []Prob
	// GermlineBase is the reference nucleotide this state's position
	// corresponds to in the germline sequence, or 0 if the state has no
	// single corresponding germline base (e.g. insert states). It anchors
	// Holder.Rescale's notion of "mutation frequency" at this position.
	GermlineBase byte
}

// emissionIndex returns the index into State.Emission for base, or -1.
func emissionIndex(base byte) int {
	for i := 0; i < len(seq.Alphabet); i++ {
		if seq.Alphabet[i] == base {
			return i
		}
	}
	return -1
}

// Emit returns the log-probability of emitting base from st.
func (st *State) Emit(base byte) Prob {
	i := emissionIndex(base)
	if i < 0 || st.Emission == nil {
		return NegInf
	}
	return st.Emission[i]
}

// Model is one gene's HMM: an arena of States plus the distinguished init
// transitions that start a parse. There is no separate arena slot for
// init/end: the init state's outgoing transitions are stored directly, and
// "end" is addressed via endIndex rather than occupying a State.
type Model struct {
	Name     string
	GeneProb float64 // raw (non-log) prior probability of this gene, from extras.gene_prob

	States []*State // arena; Transition.To indexes into this slice, or is endIndex

	InitTransitions []Transition // transitions out of the implicit "init" state

	finalized bool
}

// StateByName returns the arena index of the state named, or -1.
func (m *Model) StateByName(name string) int {
	for i, st := range m.States {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// Finalize validates the model's topology and must be called once after
// a Model's States/InitTransitions are fully populated. ParseModel always
// returns a finalized Model; Finalize is exported so that programmatically
// constructed models (as used in tests) can reuse the same validation path.
func (m *Model) Finalize() error {
	if m.finalized {
		return nil
	}
	if m.StateByName("init") >= 0 {
		return errInvalidTopology("init must not be a regular state; its transitions are InitTransitions")
	}
	if len(m.InitTransitions) == 0 {
		return errInvalidTopology("model " + m.Name + " has no transitions out of init")
	}
	m.finalized = true
	return nil
}

type errInvalidTopology string

func (e errInvalidTopology) Error() string { return string(e) }
