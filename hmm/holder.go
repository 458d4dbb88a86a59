package hmm

import (
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/grailbio/bcrclust/germline"
)

// ChunkResult is a memoized (gene, subsequence) trellis score, promoted
// from a dp.Handler invocation's private chunk cache into the Holder so a
// later invocation can reuse it. Path holds the Viterbi state-index
// traceback, nil for a Forward (log-sum) result.
type ChunkResult struct {
	Total Prob
	Path  []int
}

// Holder lazily loads and caches one Model per gene (§4.2), reading each
// gene's parameter file from dir/<SanitizeGeneName(gene)>.yaml on first
// request.
type Holder struct {
	dir string

	mu     sync.Mutex
	models map[string]*Model

	rescaling bool // true while a RescaledView is outstanding

	chunks map[uint64]ChunkResult // cross-invocation promoted chunk cache, gated by the chunk_cache flag
}

// NewHolder returns a Holder that loads per-gene parameter files from dir.
func NewHolder(dir string) *Holder {
	return &Holder{dir: dir, models: make(map[string]*Model), chunks: make(map[uint64]ChunkResult)}
}

// PromotedChunk returns a previously-promoted chunk-cache entry for key, if
// any.
func (h *Holder) PromotedChunk(key uint64) (ChunkResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.chunks[key]
	return v, ok
}

// PromoteChunk persists a dp.Handler invocation's chunk-cache entry so
// future invocations can reuse it, per §4.3's chunk_cache flag.
func (h *Holder) PromoteChunk(key uint64, v ChunkResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks[key] = v
}

// Get returns the Model for gene, loading and parsing it on first request.
func (h *Holder) Get(gene string) (*Model, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getLocked(gene)
}

func (h *Holder) getLocked(gene string) (*Model, error) {
	if m, ok := h.models[gene]; ok {
		return m, nil
	}
	path := filepath.Join(h.dir, germline.SanitizeGeneName(gene)+".yaml")
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening hmm parameter file for gene %q", gene)
	}
	defer f.Close()
	m, err := ParseModel(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing hmm parameter file for gene %q", gene)
	}
	h.models[gene] = m
	return m, nil
}

// savedEmission records one state's pre-rescale emission row, for Release
// to restore verbatim.
type savedEmission struct {
	model    *Model
	state    *State
	emission []Prob
}

// RescaledView is a handle on a temporary in-place mutation of a set of
// genes' models, produced by Holder.Rescale. Exactly one RescaledView may
// be outstanding per Holder at a time; Release must be called to restore
// the original parameters and allow a subsequent Rescale.
type RescaledView struct {
	holder *Holder
	saved  []savedEmission
	done   bool
}

// Rescale adjusts the match-state emission distributions of onlyGenes' HMMs
// so that their average implied mutation frequency (the probability mass on
// a base other than each state's GermlineBase) equals target. It returns a
// handle whose Release restores the original parameters.
//
// Only one RescaledView may be outstanding at a time: this matches the
// original implementation's single global mutable parameter set, carried
// forward as an explicit borrow-and-release handle rather than an implicit
// global (per the §9 design note on going from a linear-typed borrow to
// Go's lack of one).
func (h *Holder) Rescale(onlyGenes []string, target float64) (*RescaledView, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rescaling {
		return nil, errors.New("hmm: a RescaledView is already outstanding on this Holder")
	}
	if target < 0 || target >= 1 {
		return nil, errors.Errorf("hmm: rescale target %v out of range [0, 1)", target)
	}

	view := &RescaledView{holder: h}
	for _, gene := range onlyGenes {
		m, err := h.getLocked(gene)
		if err != nil {
			view.rollbackLocked()
			return nil, err
		}
		for _, st := range m.States {
			if st.GermlineBase == 0 || st.Emission == nil {
				continue
			}
			view.saved = append(view.saved, savedEmission{model: m, state: st, emission: append([]Prob(nil), st.Emission...)})
			rescaleEmission(st, target)
		}
	}
	h.rescaling = true
	return view, nil
}

// rescaleEmission mutates st.Emission in place so the mass off
// st.GermlineBase sums to target, redistributing the remainder
// proportionally across the mismatch symbols and leaving NegInf entries
// (impossible bases) untouched.
func rescaleEmission(st *State, target float64) {
	selfIdx := emissionIndex(st.GermlineBase)
	if selfIdx < 0 {
		return
	}
	oldMismatchMass := 0.0
	for i, lp := range st.Emission {
		if i == selfIdx || lp == NegInf {
			continue
		}
		oldMismatchMass += math.Exp(lp)
	}
	if oldMismatchMass <= 0 {
		return
	}
	scale := target / oldMismatchMass
	for i, lp := range st.Emission {
		if i == selfIdx || lp == NegInf {
			continue
		}
		st.Emission[i] = logOf(math.Exp(lp) * scale)
	}
	st.Emission[selfIdx] = logOf(1 - target)
}

// Release restores every emission row this view rescaled and frees the
// Holder to accept a new Rescale call. Release is idempotent.
func (v *RescaledView) Release() {
	v.holder.mu.Lock()
	defer v.holder.mu.Unlock()
	if v.done {
		return
	}
	v.rollbackLocked()
	v.holder.rescaling = false
}

func (v *RescaledView) rollbackLocked() {
	if v.done {
		return
	}
	for _, s := range v.saved {
		copy(s.state.Emission, s.emission)
	}
	v.done = true
}
