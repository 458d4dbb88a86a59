// Package reco encodes a single V/D/J recombination event decoded by the dp
// package's Viterbi pass: the genes chosen, the deletions and insertions
// that separate the observed sequence from its germline pieces, and the
// per-region ranked support lists kept for the single best event.
package reco

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/grailbio/bcrclust/germline"
)

// GeneSupport is one (gene, log-probability) entry in a per-region ranked
// support list.
type GeneSupport struct {
	Gene    string
	LogProb float64
}

// Event is a single parse: which V/D/J genes were used, how much of each
// was deleted from its germline boundaries, what nucleotides were inserted
// between them, and the resulting alignment score.
type Event struct {
	VGene, DGene, JGene string

	// Deletions, as non-negative base counts trimmed from each germline
	// segment's boundary.
	V5pDel, V3pDel int
	D5pDel, D3pDel int
	J5pDel, J3pDel int

	// Insertions: nucleotides with no germline origin, spliced in at each
	// junction. FV/JF are the sequence's un-recombined flanks.
	FVInsertion, VDInsertion, DJInsertion, JFInsertion string

	Score float64

	// NaiveSeq is populated by SetNaiveSeq.
	NaiveSeq string

	// VSupport, DSupport, JSupport are the per-region ranked (gene,
	// log-probability) lists, populated only for the single best event of
	// a cluster.
	VSupport, DSupport, JSupport []GeneSupport

	// Errors accumulates diagnostic tags (e.g. "boundary") attached to
	// this event's originating query.
	Errors []string
}

// SetNaiveSeq assembles the naive (un-mutated ancestral) sequence implied
// by e's genes, deletions, and insertions, per the decoding invariant:
// naive = fv + V[v5pDel:|V|-v3pDel] + vd + D[d5pDel:|D|-d3pDel] + dj + J[j5pDel:|J|-j3pDel] + jf
func (e *Event) SetNaiveSeq(store *germline.Store) error {
	v, err := trimmedGermline(store, e.VGene, e.V5pDel, e.V3pDel)
	if err != nil {
		return errors.Wrap(err, "naive seq V segment")
	}
	d, err := trimmedGermline(store, e.DGene, e.D5pDel, e.D3pDel)
	if err != nil {
		return errors.Wrap(err, "naive seq D segment")
	}
	j, err := trimmedGermline(store, e.JGene, e.J5pDel, e.J3pDel)
	if err != nil {
		return errors.Wrap(err, "naive seq J segment")
	}
	var b strings.Builder
	b.WriteString(e.FVInsertion)
	b.WriteString(v)
	b.WriteString(e.VDInsertion)
	b.WriteString(d)
	b.WriteString(e.DJInsertion)
	b.WriteString(j)
	b.WriteString(e.JFInsertion)
	e.NaiveSeq = b.String()
	return nil
}

func trimmedGermline(store *germline.Store, gene string, del5p, del3p int) (string, error) {
	full, err := store.Seq(gene)
	if err != nil {
		return "", err
	}
	if del5p < 0 || del3p < 0 || del5p+del3p > len(full) {
		return "", errors.Errorf("gene %s: deletions %d/%d exceed length %d", gene, del5p, del3p, len(full))
	}
	return full[del5p : len(full)-del3p], nil
}

// Less reports whether e should sort before other: events are ordered by
// Score descending, matching the "higher score wins" comparison (§4.4).
func (e *Event) Less(other *Event) bool { return e.Score > other.Score }

// SortByScore sorts events by descending Score, the order a Result's
// candidate events are always kept in.
func SortByScore(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Less(events[j]) })
}

// String renders a plain single-line diagnostic summary of e. Unlike the
// original's colorized terminal printer, it emits no ANSI escapes: color
// presentation is explicitly out of scope (§1), this is diagnostic-only.
func (e *Event) String() string {
	return fmt.Sprintf("V=%s D=%s J=%s score=%.3f dels=(%d,%d,%d,%d,%d,%d) ins=(fv=%q vd=%q dj=%q jf=%q)",
		e.VGene, e.DGene, e.JGene, e.Score,
		e.V5pDel, e.V3pDel, e.D5pDel, e.D3pDel, e.J5pDel, e.J3pDel,
		e.FVInsertion, e.VDInsertion, e.DJInsertion, e.JFInsertion)
}

// Diff returns the 0-based positions at which e.NaiveSeq disagrees with
// ref. Both must be the same length; this supplements the core decoding
// invariant with a convenience used by diagnostics and tests to locate
// exactly where a naive sequence departs from an expected reference.
func (e *Event) Diff(ref string) []int {
	var positions []int
	n := len(e.NaiveSeq)
	if len(ref) < n {
		n = len(ref)
	}
	for i := 0; i < n; i++ {
		if e.NaiveSeq[i] != ref[i] {
			positions = append(positions, i)
		}
	}
	return positions
}

// FormatGeneSupport renders a ranked support list as "gene:logprob"
// entries, `;`-separated and sorted descending by log-probability, per the
// annotations CSV column format (§6).
func FormatGeneSupport(support []GeneSupport) string {
	sorted := append([]GeneSupport(nil), support...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LogProb > sorted[j].LogProb })
	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = fmt.Sprintf("%s:%g", s.Gene, s.LogProb)
	}
	return strings.Join(parts, ";")
}
