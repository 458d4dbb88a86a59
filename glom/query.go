package glom

import (
	"strings"

	"github.com/grailbio/bcrclust/dp"
	"github.com/grailbio/bcrclust/seq"
)

// Query is the per-cluster metadata the Glomerator tracks: its canonical
// name-string key, member sequences, k-bounds, gene shortlist, and
// provenance (the two parents it was merged from, if any).
type Query struct {
	Key       string
	Seqs      []seq.Sequence
	KBounds   dp.KBounds
	OnlyGenes dp.GeneLists
	CDR3Len   int

	// MutFreq is the cluster's mean mutation frequency, used to rescale
	// the HMM holder's emission parameters before scoring (hmm.Holder.Rescale).
	// Zero means "use each gene model's parameters as loaded, unscaled".
	MutFreq float64

	ParentA, ParentB string // empty for an original input cluster
}

// names returns the member sequence names, in input order.
func (q *Query) names() []string { return seq.Names(q.Seqs) }

// joinKey builds a cluster's canonical name-string key: its constituent
// input sequence names, colon-joined in merge order.
func joinKey(names []string) string { return strings.Join(names, ":") }

// mergeKey builds the new cluster's key from its two parents', preserving
// each parent's own constituent order: a's names, then b's.
func mergeKey(a, b *Query) string {
	return a.Key + ":" + b.Key
}

// jointKey returns the canonical key of the unordered pair {a, b} used to
// index pairwise caches (naive_hfrac, already-done set): lexicographically
// sorted so jointKey(a,b) == jointKey(b,a).
func jointKey(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// size returns a cluster's sequence count, the unit Config's
// LogProbRatioThreshold and AsymFactor are measured in.
func (q *Query) size() int { return len(q.Seqs) }
