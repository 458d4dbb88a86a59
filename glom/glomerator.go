// Package glom implements the Glomerator (§4.6): the agglomerative
// merge loop that turns an initial list of clusters into a partition,
// driven by a cheap naive-Hamming-fraction pre-filter and, failing that,
// a likelihood-ratio evaluated by the dp package's HMM trellis.
package glom

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/file"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/grailbio/bcrclust/clusterpath"
	"github.com/grailbio/bcrclust/dp"
	"github.com/grailbio/bcrclust/germline"
	"github.com/grailbio/bcrclust/hmm"
	"github.com/grailbio/bcrclust/reco"
	"github.com/grailbio/bcrclust/seq"
)

// highwayhashKey is a fixed zero key: the already-done set only needs a
// fast, well-distributed digest, not a keyed MAC.
var highwayhashKey = make([]byte, 32)

// Glomerator runs the merge loop over an initial set of Query clusters.
type Glomerator struct {
	Config Config
	Chain  string

	store   *germline.Store
	holder  *hmm.Holder
	caches  *Caches
	resolver *Resolver

	active map[string]*Query // cluster key -> live Query
	order  []string          // creation order, preserved across merges

	subsets map[string]*Query // surrogate representative-subset queries, by key

	path *clusterpath.Path
	rng  *rand.Rand

	alreadyDone map[[highwayhash.Size]byte]bool
}

// New returns a Glomerator ready to accept AddQuery calls.
func New(cfg Config, chain string, store *germline.Store, holder *hmm.Holder, caches *Caches) *Glomerator {
	return &Glomerator{
		Config:      cfg,
		Chain:       chain,
		store:       store,
		holder:      holder,
		caches:      caches,
		resolver:    NewResolver(),
		active:      make(map[string]*Query),
		subsets:     make(map[string]*Query),
		path:        clusterpath.New(),
		rng:         rand.New(rand.NewSource(cfg.RNGSeed)),
		alreadyDone: make(map[[highwayhash.Size]byte]bool),
	}
}

// AddQuery registers an initial input cluster.
func (g *Glomerator) AddQuery(q *Query) {
	g.active[q.Key] = q
	g.order = append(g.order, q.Key)
}

// Path returns the trail of partitions visited so far.
func (g *Glomerator) Path() *clusterpath.Path { return g.path }

// FinalEvents Viterbi-decodes every cluster in the current (final) active
// partition, for annotations output. A cluster whose boundary search
// never resolved is omitted, with its failure already recorded in
// Caches.Errors.
func (g *Glomerator) FinalEvents(ctx context.Context) (map[string]*reco.Event, error) {
	out := make(map[string]*reco.Event, len(g.active))
	for key, q := range g.active {
		event, failed, err := g.runViterbiEvent(ctx, q)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding final event for %s", key)
		}
		if failed || event == nil {
			g.markFailed(key)
			continue
		}
		event.Errors = append(event.Errors, g.caches.Errors[key]...)
		out[key] = event
	}
	return out, nil
}

// Cluster runs the merge loop to completion (§4.6's `cluster()` operation):
// it evaluates the initial partition, then repeatedly merges until no pair
// qualifies, the configured log-probability drop margin is exceeded, or a
// stop file appears.
func (g *Glomerator) Cluster(ctx context.Context) error {
	if err := g.appendPartition(ctx); err != nil {
		return err
	}
	maxMerges := len(g.order) - 1
	for i := 0; i < maxMerges; i++ {
		if g.stopRequested(ctx) {
			g.vlogf(1, "stop file present, exiting")
			break
		}
		a, b, committed, err := g.tryHfracMerge(ctx)
		if err != nil {
			return err
		}
		if !committed {
			a, b, committed, err = g.tryLRatioMerge(ctx)
			if err != nil {
				return err
			}
		}
		if !committed {
			g.vlogf(1, "no qualifying pair, stopping")
			break
		}
		if err := g.commitMerge(ctx, a, b); err != nil {
			return err
		}
		if err := g.appendPartition(ctx); err != nil {
			return err
		}
		g.writeStatus(ctx)
		if g.droppedTooFar() {
			g.vlogf(0, "partition log-prob dropped past the configured margin, stopping")
			break
		}
	}
	return nil
}

func (g *Glomerator) stopRequested(ctx context.Context) bool {
	if g.Config.StopFile == "" {
		return false
	}
	_, err := file.Stat(ctx, g.Config.StopFile)
	return err == nil
}

func (g *Glomerator) writeStatus(ctx context.Context) {
	if g.Config.StatusFile == "" {
		return
	}
	_, best := g.path.Best()
	f, err := file.Create(ctx, g.Config.StatusFile)
	if err != nil {
		return
	}
	fmt.Fprintf(f.Writer(ctx), "partitions=%d best_logprob=%g\n", g.path.Len(), best)
	_ = f.Close(ctx)
}

func (g *Glomerator) vlogf(level int, format string, args ...interface{}) {
	if g.Config.Debug >= level {
		vlog.VI(vlog.Level(level)).Infof(format, args...)
	}
}

// appendPartition computes (or fetches) every active cluster's
// log-probability and appends the current partition's total to the path.
func (g *Glomerator) appendPartition(ctx context.Context) error {
	total := math.Inf(-1)
	keys := make([]string, len(g.order))
	copy(keys, g.order)
	for _, key := range g.order {
		q := g.active[key]
		lp, err := g.clusterLogProb(ctx, q)
		if err != nil {
			return err
		}
		total = addLog(total, lp)
	}
	g.path.Append(clusterpath.Partition(keys), total, 0)
	return nil
}

func (g *Glomerator) droppedTooFar() bool {
	_, best := g.path.Best()
	_, currentLP := g.path.Current()
	return best-currentLP > g.Config.TerminationLogProbDrop
}

// addLog is −∞-absorbing log-space addition (§4.3/§8).
func addLog(a, b float64) float64 {
	if a == math.Inf(-1) {
		return b
	}
	if b == math.Inf(-1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

func markDone(done map[[highwayhash.Size]byte]bool, a, b string) {
	lo, hi := jointKey(a, b)
	done[highwayhash.Sum([]byte(lo+"\x00"+hi), highwayhashKey)] = true
}

func isDone(done map[[highwayhash.Size]byte]bool, a, b string) bool {
	lo, hi := jointKey(a, b)
	return done[highwayhash.Sum([]byte(lo+"\x00"+hi), highwayhashKey)]
}

// candidatePairs enumerates every unordered pair of currently active
// clusters eligible under seed mode, in partition insertion order (the
// ordering invariant of §5). In seed mode, a pair qualifies only if one of
// its two clusters contains the seed sequence, and that cluster is always
// reported as the pair's a-side.
func (g *Glomerator) candidatePairs() [][2]string {
	var pairs [][2]string
	for i := 0; i < len(g.order); i++ {
		x := g.order[i]
		if _, ok := g.active[x]; !ok {
			continue
		}
		for j := i + 1; j < len(g.order); j++ {
			y := g.order[j]
			if _, ok := g.active[y]; !ok {
				continue
			}
			a, b := x, y
			if g.Config.SeedUniqueID != "" {
				aSeed := g.clusterContains(a, g.Config.SeedUniqueID)
				bSeed := g.clusterContains(b, g.Config.SeedUniqueID)
				if !aSeed && !bSeed {
					continue
				}
				if !aSeed && bSeed {
					a, b = b, a
				}
			}
			pairs = append(pairs, [2]string{a, b})
		}
	}
	return pairs
}

func (g *Glomerator) clusterContains(key, seqName string) bool {
	q, ok := g.active[key]
	if !ok {
		return false
	}
	for _, s := range q.Seqs {
		if s.Name == seqName {
			return true
		}
	}
	return false
}

// pairCandidate is an llrb.Comparable ordering candidate merges by
// ascending hfrac, tie-broken lexicographically on the joint key.
type pairCandidate struct {
	a, b, key string
	hfrac     float64
}

func (p pairCandidate) Compare(c llrb.Comparable) int {
	o := c.(pairCandidate)
	switch {
	case p.hfrac < o.hfrac:
		return -1
	case p.hfrac > o.hfrac:
		return 1
	default:
		return strings.Compare(p.key, o.key)
	}
}

// tryHfracMerge implements the hfrac-merge phase (§4.6.1): among pairs at
// or below HfracBoundTight, merge the smallest-hfrac pair without
// evaluating its likelihood ratio. The DP handler still runs in Viterbi
// mode for any naive sequence hfrac has not yet cached.
func (g *Glomerator) tryHfracMerge(ctx context.Context) (a, b string, committed bool, err error) {
	tree := llrb.Tree{}
	for _, pair := range g.candidatePairs() {
		hf, err := g.hfrac(ctx, pair[0], pair[1])
		if err != nil {
			return "", "", false, err
		}
		if hf > g.Config.HfracBoundTight {
			continue
		}
		lo, hi := jointKey(pair[0], pair[1])
		tree.Insert(pairCandidate{a: lo, b: hi, key: pairKey(pair[0], pair[1]), hfrac: hf})
	}
	if tree.Len() == 0 {
		return "", "", false, nil
	}
	var winner pairCandidate
	tree.Do(func(item llrb.Comparable) bool {
		winner = item.(pairCandidate)
		return false
	})
	return winner.a, winner.b, true, nil
}

// tryLRatioMerge implements the lratio-merge phase (§4.6.2): among pairs at
// or below HfracBoundLoose, evaluate lratio and commit the best pair if it
// clears its size-dependent threshold.
func (g *Glomerator) tryLRatioMerge(ctx context.Context) (a, b string, committed bool, err error) {
	type scored struct {
		a, b   string
		lratio float64
	}
	var candidates []scored
	for _, pair := range g.candidatePairs() {
		if isDone(g.alreadyDone, pair[0], pair[1]) {
			continue
		}
		hf, err := g.hfrac(ctx, pair[0], pair[1])
		if err != nil {
			return "", "", false, err
		}
		if hf > g.Config.HfracBoundLoose {
			continue
		}
		lr, err := g.lratio(ctx, pair[0], pair[1])
		if err != nil {
			return "", "", false, err
		}
		qa, qb := g.active[pair[0]], g.active[pair[1]]
		threshold := g.Config.LogProbRatioThreshold(qa.size() + qb.size())
		if lr < threshold {
			markDone(g.alreadyDone, pair[0], pair[1])
			continue
		}
		lo, hi := jointKey(pair[0], pair[1])
		candidates = append(candidates, scored{lo, hi, lr})
	}
	if len(candidates) == 0 {
		return "", "", false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].lratio != candidates[j].lratio {
			return candidates[i].lratio > candidates[j].lratio
		}
		return pairKey(candidates[i].a, candidates[i].b) < pairKey(candidates[j].a, candidates[j].b)
	})
	best := candidates[0]
	var ties []scored
	for _, c := range candidates {
		if c.lratio == best.lratio {
			ties = append(ties, c)
		}
	}
	if len(ties) > 1 {
		best = ties[g.rng.Intn(len(ties))]
	}
	return best.a, best.b, true, nil
}

// commitMerge merges a and b into a single new active cluster.
func (g *Glomerator) commitMerge(ctx context.Context, a, b string) error {
	qa, qb := g.active[a], g.active[b]
	merged := &Query{
		Key:       mergeKey(qa, qb),
		Seqs:      append(append([]seq.Sequence(nil), qa.Seqs...), qb.Seqs...),
		KBounds:   qa.KBounds.LogicalOr(qb.KBounds),
		OnlyGenes: unionGeneLists(qa.OnlyGenes, qb.OnlyGenes),
		CDR3Len:   qa.CDR3Len,
		MutFreq:   weightedMeanMutFreq(qa, qb),
		ParentA:   a,
		ParentB:   b,
	}
	delete(g.active, a)
	delete(g.active, b)
	g.active[merged.Key] = merged
	g.order = append(g.order, merged.Key)
	g.vlogf(1, "merged %s + %s -> %s", a, b, merged.Key)
	return nil
}

// weightedMeanMutFreq combines two parents' mean mutation frequencies,
// weighted by member count, into the merged cluster's value.
func weightedMeanMutFreq(a, b *Query) float64 {
	na, nb := float64(a.size()), float64(b.size())
	if na+nb == 0 {
		return 0
	}
	return (a.MutFreq*na + b.MutFreq*nb) / (na + nb)
}

func unionGeneLists(a, b dp.GeneLists) dp.GeneLists {
	return dp.GeneLists{V: unionStrings(a.V, b.V), D: unionStrings(a.D, b.D), J: unionStrings(a.J, b.J)}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
