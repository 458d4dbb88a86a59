package glom

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/grailbio/bcrclust/dp"
	"github.com/grailbio/bcrclust/reco"
	"github.com/grailbio/bcrclust/seq"
)

// onlyGenesFlat flattens a GeneLists into one slice for hmm.Holder.Rescale,
// which operates on a flat gene-name list regardless of region.
func onlyGenesFlat(g dp.GeneLists) []string {
	out := make([]string, 0, len(g.V)+len(g.D)+len(g.J))
	out = append(out, g.V...)
	out = append(out, g.D...)
	out = append(out, g.J...)
	return out
}

// clusterLogProb returns q's Forward log-probability, memoized in
// Caches.LogProbs under its (possibly resolver-substituted) key. A
// boundary-exhausted query scores −∞ and is recorded as a failed query
// rather than returned as a Go error (§7: DP boundary exhaustion is
// expected behavior, not a fault).
func (g *Glomerator) clusterLogProb(ctx context.Context, q *Query) (float64, error) {
	scoreQ, key := g.representativeQuery(q, g.resolver.LogProbKey, g.resolver.SubstituteLogProb)
	if v, ok := g.caches.LogProbs[key]; ok {
		return v, nil
	}
	lp, failed, err := g.runForward(ctx, scoreQ)
	if err != nil {
		return 0, errors.Wrapf(err, "cluster logprob for %s", key)
	}
	if failed {
		g.markFailed(q.Key)
		lp = math.Inf(-1)
	}
	g.caches.LogProbs[key] = lp
	return lp, nil
}

// naiveSeq returns q's Viterbi-decoded naive sequence, memoized in
// Caches.NaiveSeqs.
func (g *Glomerator) naiveSeq(ctx context.Context, q *Query) (string, error) {
	scoreQ, key := g.representativeQuery(q, g.resolver.NaiveSeqKey, g.resolver.SubstituteNaiveSeq)
	if v, ok := g.caches.NaiveSeqs[key]; ok {
		return v, nil
	}
	ns, failed, err := g.runViterbi(ctx, scoreQ)
	if err != nil {
		return "", errors.Wrapf(err, "naive seq for %s", key)
	}
	if failed {
		g.markFailed(q.Key)
		if ns == "" {
			return "", nil
		}
	}
	g.caches.NaiveSeqs[key] = ns
	return ns, nil
}

func (g *Glomerator) markFailed(key string) {
	g.caches.FailedQueries[key] = true
	g.caches.Errors[key] = appendUnique(g.caches.Errors[key], "boundary")
}

func appendUnique(errs []string, tag string) []string {
	for _, e := range errs {
		if e == tag {
			return errs
		}
	}
	return append(errs, tag)
}

// hfrac returns the naive-Hamming-fraction pre-filter score between
// clusters a and b, memoized in Caches.NaiveHfracs under their sorted
// joint key.
func (g *Glomerator) hfrac(ctx context.Context, a, b string) (float64, error) {
	key := pairKey(a, b)
	if v, ok := g.caches.NaiveHfracs[key]; ok {
		return v, nil
	}
	qa, qb := g.active[a], g.active[b]
	nsA, err := g.naiveSeq(ctx, qa)
	if err != nil {
		return 0, err
	}
	nsB, err := g.naiveSeq(ctx, qb)
	if err != nil {
		return 0, err
	}
	if nsA == "" || nsB == "" {
		// One side failed to decode; treat as maximally dissimilar so the
		// hfrac phase never merges on a missing naive sequence.
		g.caches.NaiveHfracs[key] = 1
		return 1, nil
	}
	hf := seq.MinHammingFraction([]string{nsA}, []string{nsB})
	g.caches.NaiveHfracs[key] = hf
	return hf, nil
}

// lratio returns the merge likelihood ratio for a and b:
// logP(a∪b) − logP(a) − logP(b). When one parent is much larger than the
// other (§4.6's asymmetric substitution), logP(a∪b) is instead computed
// against a surrogate cluster built from the small parent plus only a
// representative subset of the large parent's members, and the
// substitution is recorded so later lookups of this joint key reuse it.
func (g *Glomerator) lratio(ctx context.Context, a, b string) (float64, error) {
	qa, qb := g.active[a], g.active[b]
	logA, err := g.clusterLogProb(ctx, qa)
	if err != nil {
		return 0, err
	}
	logB, err := g.clusterLogProb(ctx, qb)
	if err != nil {
		return 0, err
	}
	if math.IsInf(logA, -1) || math.IsInf(logB, -1) {
		return math.Inf(-1), nil
	}

	joint := pairKey(a, b)
	mergedQ := g.mergedQueryForRatio(qa, qb)
	resolvedKey := g.resolver.LogProbPairKey(joint)
	if resolvedKey != joint {
		if sub, ok := g.subsets[resolvedKey]; ok {
			mergedQ = sub
		}
	} else if firstParentMuchBigger(qa.size(), qb.size(), g.Config.AsymFactor) {
		small, big := qa, qb
		if qb.size() > qa.size() {
			small, big = qb, qa
		}
		names := representativeSubset(big.names(), g.Config.MaxClusterSize)
		surrogateKey := subsetKeyName(joint, names)
		g.resolver.SubstituteLogProbPair(joint, surrogateKey, names)
		sub := g.subsetQuery(big, surrogateKey, names)
		sub.Seqs = append(append([]seq.Sequence(nil), small.Seqs...), sub.Seqs...)
		sub.KBounds = small.KBounds.LogicalOr(big.KBounds)
		sub.OnlyGenes = unionGeneLists(small.OnlyGenes, big.OnlyGenes)
		g.subsets[surrogateKey] = sub
		mergedQ = sub
		resolvedKey = surrogateKey
	}

	if v, ok := g.caches.LogProbs[resolvedKey]; ok {
		return v - logA - logB, nil
	}
	logMerged, failed, err := g.runForward(ctx, mergedQ)
	if err != nil {
		return 0, err
	}
	if failed {
		g.markFailed(joint)
		logMerged = math.Inf(-1)
	}
	g.caches.LogProbs[resolvedKey] = logMerged
	return logMerged - logA - logB, nil
}

// mergedQueryForRatio builds the hypothetical (not yet committed) union of
// a and b, for scoring only.
func (g *Glomerator) mergedQueryForRatio(a, b *Query) *Query {
	return &Query{
		Key:       mergeKey(a, b),
		Seqs:      append(append([]seq.Sequence(nil), a.Seqs...), b.Seqs...),
		KBounds:   a.KBounds.LogicalOr(b.KBounds),
		OnlyGenes: unionGeneLists(a.OnlyGenes, b.OnlyGenes),
		CDR3Len:   a.CDR3Len,
		MutFreq:   weightedMeanMutFreq(a, b),
	}
}

// representativeQuery resolves q's cache key through the given table,
// creating (and recording via substitute) a representative-subset
// surrogate the first time q exceeds Config.MaxClusterSize.
func (g *Glomerator) representativeQuery(q *Query, resolve func(string) string, substitute func(string, string, []string)) (*Query, string) {
	key := resolve(q.Key)
	if key != q.Key {
		if sub, ok := g.subsets[key]; ok {
			return sub, key
		}
	}
	if q.size() > g.Config.MaxClusterSize {
		names := representativeSubset(q.names(), g.Config.MaxClusterSize)
		subsetKey := subsetKeyName(q.Key, names)
		substitute(q.Key, subsetKey, names)
		sub := g.subsetQuery(q, subsetKey, names)
		g.subsets[subsetKey] = sub
		return sub, subsetKey
	}
	return q, q.Key
}

// subsetQuery builds the surrogate Query containing only names's members
// of q.
func (g *Glomerator) subsetQuery(q *Query, key string, names []string) *Query {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var seqs []seq.Sequence
	for _, s := range q.Seqs {
		if want[s.Name] {
			seqs = append(seqs, s)
		}
	}
	return &Query{Key: key, Seqs: seqs, KBounds: q.KBounds, OnlyGenes: q.OnlyGenes, CDR3Len: q.CDR3Len}
}

// runForward runs the DP handler in Forward mode, expanding q's KBounds on
// repeated boundary hits until either a kset scores cleanly or the bounds
// cannot expand further (a failed query, not an error).
func (g *Glomerator) runForward(ctx context.Context, q *Query) (logprob float64, failed bool, err error) {
	v, failed, err := g.runHandler(ctx, q, dp.LogSum, func(r dp.Result) (interface{}, error) {
		return r.TotalScore, nil
	})
	if v == nil {
		return 0, failed, err
	}
	return v.(float64), failed, err
}

// runViterbi runs the DP handler in Viterbi mode and decodes the best
// event's naive sequence.
func (g *Glomerator) runViterbi(ctx context.Context, q *Query) (naiveSeq string, failed bool, err error) {
	event, failed, err := g.runViterbiEvent(ctx, q)
	if event == nil {
		return "", failed, err
	}
	return event.NaiveSeq, failed, err
}

// runViterbiEvent runs the DP handler in Viterbi mode and returns the full
// decoded best event (used directly for annotations output, where every
// gene, deletion, and support field is needed, not just the naive seq).
func (g *Glomerator) runViterbiEvent(ctx context.Context, q *Query) (*reco.Event, bool, error) {
	v, failed, err := g.runHandler(ctx, q, dp.Tropical, func(r dp.Result) (interface{}, error) {
		e := r.Best()
		if e == nil {
			return nil, nil
		}
		if serr := e.SetNaiveSeq(g.store); serr != nil {
			return nil, serr
		}
		return e, nil
	})
	if v == nil {
		return nil, failed, err
	}
	return v.(*reco.Event), failed, err
}

// runHandler is the shared boundary-expansion retry loop (§9's "the
// caller, not dp, owns widening"): it re-invokes Handler.Run with
// successively wider KBounds until Run reports no boundary error, or
// reports that it could not expand further.
func (g *Glomerator) runHandler(ctx context.Context, q *Query, sr dp.Semiring, extract func(dp.Result) (interface{}, error)) (value interface{}, failed bool, err error) {
	if q.MutFreq > 0 {
		view, rescaleErr := g.holder.Rescale(onlyGenesFlat(q.OnlyGenes), q.MutFreq)
		if rescaleErr != nil {
			return nil, false, rescaleErr
		}
		defer view.Release()
	}
	handler := &dp.Handler{
		Holder:        g.holder,
		Chain:         g.Chain,
		NBestEvents:   g.Config.NBestEvents,
		UseChunkCache: g.Config.ChunkCache,
	}
	kb := q.KBounds
	seqLen := q.Seqs[0].Len()
	for attempt := 0; attempt <= seqLen; attempt++ {
		result, runErr := handler.Run(ctx, q.Seqs, kb, q.OnlyGenes, sr)
		if runErr != nil {
			return nil, false, runErr
		}
		handler.ChunkCachePromote()
		if !result.BoundaryError {
			v, extractErr := extract(result)
			return v, false, extractErr
		}
		if result.CouldNotExpand {
			v, extractErr := extract(result)
			return v, true, extractErr
		}
		kb = result.BetterKBounds
	}
	return nil, true, nil
}
