package dp

import (
	"context"

	farm "github.com/dgryski/go-farm"
	"github.com/pkg/errors"

	"github.com/grailbio/bcrclust/hmm"
	"github.com/grailbio/bcrclust/reco"
	"github.com/grailbio/bcrclust/seq"
)

// GeneLists restricts which germline genes the DP handler considers for
// each region, e.g. a cluster's "only_genes" shortlist.
type GeneLists struct {
	V, D, J []string
}

// boundaryShift is how far KBounds widens on each retry (§4.3).
const boundaryShift = 2

// Result is what one Handler.Run call produces: the candidate RecoEvents
// explored (one per kset, sorted by descending score), and enough
// information for the caller to retry with wider bounds on a boundary hit.
type Result struct {
	Events []*reco.Event

	// BestKV, BestKD identify the kset that produced Events[0].
	BestKV, BestKD int

	// TotalScore is the Forward log-sum over every kset and gene
	// combination explored.
	TotalScore Prob

	BoundaryError  bool
	BetterKBounds  KBounds
	CouldNotExpand bool
}

// Best returns the highest-scoring candidate event, or nil if Run explored
// no viable kset.
func (r Result) Best() *reco.Event {
	if len(r.Events) == 0 {
		return nil
	}
	return r.Events[0]
}

// Handler runs the Forward/Viterbi trellis for a cluster's sequences
// across a KBounds rectangle (§4.3).
type Handler struct {
	Holder *hmm.Holder

	// Chain is the locus ('h', 'k', or 'l'). Light chains pin k_d and
	// never report a D-axis boundary error.
	Chain string

	// NBestEvents caps how many candidate events Run keeps, 0 for
	// unlimited.
	NBestEvents int

	// UseChunkCache gates reuse of promoted chunk-cache entries across
	// Handler.Run invocations (the chunk_cache CLI flag).
	UseChunkCache bool

	chunkCache map[uint64]hmm.ChunkResult // this invocation's private cache
}

// Run scores seqs (all the same length, per the cluster invariant) against
// onlyGenes across every kset in kb, under sr.
func (h *Handler) Run(ctx context.Context, seqs []seq.Sequence, kb KBounds, onlyGenes GeneLists, sr Semiring) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(seqs) == 0 {
		return Result{}, errors.New("dp: Run called with no sequences")
	}
	if !seq.SameLength(seqs) {
		return Result{}, errors.New("dp: Run requires all sequences to share one length")
	}
	n := seqs[0].Len()
	obs := consensus(seqs)

	h.chunkCache = make(map[uint64]hmm.ChunkResult)

	var events []*reco.Event
	total := NegInf
	bestKV, bestKD := -1, -1
	bestScore := NegInf

	for kv := kb.VMin; kv < kb.VMax; kv++ {
		for kd := kb.DMin; kd < kb.DMax; kd++ {
			kj := n - kv - kd
			if kv < 1 || kd < 1 || kj < 1 {
				continue
			}
			event, setTotal, err := h.scoreKset(obs, kv, kd, onlyGenes, sr)
			if err != nil {
				return Result{}, err
			}
			total = logAdd(total, setTotal)
			if event != nil {
				events = append(events, event)
				if len(events) == 1 || event.Score > bestScore {
					bestKV, bestKD = kv, kd
					bestScore = event.Score
				}
			}
		}
	}

	reco.SortByScore(events)
	if h.NBestEvents > 0 && len(events) > h.NBestEvents {
		events = events[:h.NBestEvents]
	}

	result := Result{Events: events, BestKV: bestKV, BestKD: bestKD, TotalScore: total}
	if bestKV >= 0 {
		h.checkBoundary(&result, kb, n)
	}
	return result, nil
}

// ChunkCachePromote copies every chunk this invocation computed into the
// Holder's persistent promotion map, when UseChunkCache is set.
func (h *Handler) ChunkCachePromote() {
	if !h.UseChunkCache {
		return
	}
	for k, v := range h.chunkCache {
		h.Holder.PromoteChunk(k, v)
	}
}

func (h *Handler) checkBoundary(result *Result, kb KBounds, seqLen int) {
	onVEdge := result.BestKV == kb.VMin || result.BestKV == kb.VMax-1
	onDEdge := h.Chain == "h" && (result.BestKD == kb.DMin || result.BestKD == kb.DMax-1)
	if !onVEdge && !onDEdge {
		return
	}
	result.BoundaryError = true
	if h.Chain == "h" {
		result.BetterKBounds = kb.Widen(boundaryShift, seqLen)
	} else {
		result.BetterKBounds = kb.WidenV(boundaryShift, seqLen)
	}
	result.CouldNotExpand = result.BetterKBounds.Equal(kb)
}

// scoreKset scores one (kv, kd) kset: splits obs into V/D/J regions, finds
// the best-scoring gene per region (for the Viterbi event) while
// accumulating every gene's score into this kset's Forward total.
func (h *Handler) scoreKset(obs []byte, kv, kd int, onlyGenes GeneLists, sr Semiring) (*reco.Event, Prob, error) {
	vRegion := obs[0:kv]
	dRegion := obs[kv : kv+kd]
	jRegion := obs[kv+kd:]

	vBest, vForward, err := h.bestGene(onlyGenes.V, vRegion, sr)
	if err != nil {
		return nil, NegInf, err
	}
	dBest, dForward, err := h.bestGene(onlyGenes.D, dRegion, sr)
	if err != nil {
		return nil, NegInf, err
	}
	jBest, jForward, err := h.bestGene(onlyGenes.J, jRegion, sr)
	if err != nil {
		return nil, NegInf, err
	}
	ksetTotal := vForward + dForward + jForward
	if vBest == nil || dBest == nil || jBest == nil {
		return nil, ksetTotal, nil
	}

	event := &reco.Event{
		VGene: vBest.gene, DGene: dBest.gene, JGene: jBest.gene,
		Score: vBest.total + dBest.total + jBest.total,
	}
	event.V5pDel, event.V3pDel = pathDeletions(vBest.path, vBest.numStates)
	event.D5pDel, event.D3pDel = pathDeletions(dBest.path, dBest.numStates)
	event.J5pDel, event.J3pDel = pathDeletions(jBest.path, jBest.numStates)
	event.VSupport = geneSupport(h.perGeneScores(onlyGenes.V, vRegion, sr))
	event.DSupport = geneSupport(h.perGeneScores(onlyGenes.D, dRegion, sr))
	event.JSupport = geneSupport(h.perGeneScores(onlyGenes.J, jRegion, sr))
	return event, ksetTotal, nil
}

// geneScore is one gene's trellis result against a region, with enough
// context (arena size) to recover deletions from the Viterbi path.
type geneScore struct {
	gene      string
	total     Prob
	path      []int
	numStates int
}

// bestGene scores region against every candidate gene and returns the
// Tropical-best one plus the LogSum-forward total across all candidates
// (used for the kset's overall Forward accumulation regardless of sr).
func (h *Handler) bestGene(genes []string, region []byte, sr Semiring) (*geneScore, Prob, error) {
	var best *geneScore
	forwardTotal := NegInf
	for _, gene := range genes {
		gs, err := h.scoreGene(gene, region, sr)
		if err != nil {
			return nil, NegInf, err
		}
		if gs == nil {
			continue
		}
		forwardTotal = logAdd(forwardTotal, gs.total)
		if best == nil || gs.total > best.total {
			best = gs
		}
	}
	return best, forwardTotal, nil
}

// perGeneScores returns every candidate gene's total score against region,
// used to build the per-region ranked support list.
func (h *Handler) perGeneScores(genes []string, region []byte, sr Semiring) []geneScore {
	out := make([]geneScore, 0, len(genes))
	for _, gene := range genes {
		gs, err := h.scoreGene(gene, region, sr)
		if err != nil || gs == nil {
			continue
		}
		out = append(out, *gs)
	}
	return out
}

func geneSupport(scores []geneScore) []reco.GeneSupport {
	support := make([]reco.GeneSupport, len(scores))
	for i, gs := range scores {
		support[i] = reco.GeneSupport{Gene: gs.gene, LogProb: gs.total}
	}
	return support
}

// scoreGene runs the trellis for one gene against region, consulting and
// populating this invocation's chunk cache (and, for a read, the Holder's
// promoted cross-invocation cache).
func (h *Handler) scoreGene(gene string, region []byte, sr Semiring) (*geneScore, error) {
	key := chunkKey(gene, region)
	if cached, ok := h.chunkCache[key]; ok {
		m, err := h.Holder.Get(gene)
		if err != nil {
			return nil, err
		}
		return &geneScore{gene: gene, total: cached.Total, path: cached.Path, numStates: len(m.States)}, nil
	}
	if h.UseChunkCache {
		if promoted, ok := h.Holder.PromotedChunk(key); ok {
			h.chunkCache[key] = promoted
			m, err := h.Holder.Get(gene)
			if err != nil {
				return nil, err
			}
			return &geneScore{gene: gene, total: promoted.Total, path: promoted.Path, numStates: len(m.States)}, nil
		}
	}

	m, err := h.Holder.Get(gene)
	if err != nil {
		return nil, err
	}
	total, path, err := score(m, region, sr)
	if err != nil {
		return nil, err
	}
	h.chunkCache[key] = hmm.ChunkResult{Total: total, Path: path}
	return &geneScore{gene: gene, total: total, path: path, numStates: len(m.States)}, nil
}

// chunkKey hashes a (gene, subsequence) pair for the chunk cache: the bytes
// gene+"\x00"+subseq, hashed with farm.Hash64WithSeed under seed 0.
func chunkKey(gene string, region []byte) uint64 {
	buf := make([]byte, 0, len(gene)+1+len(region))
	buf = append(buf, gene...)
	buf = append(buf, 0)
	buf = append(buf, region...)
	return farm.Hash64WithSeed(buf, 0)
}

// pathDeletions infers 5'/3' germline deletions from a Viterbi path,
// assuming (per the arena's declaration-order convention) that match-state
// arena index tracks germline position: any states before the first
// visited, or after the last, were deleted from that boundary.
func pathDeletions(path []int, numStates int) (del5p, del3p int) {
	if len(path) == 0 {
		return 0, 0
	}
	return path[0], numStates - 1 - path[len(path)-1]
}

// consensus returns the per-position majority-vote base across seqs,
// breaking ties by seq.Alphabet order. It stands in for "the cluster's
// representative sequence" the trellis is scored against: member
// sequences of one cluster differ only by point mutations from a shared
// recombination event, so the consensus is this handler's estimate of that
// event's boundary structure.
func consensus(seqs []seq.Sequence) []byte {
	n := seqs[0].Len()
	out := make([]byte, n)
	var counts [len(seq.Alphabet)]int
	for i := 0; i < n; i++ {
		for k := range counts {
			counts[k] = 0
		}
		for _, s := range seqs {
			counts[s.Digitized[i]]++
		}
		best := 0
		for k := 1; k < len(counts); k++ {
			if counts[k] > counts[best] {
				best = k
			}
		}
		out[i] = seq.Alphabet[best]
	}
	return out
}
