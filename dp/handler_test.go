package dp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/bcrclust/hmm"
	"github.com/grailbio/bcrclust/seq"
)

// A two-base-per-region toy model set: one V gene, one D gene, one J gene,
// each a perfect two-state match model, so a hand-assembled observed
// sequence has an unambiguous best kset.
const toyVModel = `
name: TESTV*01
states:
  - {name: init, transitions: [{to: m0, log_prob: 1.0}]}
  - name: m0
    germline_nuc: A
    transitions: [{to: m1, log_prob: 1.0}]
    emissions: [{track: nukes, probs: {A: 0.97, C: 0.01, G: 0.01, T: 0.01, N: 0.0}}]
  - name: m1
    germline_nuc: C
    transitions: [{to: end, log_prob: 1.0}]
    emissions: [{track: nukes, probs: {A: 0.01, C: 0.97, G: 0.01, T: 0.01, N: 0.0}}]
`

const toyDModel = `
name: TESTD*01
states:
  - {name: init, transitions: [{to: m0, log_prob: 1.0}]}
  - name: m0
    germline_nuc: G
    transitions: [{to: end, log_prob: 1.0}]
    emissions: [{track: nukes, probs: {A: 0.01, C: 0.01, G: 0.97, T: 0.01, N: 0.0}}]
`

const toyJModel = `
name: TESTJ*01
states:
  - {name: init, transitions: [{to: m0, log_prob: 1.0}]}
  - name: m0
    germline_nuc: T
    transitions: [{to: m1, log_prob: 1.0}]
    emissions: [{track: nukes, probs: {A: 0.01, C: 0.01, G: 0.01, T: 0.97, N: 0.0}}]
  - name: m1
    germline_nuc: T
    transitions: [{to: end, log_prob: 1.0}]
    emissions: [{track: nukes, probs: {A: 0.01, C: 0.01, G: 0.01, T: 0.97, N: 0.0}}]
`

func newTestHolder(t *testing.T) *hmm.Holder {
	t.Helper()
	dir := t.TempDir()
	write := func(name, doc string) {
		if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(doc), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("TESTV_star_01", toyVModel)
	write("TESTD_star_01", toyDModel)
	write("TESTJ_star_01", toyJModel)
	return hmm.NewHolder(dir)
}

func mustSeq(t *testing.T, name, bases string) seq.Sequence {
	t.Helper()
	s, err := seq.New(name, bases)
	if err != nil {
		t.Fatalf("seq.New: %v", err)
	}
	return s
}

func TestHandlerRunPicksBestKset(t *testing.T) {
	h := &Handler{Holder: newTestHolder(t), Chain: "h"}
	genes := GeneLists{V: []string{"TESTV*01"}, D: []string{"TESTD*01"}, J: []string{"TESTJ*01"}}
	// "ACGTT" splits cleanly as V=AC D=G J=TT at kv=2, kd=1.
	s := mustSeq(t, "seq1", "ACGTT")
	result, err := h.Run(context.Background(), []seq.Sequence{s}, KBounds{VMin: 1, VMax: 4, DMin: 1, DMax: 2}, genes, Tropical)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	best := result.Best()
	if best == nil {
		t.Fatalf("no best event")
	}
	if best.VGene != "TESTV*01" || best.DGene != "TESTD*01" || best.JGene != "TESTJ*01" {
		t.Errorf("best event genes = %+v", best)
	}
	if result.BestKV != 2 || result.BestKD != 1 {
		t.Errorf("BestKV,BestKD = %d,%d, want 2,1", result.BestKV, result.BestKD)
	}
}

func TestHandlerRunReportsBoundaryOnEdge(t *testing.T) {
	h := &Handler{Holder: newTestHolder(t), Chain: "h"}
	genes := GeneLists{V: []string{"TESTV*01"}, D: []string{"TESTD*01"}, J: []string{"TESTJ*01"}}
	s := mustSeq(t, "seq1", "ACGTT")
	// kv's rectangle is pinned to exactly 2, so the argmax sits on both edges.
	result, err := h.Run(context.Background(), []seq.Sequence{s}, KBounds{VMin: 2, VMax: 3, DMin: 1, DMax: 2}, genes, Tropical)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.BoundaryError {
		t.Errorf("expected BoundaryError when argmax lands on the kbounds edge")
	}
	if result.BetterKBounds.VMin >= 2 {
		t.Errorf("BetterKBounds did not widen: %+v", result.BetterKBounds)
	}
}

func TestHandlerRunForwardAccumulates(t *testing.T) {
	h := &Handler{Holder: newTestHolder(t), Chain: "h"}
	genes := GeneLists{V: []string{"TESTV*01"}, D: []string{"TESTD*01"}, J: []string{"TESTJ*01"}}
	s := mustSeq(t, "seq1", "ACGTT")
	result, err := h.Run(context.Background(), []seq.Sequence{s}, KBounds{VMin: 1, VMax: 4, DMin: 1, DMax: 2}, genes, LogSum)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalScore == NegInf {
		t.Errorf("expected a finite Forward total")
	}
}

func TestHandlerRunRejectsMixedLengths(t *testing.T) {
	h := &Handler{Holder: newTestHolder(t), Chain: "h"}
	genes := GeneLists{V: []string{"TESTV*01"}, D: []string{"TESTD*01"}, J: []string{"TESTJ*01"}}
	a := mustSeq(t, "a", "ACGTT")
	b := mustSeq(t, "b", "ACGT")
	if _, err := h.Run(context.Background(), []seq.Sequence{a, b}, KBounds{VMin: 1, VMax: 4, DMin: 1, DMax: 2}, genes, Tropical); err == nil {
		t.Errorf("expected error for mismatched sequence lengths")
	}
}

func TestChunkCachePromoteRoundTrip(t *testing.T) {
	holder := newTestHolder(t)
	h := &Handler{Holder: holder, Chain: "h", UseChunkCache: true}
	genes := GeneLists{V: []string{"TESTV*01"}, D: []string{"TESTD*01"}, J: []string{"TESTJ*01"}}
	s := mustSeq(t, "seq1", "ACGTT")
	if _, err := h.Run(context.Background(), []seq.Sequence{s}, KBounds{VMin: 2, VMax: 3, DMin: 1, DMax: 2}, genes, Tropical); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.ChunkCachePromote()

	key := chunkKey("TESTV*01", []byte("AC"))
	if _, ok := holder.PromotedChunk(key); !ok {
		t.Errorf("expected ChunkCachePromote to populate the holder's promoted cache")
	}
}
