package glom

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/bcrclust/dp"
	"github.com/grailbio/bcrclust/germline"
	"github.com/grailbio/bcrclust/hmm"
	"github.com/grailbio/bcrclust/seq"
)

const glomTestVModel = `
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

const glomTestDModel = `
name: TESTD*01
states:
  - {name: init, transitions: [{to: m0, log_prob: 1.0}]}
  - name: m0
    germline_nuc: G
    transitions: [{to: end, log_prob: 1.0}]
    emissions: [{track: nukes, probs: {A: 0.01, C: 0.01, G: 0.97, T: 0.01, N: 0.0}}]
`

const glomTestJModel = `
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

func newGlomTestHolder(t *testing.T) *hmm.Holder {
	t.Helper()
	dir := t.TempDir()
	write := func(name, doc string) {
		if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(doc), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("TESTV_star_01", glomTestVModel)
	write("TESTD_star_01", glomTestDModel)
	write("TESTJ_star_01", glomTestJModel)
	return hmm.NewHolder(dir)
}

func newGlomTestStore(t *testing.T) *germline.Store {
	t.Helper()
	v := ">TESTV*01\nAC\n"
	d := ">TESTD*01\nG\n"
	j := ">TESTJ*01\nTT\n"
	extras := "gene,cyst_position,tryp_position,phen_position\n" +
		"TESTV*01,,,\nTESTD*01,,,\nTESTJ*01,,,\n"
	store, err := germline.Load("h", strings.NewReader(v), strings.NewReader(d), strings.NewReader(j), strings.NewReader(extras))
	if err != nil {
		t.Fatalf("germline.Load: %v", err)
	}
	return store
}

func newTestGlomerator(t *testing.T, cfg Config) *Glomerator {
	t.Helper()
	return New(cfg, "h", newGlomTestStore(t), newGlomTestHolder(t), NewCaches())
}

func testQuery(t *testing.T, name, bases string) *Query {
	t.Helper()
	s := mustGlomSeq(t, name, bases)
	return &Query{
		Key:       name,
		Seqs:      []seq.Sequence{s},
		KBounds:   dp.KBounds{VMin: 1, VMax: 4, DMin: 1, DMax: 2},
		OnlyGenes: dp.GeneLists{V: []string{"TESTV*01"}, D: []string{"TESTD*01"}, J: []string{"TESTJ*01"}},
	}
}

func mustGlomSeq(t *testing.T, name, bases string) seq.Sequence {
	t.Helper()
	s, err := seq.New(name, bases)
	if err != nil {
		t.Fatalf("seq.New: %v", err)
	}
	return s
}

func TestClusterMergesIdenticalSequencesViaHfrac(t *testing.T) {
	cfg := DefaultConfig
	g := newTestGlomerator(t, cfg)
	g.AddQuery(testQuery(t, "seq1", "ACGTT"))
	g.AddQuery(testQuery(t, "seq2", "ACGTT"))

	if err := g.Cluster(context.Background()); err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	partition, _ := g.path.Current()
	if len(partition) != 1 {
		t.Fatalf("expected identical sequences to merge into one cluster, got partition %v", partition)
	}
}

func TestClusterStopsWhenHfracTooFarApart(t *testing.T) {
	cfg := DefaultConfig
	cfg.HfracBoundTight = 0
	cfg.HfracBoundLoose = 0
	g := newTestGlomerator(t, cfg)
	g.AddQuery(testQuery(t, "seq1", "ACGTT"))
	g.AddQuery(testQuery(t, "seq2", "ACGTT"))
	// Force the pre-filter to see these clusters as maximally dissimilar,
	// independent of what the DP handler would actually decode.
	g.caches.NaiveHfracs[pairKey("seq1", "seq2")] = 1

	if err := g.Cluster(context.Background()); err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	partition, _ := g.path.Current()
	if len(partition) != 2 {
		t.Errorf("expected no merge when both bounds are 0 and the pre-filter reports hfrac=1, got partition %v", partition)
	}
}

func TestClusterPathRecordsEveryStep(t *testing.T) {
	cfg := DefaultConfig
	g := newTestGlomerator(t, cfg)
	g.AddQuery(testQuery(t, "seq1", "ACGTT"))
	g.AddQuery(testQuery(t, "seq2", "ACGTT"))

	if err := g.Cluster(context.Background()); err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if g.path.Len() != 2 {
		t.Errorf("expected initial partition + one merge step, got %d steps", g.path.Len())
	}
}

func TestSeedModeRestrictsCandidates(t *testing.T) {
	cfg := DefaultConfig
	cfg.SeedUniqueID = "seq3"
	g := newTestGlomerator(t, cfg)
	g.AddQuery(testQuery(t, "seq1", "ACGTT"))
	g.AddQuery(testQuery(t, "seq2", "ACGTT"))
	g.AddQuery(testQuery(t, "seq3", "ACGTT"))

	pairs := g.candidatePairs()
	for _, p := range pairs {
		if p[0] != "seq3" {
			t.Errorf("seed mode let a non-seed cluster take the a-side: %v", p)
		}
	}
}

func TestHfracCachesAcrossCalls(t *testing.T) {
	cfg := DefaultConfig
	g := newTestGlomerator(t, cfg)
	qa := testQuery(t, "seq1", "ACGTT")
	qb := testQuery(t, "seq2", "ACGTT")
	g.AddQuery(qa)
	g.AddQuery(qb)

	hf1, err := g.hfrac(context.Background(), "seq1", "seq2")
	if err != nil {
		t.Fatalf("hfrac: %v", err)
	}
	if hf1 != 0 {
		t.Errorf("hfrac of identical sequences = %v, want 0", hf1)
	}
	if _, ok := g.caches.NaiveHfracs[pairKey("seq1", "seq2")]; !ok {
		t.Errorf("hfrac result was not memoized")
	}
}
