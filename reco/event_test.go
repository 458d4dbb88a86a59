package reco

import (
	"strings"
	"testing"

	"github.com/grailbio/bcrclust/germline"
)

func testStore(t *testing.T) *germline.Store {
	t.Helper()
	v := ">IGHV1-2*01\nACGTACGTACGT\n"
	d := ">IGHD1-1*01\nGGTAAC\n"
	j := ">IGHJ1*01\nTTTGGGACG\n"
	extras := "gene,cyst_position,tryp_position,phen_position\n"
	s, err := germline.Load("h", strings.NewReader(v), strings.NewReader(d), strings.NewReader(j), strings.NewReader(extras))
	if err != nil {
		t.Fatalf("germline.Load: %v", err)
	}
	return s
}

func TestSetNaiveSeq(t *testing.T) {
	store := testStore(t)
	e := &Event{
		VGene: "IGHV1-2*01", DGene: "IGHD1-1*01", JGene: "IGHJ1*01",
		V3pDel: 2, D5pDel: 1, D3pDel: 1, J5pDel: 3,
		FVInsertion: "AA", VDInsertion: "C", DJInsertion: "", JFInsertion: "TT",
	}
	if err := e.SetNaiveSeq(store); err != nil {
		t.Fatalf("SetNaiveSeq: %v", err)
	}
	want := "AA" + "ACGTACGTAC" + "C" + "GTAA" + "" + "GGGACG" + "TT"
	if e.NaiveSeq != want {
		t.Errorf("NaiveSeq = %q, want %q", e.NaiveSeq, want)
	}
}

func TestSetNaiveSeqRejectsOverlongDeletion(t *testing.T) {
	store := testStore(t)
	e := &Event{VGene: "IGHV1-2*01", DGene: "IGHD1-1*01", JGene: "IGHJ1*01", V5pDel: 100}
	if err := e.SetNaiveSeq(store); err == nil {
		t.Errorf("expected error for an over-long deletion")
	}
}

func TestSortByScoreDescending(t *testing.T) {
	events := []*Event{{Score: 1}, {Score: 3}, {Score: 2}}
	SortByScore(events)
	for i := 1; i < len(events); i++ {
		if events[i-1].Score < events[i].Score {
			t.Errorf("events not sorted descending: %+v", events)
		}
	}
}

func TestDiff(t *testing.T) {
	e := &Event{NaiveSeq: "ACGTACGT"}
	got := e.Diff("ACGAACGA")
	want := []int{3, 7}
	if len(got) != len(want) {
		t.Fatalf("Diff = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Diff = %v, want %v", got, want)
		}
	}
}

func TestFormatGeneSupport(t *testing.T) {
	support := []GeneSupport{{"IGHV1-2*01", -3.1}, {"IGHV1-2*02", -1.0}}
	got := FormatGeneSupport(support)
	want := "IGHV1-2*02:-1;IGHV1-2*01:-3.1"
	if got != want {
		t.Errorf("FormatGeneSupport = %q, want %q", got, want)
	}
}
