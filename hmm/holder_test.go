package hmm

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestModelFile(t *testing.T, dir, gene, doc string) {
	t.Helper()
	path := filepath.Join(dir, gene+".yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestHolderGetLoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeTestModelFile(t, dir, "IGHV1-2_star_01", testModelYAML)

	h := NewHolder(dir)
	m1, err := h.Get("IGHV1-2*01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m2, err := h.Get("IGHV1-2*01")
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if m1 != m2 {
		t.Errorf("Get did not return the cached *Model on second call")
	}
}

func TestHolderGetUnknownGene(t *testing.T) {
	h := NewHolder(t.TempDir())
	if _, err := h.Get("IGHV99-99*01"); err == nil {
		t.Errorf("expected error for a gene with no parameter file")
	}
}

func TestHolderRescaleAndRelease(t *testing.T) {
	dir := t.TempDir()
	writeTestModelFile(t, dir, "IGHV1-2_star_01", testModelYAML)
	h := NewHolder(dir)

	m, err := h.Get("IGHV1-2*01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	match0 := m.States[m.StateByName("match_0")]
	originalSelf := match0.Emit('A')

	view, err := h.Rescale([]string{"IGHV1-2*01"}, 0.25)
	if err != nil {
		t.Fatalf("Rescale: %v", err)
	}
	rescaledSelf := match0.Emit('A')
	if closeTo(rescaledSelf, originalSelf) {
		t.Errorf("Rescale did not change match_0's self-emission")
	}

	view.Release()
	if got := match0.Emit('A'); !closeTo(got, originalSelf) {
		t.Errorf("after Release, Emit('A') = %v, want original %v", got, originalSelf)
	}
}

func TestHolderRescaleRejectsConcurrent(t *testing.T) {
	dir := t.TempDir()
	writeTestModelFile(t, dir, "IGHV1-2_star_01", testModelYAML)
	h := NewHolder(dir)

	view, err := h.Rescale([]string{"IGHV1-2*01"}, 0.1)
	if err != nil {
		t.Fatalf("Rescale: %v", err)
	}
	if _, err := h.Rescale([]string{"IGHV1-2*01"}, 0.2); err == nil {
		t.Errorf("expected error on concurrent Rescale")
	}
	view.Release()
	if _, err := h.Rescale([]string{"IGHV1-2*01"}, 0.2); err != nil {
		t.Errorf("Rescale after Release: %v", err)
	}
}

func TestHolderRescaleRejectsOutOfRangeTarget(t *testing.T) {
	h := NewHolder(t.TempDir())
	if _, err := h.Rescale(nil, 1.0); err == nil {
		t.Errorf("expected error for target >= 1")
	}
	if _, err := h.Rescale(nil, -0.1); err == nil {
		t.Errorf("expected error for negative target")
	}
}
