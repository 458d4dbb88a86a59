package hmm

import (
	"math"
	"strings"
	"testing"
)

const testModelYAML = `
name: IGHV1-2*01
extras:
  gene_prob: 0.2
tracks:
  nukes: [A, C, G, T, N]
states:
  - name: init
    transitions:
      - to: match_0
        log_prob: 1.0
  - name: match_0
    germline_nuc: A
    transitions:
      - to: match_1
        log_prob: 0.9
      - to: end
        log_prob: 0.1
    emissions:
      - track: nukes
        probs: {A: 0.97, C: 0.01, G: 0.01, T: 0.01, N: 0.0}
  - name: match_1
    germline_nuc: C
    transitions:
      - to: end
        log_prob: 1.0
    emissions:
      - track: nukes
        probs: {A: 0.02, C: 0.96, G: 0.01, T: 0.01, N: 0.0}
`

func mustParse(t *testing.T, doc string) *Model {
	t.Helper()
	m, err := ParseModel(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseModel: %v", err)
	}
	return m
}

func closeTo(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestParseModelTopology(t *testing.T) {
	m := mustParse(t, testModelYAML)
	if m.Name != "IGHV1-2*01" {
		t.Errorf("Name = %q", m.Name)
	}
	if !closeTo(m.GeneProb, 0.2) {
		t.Errorf("GeneProb = %v, want 0.2", m.GeneProb)
	}
	if len(m.States) != 2 {
		t.Fatalf("len(States) = %d, want 2", len(m.States))
	}
	if len(m.InitTransitions) != 1 || m.InitTransitions[0].To != m.StateByName("match_0") {
		t.Errorf("InitTransitions = %+v", m.InitTransitions)
	}
}

func TestParseModelEmissions(t *testing.T) {
	m := mustParse(t, testModelYAML)
	match0 := m.States[m.StateByName("match_0")]
	if got := math.Exp(match0.Emit('A')); !closeTo(got, 0.97) {
		t.Errorf("Emit('A') = %v, want 0.97", got)
	}
	if got := match0.Emit('Z'); got != NegInf {
		t.Errorf("Emit of unrecognized base = %v, want NegInf", got)
	}
}

func TestParseModelEndTransition(t *testing.T) {
	m := mustParse(t, testModelYAML)
	match1 := m.States[m.StateByName("match_1")]
	if len(match1.Transitions) != 1 || match1.Transitions[0].To != endIndex {
		t.Errorf("match_1 transitions = %+v, want a single transition to end", match1.Transitions)
	}
}

func TestParseModelRejectsUnknownTransitionTarget(t *testing.T) {
	bad := strings.Replace(testModelYAML, "to: match_1", "to: bogus_state", 1)
	if _, err := ParseModel(strings.NewReader(bad)); err == nil {
		t.Errorf("expected error for transition to unknown state")
	}
}

func TestParseModelRejectsMissingName(t *testing.T) {
	if _, err := ParseModel(strings.NewReader("states: []\n")); err == nil {
		t.Errorf("expected error for missing model name")
	}
}

func TestParseModelRejectsEmptyInit(t *testing.T) {
	bad := `
name: empty
states:
  - name: init
    transitions: []
  - name: match_0
    transitions:
      - to: end
        log_prob: 1.0
`
	if _, err := ParseModel(strings.NewReader(bad)); err == nil {
		t.Errorf("expected error for model with no init transitions")
	}
}
