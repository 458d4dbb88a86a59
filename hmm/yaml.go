package hmm

import (
	"io"
	"math"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/grailbio/bcrclust/seq"
)

// yamlDoc mirrors the per-gene HMM parameter file format (§6): one document
// per gene, naming its states and the transitions/emissions attached to
// each. Field names match the on-disk schema exactly.
type yamlDoc struct {
	Name   string `yaml:"name"`
	Extras struct {
		GeneProb float64 `yaml:"gene_prob"`
	} `yaml:"extras"`
	Tracks map[string][]string `yaml:"tracks"`
	States []yamlState         `yaml:"states"`
}

type yamlState struct {
	Name         string           `yaml:"name"`
	GermlineBase string           `yaml:"germline_nuc"`
	Transitions  []yamlTransition `yaml:"transitions"`
	Emissions    []yamlEmission   `yaml:"emissions"`
}

type yamlTransition struct {
	To      string  `yaml:"to"`
	LogProb float64 `yaml:"log_prob"`
}

type yamlEmission struct {
	Track string             `yaml:"track"`
	Probs map[string]float64 `yaml:"probs"`
}

// ParseModel reads one gene's HMM parameter file and returns a finalized
// Model. Transition and emission probabilities in the file are plain (not
// log) probabilities, matching the original parameter-file convention;
// ParseModel takes their logs once, here, so every downstream consumer of
// Model works entirely in log-space per §4.3.
func ParseModel(r io.Reader) (*Model, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading hmm parameter file")
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing hmm parameter file yaml")
	}
	if doc.Name == "" {
		return nil, errors.New("hmm parameter file has no name")
	}

	m := &Model{Name: doc.Name, GeneProb: doc.Extras.GeneProb}

	// First pass: allocate one arena slot per non-init state, so that
	// transitions (resolved in the second pass) can address any state
	// regardless of declaration order.
	nameToIndex := make(map[string]int, len(doc.States))
	for _, ys := range doc.States {
		if ys.Name == "init" {
			continue
		}
		idx := len(m.States)
		st := &State{Name: ys.Name}
		if ys.GermlineBase != "" {
			st.GermlineBase = ys.GermlineBase[0]
		}
		m.States = append(m.States, st)
		nameToIndex[ys.Name] = idx
	}

	resolve := func(to string) (int, error) {
		if to == "end" {
			return endIndex, nil
		}
		idx, ok := nameToIndex[to]
		if !ok {
			return 0, errors.Errorf("model %s: transition to unknown state %q", doc.Name, to)
		}
		return idx, nil
	}

	// Second pass: wire transitions and emissions, now that every state
	// name resolves to an arena index.
	for _, ys := range doc.States {
		transitions := make([]Transition, 0, len(ys.Transitions))
		for _, yt := range ys.Transitions {
			to, err := resolve(yt.To)
			if err != nil {
				return nil, err
			}
			transitions = append(transitions, Transition{To: to, LogProb: logOf(yt.LogProb)})
		}
		emission, err := buildEmission(ys.Emissions)
		if err != nil {
			return nil, errors.Wrapf(err, "model %s state %s", doc.Name, ys.Name)
		}
		if ys.Name == "init" {
			m.InitTransitions = transitions
			continue
		}
		st := m.States[nameToIndex[ys.Name]]
		st.Transitions = transitions
		st.Emission = emission
	}

	if err := m.Finalize(); err != nil {
		return nil, errors.Wrapf(err, "model %s", doc.Name)
	}
	return m, nil
}

// buildEmission converts a state's emissions block into a dense
// seq.Alphabet-indexed slice of log-probabilities. A state with no
// emissions block (e.g. a silent bookkeeping state) gets a nil Emission.
func buildEmission(emissions []yamlEmission) ([]Prob, error) {
	if len(emissions) == 0 {
		return nil, nil
	}
	// Single-track model: only the first emissions entry is consulted, per
	// §4.2's scope (no paired-track alignment HMM).
	probs := emissions[0].Probs
	out := make([]Prob, len(seq.Alphabet))
	for i := range out {
		out[i] = NegInf
	}
	for sym, p := range probs {
		if len(sym) != 1 {
			return nil, errors.Errorf("unrecognized emission symbol %q", sym)
		}
		idx := emissionIndex(sym[0])
		if idx < 0 {
			return nil, errors.Errorf("emission symbol %q not in alphabet %s", sym, seq.Alphabet)
		}
		out[idx] = logOf(p)
	}
	return out, nil
}

// logOf converts a plain probability to log-space, mapping 0 to NegInf
// exactly rather than relying on math.Log(0)'s IEEE behavior (which also
// happens to be -Inf, but this keeps the mapping explicit at the one call
// site that matters).
func logOf(p float64) Prob {
	if p <= 0 {
		return NegInf
	}
	return math.Log(p)
}
