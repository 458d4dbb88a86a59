package glom

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var cacheHeader = []string{"unique_ids", "logprob", "naive_seq", "naive_hfrac", "errors"}

// Caches holds every quantity the merge loop memoizes across pairs and
// single clusters (§3, §4.7), plus the "initial_*" shadow sets recording
// which keys were already present in the input cache file, so writeback
// emits only new or refined entries.
type Caches struct {
	LogProbs    map[string]float64
	NaiveSeqs   map[string]string
	NaiveHfracs map[string]float64 // keyed by the sorted joint key "A;B"
	Errors      map[string][]string
	FailedQueries map[string]bool

	initialLogProbs    map[string]float64
	initialNaiveSeqs   map[string]string
	initialNaiveHfracs map[string]float64
}

// NewCaches returns an empty Caches.
func NewCaches() *Caches {
	return &Caches{
		LogProbs:           make(map[string]float64),
		NaiveSeqs:          make(map[string]string),
		NaiveHfracs:        make(map[string]float64),
		Errors:             make(map[string][]string),
		FailedQueries:      make(map[string]bool),
		initialLogProbs:    make(map[string]float64),
		initialNaiveSeqs:   make(map[string]string),
		initialNaiveHfracs: make(map[string]float64),
	}
}

// pairKey returns the canonical joint-key string "A;B" for an unordered
// pair, sorted so pairKey(a,b) == pairKey(b,a) (§9 open question (c)).
func pairKey(a, b string) string {
	lo, hi := jointKey(a, b)
	return lo + ";" + hi
}

// ReadCSV loads a cache file, populating both the live caches and the
// initial_* shadow sets used to decide what WriteCSV must emit.
func (c *Caches) ReadCSV(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return errors.Wrap(err, "reading cache csv")
	}
	if len(rows) == 0 {
		return nil
	}
	header := rows[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	get := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}
	for _, row := range rows[1:] {
		ids := get(row, "unique_ids")
		if ids == "" {
			continue
		}
		if a, b, ok := splitPairKey(ids); ok {
			key := pairKey(a, b)
			if hf := get(row, "naive_hfrac"); hf != "" {
				v, err := strconv.ParseFloat(hf, 64)
				if err != nil {
					return errors.Wrapf(err, "parsing naive_hfrac for %s", ids)
				}
				c.NaiveHfracs[key] = v
				c.initialNaiveHfracs[key] = v
			}
			continue
		}
		if lp := get(row, "logprob"); lp != "" {
			v, err := strconv.ParseFloat(lp, 64)
			if err != nil {
				return errors.Wrapf(err, "parsing logprob for %s", ids)
			}
			c.LogProbs[ids] = v
			c.initialLogProbs[ids] = v
		}
		if ns := get(row, "naive_seq"); ns != "" {
			c.NaiveSeqs[ids] = ns
			c.initialNaiveSeqs[ids] = ns
		}
		if errs := get(row, "errors"); errs != "" {
			c.Errors[ids] = strings.Split(errs, ";")
		}
	}
	return nil
}

// splitPairKey reports whether ids is a joint "A;B" key and, if so,
// returns A and B.
func splitPairKey(ids string) (a, b string, ok bool) {
	i := strings.Index(ids, ";")
	if i < 0 {
		return "", "", false
	}
	return ids[:i], ids[i+1:], true
}

// WriteCSV writes every key not present in the initial_* shadow sets, or
// whose value has since been refined, plus every key carrying errors.
// Rows are emitted in sorted key order so that identical caches produce
// byte-identical files (the "cache determinism" invariant, §8).
func (c *Caches) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cacheHeader); err != nil {
		return err
	}

	singleKeys := make(map[string]bool)
	for k := range c.LogProbs {
		singleKeys[k] = true
	}
	for k := range c.NaiveSeqs {
		singleKeys[k] = true
	}
	for k := range c.Errors {
		if _, _, ok := splitPairKey(k); !ok {
			singleKeys[k] = true
		}
	}
	for _, k := range sortedKeys(singleKeys) {
		lp, hasLP := c.LogProbs[k]
		ns, hasNS := c.NaiveSeqs[k]
		if !c.singleKeyChanged(k, lp, hasLP, ns, hasNS) {
			continue
		}
		row := []string{k, "", "", "", ""}
		if hasLP {
			row[1] = strconv.FormatFloat(lp, 'g', -1, 64)
		}
		if hasNS {
			row[2] = ns
		}
		if errs, ok := c.Errors[k]; ok {
			row[4] = strings.Join(errs, ";")
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	jointKeys := make(map[string]bool)
	for k := range c.NaiveHfracs {
		jointKeys[k] = true
	}
	for k := range c.Errors {
		if _, _, ok := splitPairKey(k); ok {
			jointKeys[k] = true
		}
	}
	for _, k := range sortedKeys(jointKeys) {
		hf, hasHF := c.NaiveHfracs[k]
		errs, hasErrs := c.Errors[k]
		if initial, ok := c.initialNaiveHfracs[k]; !hasErrs && ok && initial == hf {
			continue
		}
		row := []string{k, "", "", "", strings.Join(errs, ";")}
		if hasHF {
			row[3] = strconv.FormatFloat(hf, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func (c *Caches) singleKeyChanged(k string, lp float64, hasLP bool, ns string, hasNS bool) bool {
	if hasLP {
		if initial, ok := c.initialLogProbs[k]; !ok || initial != lp {
			return true
		}
	}
	if hasNS {
		if initial, ok := c.initialNaiveSeqs[k]; !ok || initial != ns {
			return true
		}
	}
	if _, ok := c.Errors[k]; ok {
		return true
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
