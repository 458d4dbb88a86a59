// Package germline loads V/D/J germline gene segments and associated
// per-gene metadata (conserved cysteine/tryptophan/phenylalanine codon
// positions) used by the hmm and dp packages to interpret a parse.
package germline

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grailbio/bcrclust/encoding/fasta"
)

// Region identifies a germline gene segment category.
type Region byte

const (
	V Region = 'v'
	D Region = 'd'
	J Region = 'j'
)

// lightChainDBase is the sequence assigned to the synthetic single-base D
// gene inserted for non-heavy chains, which carry no real D segment.
const lightChainDBase = "N"

// gene holds the per-gene metadata the Store exposes.
type gene struct {
	region Region
	seq    string
	cyst   int // V genes only
	tryp   int // J genes only
	phen   int // J genes only
	hasPos bool
}

// Store holds the germline sequences and extras metadata for one chain
// (heavy, kappa, or lambda).
type Store struct {
	chain      string
	genes      map[string]gene
	byRegion   map[Region][]string
	syntheticD string // non-empty for non-heavy chains
}

// Load reads the three FASTA files and the extras CSV for a chain ('h',
// 'k', or 'l') and builds a Store. For non-heavy chains, a synthetic
// single-base D gene is inserted, reused by every cluster on that chain.
func Load(chain string, vFasta, dFasta, jFasta, extras io.Reader) (*Store, error) {
	s := &Store{
		chain:    chain,
		genes:    make(map[string]gene),
		byRegion: make(map[Region][]string),
	}
	if err := s.loadFasta(vFasta, V); err != nil {
		return nil, errors.Wrap(err, "loading V germline fasta")
	}
	if chain == "h" {
		if err := s.loadFasta(dFasta, D); err != nil {
			return nil, errors.Wrap(err, "loading D germline fasta")
		}
	} else {
		name := "IG" + strings.ToUpper(chain) + "Dx*01"
		s.genes[name] = gene{region: D, seq: lightChainDBase}
		s.byRegion[D] = append(s.byRegion[D], name)
		s.syntheticD = name
	}
	if err := s.loadFasta(jFasta, J); err != nil {
		return nil, errors.Wrap(err, "loading J germline fasta")
	}
	if err := s.loadExtras(extras); err != nil {
		return nil, errors.Wrap(err, "loading extras csv")
	}
	return s, nil
}

// loadFasta reads a germline FASTA into region, via the shared fasta
// package's in-memory parser. OptClean uppercases bases and maps anything
// outside ACGT to N, since germline reference sequences are assumed clean
// nucleotide calls.
func (s *Store) loadFasta(r io.Reader, region Region) error {
	f, err := fasta.New(r, fasta.OptClean)
	if err != nil {
		return errors.Wrap(err, "reading fasta")
	}
	for _, name := range f.SeqNames() {
		length, err := f.Len(name)
		if err != nil {
			return err
		}
		seq, err := f.Get(name, 0, length)
		if err != nil {
			return err
		}
		g := s.genes[name]
		g.region = region
		g.seq = seq
		s.genes[name] = g
		s.byRegion[region] = append(s.byRegion[region], name)
	}
	return nil
}

func (s *Store) loadExtras(r io.Reader) error {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.New("empty extras csv")
	}
	header := rows[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, col := range []string{"gene", "cyst_position", "tryp_position", "phen_position"} {
		if _, ok := idx[col]; !ok {
			return errors.Errorf("extras csv missing column %q", col)
		}
	}
	for _, row := range rows[1:] {
		name := row[idx["gene"]]
		g, ok := s.genes[name]
		if !ok {
			continue // germline fasta is authoritative; ignore unknown extras rows
		}
		if v := row[idx["cyst_position"]]; v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "parsing cyst_position for %s", name)
			}
			g.cyst = p
			g.hasPos = true
		}
		if v := row[idx["tryp_position"]]; v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "parsing tryp_position for %s", name)
			}
			g.tryp = p
			g.hasPos = true
		}
		if v := row[idx["phen_position"]]; v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "parsing phen_position for %s", name)
			}
			g.phen = p
			g.hasPos = true
		}
		s.genes[name] = g
	}
	return nil
}

// Seq returns the germline nucleotide sequence for gene.
func (s *Store) Seq(geneName string) (string, error) {
	g, ok := s.genes[geneName]
	if !ok {
		return "", errors.Errorf("unknown germline gene %q", geneName)
	}
	return g.seq, nil
}

// RegionOf returns the region for geneName, derived from the character at
// index 3 of the gene identifier (e.g. "IGHV1-2*01" -> 'v').
func RegionOf(geneName string) (Region, error) {
	if len(geneName) < 4 {
		return 0, errors.Errorf("gene name %q too short to have a region character", geneName)
	}
	r := Region(strings.ToLower(string(geneName[3]))[0])
	switch r {
	case V, D, J:
		return r, nil
	default:
		return 0, errors.Errorf("gene name %q has unrecognized region %q", geneName, string(r))
	}
}

// CystPosition returns the conserved cysteine codon position for a V gene.
func (s *Store) CystPosition(vGene string) (int, error) {
	g, ok := s.genes[vGene]
	if !ok || g.region != V {
		return 0, errors.Errorf("%q is not a known V gene", vGene)
	}
	return g.cyst, nil
}

// TrypPosition returns the conserved tryptophan codon position for a J gene.
func (s *Store) TrypPosition(jGene string) (int, error) {
	g, ok := s.genes[jGene]
	if !ok || g.region != J {
		return 0, errors.Errorf("%q is not a known J gene", jGene)
	}
	return g.tryp, nil
}

// PhenPosition returns the conserved phenylalanine codon position for a J
// gene (used instead of tryp_position for some loci).
func (s *Store) PhenPosition(jGene string) (int, error) {
	g, ok := s.genes[jGene]
	if !ok || g.region != J {
		return 0, errors.Errorf("%q is not a known J gene", jGene)
	}
	return g.phen, nil
}

// GenesInRegion returns all gene names loaded for region, in fasta order.
func (s *Store) GenesInRegion(region Region) []string {
	out := make([]string, len(s.byRegion[region]))
	copy(out, s.byRegion[region])
	return out
}

// SyntheticDGene returns the name of the synthetic single-base D gene
// inserted for non-heavy chains, or "" for heavy chains.
func (s *Store) SyntheticDGene() string { return s.syntheticD }

// SanitizeGeneName replaces characters that aren't filename-safe, matching
// the on-disk HMM parameter file naming convention.
func SanitizeGeneName(geneName string) string {
	r := strings.ReplaceAll(geneName, "*", "_star_")
	r = strings.ReplaceAll(r, "/", "_slash_")
	return r
}
