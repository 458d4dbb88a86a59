// Package seq holds the immutable nucleotide-sequence primitives shared by
// the germline, hmm, dp, reco, and glom packages.
package seq

import (
	"github.com/pkg/errors"
)

// Alphabet is the fixed nucleotide alphabet used to digitize sequences for
// HMM emission lookups. Index order matters: it defines the digit assigned
// to each symbol.
const Alphabet = "ACGTN"

// digitOf maps a nucleotide byte to its index in Alphabet, or -1 if the
// symbol isn't recognized.
var digitOf [256]int8

func init() {
	for i := range digitOf {
		digitOf[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		digitOf[Alphabet[i]] = int8(i)
	}
}

// Sequence is an immutable named nucleotide sequence plus its digitized
// form. All sequences participating in one cluster must share Len().
type Sequence struct {
	Name      string
	Bases     string
	Digitized []uint8
}

// New validates bases against Alphabet and returns a digitized Sequence.
func New(name, bases string) (Sequence, error) {
	digits := make([]uint8, len(bases))
	for i := 0; i < len(bases); i++ {
		d := digitOf[bases[i]]
		if d < 0 {
			return Sequence{}, errors.Errorf("sequence %s: invalid base %q at position %d", name, bases[i], i)
		}
		digits[i] = uint8(d)
	}
	return Sequence{Name: name, Bases: bases, Digitized: digits}, nil
}

// Len returns the sequence length in bases.
func (s Sequence) Len() int { return len(s.Bases) }

// SameLength reports whether every sequence in seqs shares one length, as
// required of the members of a single cluster. An empty slice is
// considered same-length (vacuously).
func SameLength(seqs []Sequence) bool {
	if len(seqs) == 0 {
		return true
	}
	n := seqs[0].Len()
	for _, s := range seqs[1:] {
		if s.Len() != n {
			return false
		}
	}
	return true
}

// Names returns the sequence names in order.
func Names(seqs []Sequence) []string {
	names := make([]string, len(seqs))
	for i, s := range seqs {
		names[i] = s.Name
	}
	return names
}
