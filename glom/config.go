package glom

// Config holds the merge loop's tunable parameters (§4.6), all supplied
// externally by the driver: the core never hard-codes a threshold.
type Config struct {
	// HfracBoundTight is the hfrac-merge phase's threshold: pairs at or
	// below this are merged without a likelihood-ratio (Forward)
	// evaluation; only their Viterbi naive sequences are needed.
	HfracBoundTight float64
	// HfracBoundLoose is the lratio-merge phase's pre-filter: only pairs
	// at or below this are scored with lratio at all.
	HfracBoundLoose float64

	// LogProbRatioThreshold is the size-dependent lratio acceptance bound:
	// a merge of a cluster pair totaling clusterSize sequences commits
	// only if lratio >= LogProbRatioThreshold(clusterSize). Left as a
	// function, per §9 open question (a), so the core never hard-codes a
	// constant.
	LogProbRatioThreshold func(clusterSize int) float64

	// MaxClusterSize is n_max: the representative-subset size used when
	// substituting a naive-sequence or lratio computation for an
	// oversized cluster.
	MaxClusterSize int
	// AsymFactor triggers logprob_asymmetric_translations substitution
	// when one parent cluster is more than this many times the size of
	// the other.
	AsymFactor float64

	// SeedUniqueID restricts the *a*-side of every candidate pair to
	// clusters containing this sequence name. Empty disables seed mode.
	SeedUniqueID string

	// RNGSeed seeds the tie-break RNG used when several pairs share the
	// exact top score.
	RNGSeed int64

	// NBestEvents caps how many candidate RecoEvents dp.Handler.Run keeps
	// per cluster logprob evaluation.
	NBestEvents int

	// Debug is the trace verbosity, 0-2.
	Debug int
	// ChunkCache gates cross-invocation DP chunk-cache reuse.
	ChunkCache bool

	// TerminationLogProbDrop is how far the current partition's
	// log-probability may fall below the best observed before the loop
	// stops (§8 scenario 6 uses 1000 nats).
	TerminationLogProbDrop float64

	// StopFile, if non-empty, is checked between merges; its existence
	// ends the loop cleanly, as if no pair had qualified.
	StopFile string
	// StatusFile, if non-empty, receives a best-effort progress line
	// (partition count, best log-prob) after every merge.
	StatusFile string
}

// DefaultConfig mirrors the original implementation's out-of-the-box
// values where the distilled spec names one, and picks conservative
// defaults elsewhere; every field can be overridden by the driver.
var DefaultConfig = Config{
	HfracBoundTight:        0.005,
	HfracBoundLoose:        0.2,
	LogProbRatioThreshold:  func(int) float64 { return 0 },
	MaxClusterSize:         50,
	AsymFactor:             10,
	RNGSeed:                1,
	NBestEvents:            3,
	TerminationLogProbDrop: 1000,
}
