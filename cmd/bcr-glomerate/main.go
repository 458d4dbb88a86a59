package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/grailbio/bcrclust/germline"
	"github.com/grailbio/bcrclust/glom"
	"github.com/grailbio/bcrclust/hmm"
	"github.com/grailbio/bcrclust/reco"
)

var (
	algorithm    = flag.String("algorithm", "viterbi", "Clustering output mode: 'viterbi' (per-cluster annotations) or 'forward' (partition log-probabilities)")
	hmmDir       = flag.String("hmm_dir", "", "Directory of per-gene HMM parameter YAML files")
	germlineDir  = flag.String("germline_dir", "", "Directory of germline FASTA/extras.csv files, rooted by chain")
	chain        = flag.String("chain", "h", "Receptor chain: 'h', 'k', or 'l'")
	infile       = flag.String("infile", "", "Input clusters CSV")
	outfile      = flag.String("outfile", "", "Output CSV (partitions in forward mode, annotations in viterbi mode)")
	incacheFile  = flag.String("incachefile", "", "Input cache CSV (optional)")
	outcacheFile = flag.String("outcachefile", "", "Output cache CSV (optional)")

	hfracBoundTight       = flag.Float64("hamming_fraction_cutoff", glom.DefaultConfig.HfracBoundTight, "Hfrac-merge-phase threshold: pairs at or below this merge without scoring")
	hfracBounds           = flag.String("hamming_fraction_bounds", "", "\"tight,loose\" hfrac bounds; overrides -hamming_fraction_cutoff's tight value when set")
	logprobRatioThreshold = flag.Float64("logprob_ratio_threshold", 0, "Constant lratio acceptance bound (per merged cluster size)")
	maxClusterSize        = flag.Int("max_cluster_size", glom.DefaultConfig.MaxClusterSize, "Representative-subset size for oversized clusters")
	asymFactor            = flag.Float64("asym_factor", glom.DefaultConfig.AsymFactor, "Parent-size ratio that triggers asymmetric logprob substitution")
	seedUniqueID          = flag.String("seed_unique_id", "", "Restrict merges to pairs involving this sequence's cluster (empty disables seed mode)")
	rngSeed               = flag.Int64("rng_seed", glom.DefaultConfig.RNGSeed, "Tie-break RNG seed")
	nBestEvents           = flag.Int("n_best_events", glom.DefaultConfig.NBestEvents, "Candidate RecoEvents kept per cluster logprob evaluation")
	debug                 = flag.Int("debug", 0, "Trace verbosity, 0-2")
	chunkCache            = flag.Bool("chunk_cache", false, "Reuse per-gene DP chunk results across invocations")
	stopFile              = flag.String("stop_file", "", "Sentinel file checked between merges; its presence ends the loop cleanly")
	statusFile            = flag.String("status_file", "", "Best-effort progress file, refreshed after every merge")
)

func bcrGlomerateUsage() {
	fmt.Printf("Usage: %s [OPTIONS]\n", os.Args[0])
	fmt.Printf("Agglomeratively clusters B-cell receptor sequences by shared V(D)J recombination event.\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = bcrGlomerateUsage
	shutdown := grail.Init()
	defer shutdown()

	if *hmmDir == "" || *germlineDir == "" || *infile == "" || *outfile == "" {
		log.Fatalf("-hmm_dir, -germline_dir, -infile, and -outfile are all required")
	}
	switch *chain {
	case "h", "k", "l":
	default:
		log.Fatalf("-chain must be one of h, k, l; got %q", *chain)
	}
	switch *algorithm {
	case "viterbi", "forward":
	default:
		log.Fatalf("-algorithm must be one of viterbi, forward; got %q", *algorithm)
	}

	ctx := vcontext.Background()

	store, err := loadGermlineStore(ctx, *germlineDir, *chain)
	if err != nil {
		log.Panicf("loading germline store: %v", err)
	}
	holder := hmm.NewHolder(*hmmDir)

	caches := glom.NewCaches()
	if *incacheFile != "" {
		f, closeFn, err := openCompressed(ctx, *incacheFile)
		if err != nil {
			log.Panicf("opening -incachefile: %v", err)
		}
		err = caches.ReadCSV(f)
		closeFn()
		if err != nil {
			log.Panicf("reading -incachefile: %v", err)
		}
	}

	cfg := glom.DefaultConfig
	cfg.HfracBoundTight = *hfracBoundTight
	if *hfracBounds != "" {
		tight, loose, err := parseHfracBounds(*hfracBounds)
		if err != nil {
			log.Fatalf("-hamming_fraction_bounds: %v", err)
		}
		cfg.HfracBoundTight, cfg.HfracBoundLoose = tight, loose
	}
	threshold := *logprobRatioThreshold
	cfg.LogProbRatioThreshold = func(int) float64 { return threshold }
	cfg.MaxClusterSize = *maxClusterSize
	cfg.AsymFactor = *asymFactor
	cfg.SeedUniqueID = *seedUniqueID
	cfg.RNGSeed = *rngSeed
	cfg.NBestEvents = *nBestEvents
	cfg.Debug = *debug
	cfg.ChunkCache = *chunkCache
	cfg.StopFile = *stopFile
	cfg.StatusFile = *statusFile

	g := glom.New(cfg, *chain, store, holder, caches)

	clustersFile, closeClusters, err := openCompressed(ctx, *infile)
	if err != nil {
		log.Panicf("opening -infile: %v", err)
	}
	queries, err := glom.ReadClusters(clustersFile)
	closeClusters()
	if err != nil {
		log.Panicf("reading -infile: %v", err)
	}
	clusters := make(map[string]*glom.Query, len(queries))
	for _, q := range queries {
		g.AddQuery(q)
		clusters[q.Key] = q
	}

	if err := g.Cluster(ctx); err != nil {
		log.Panicf("clustering: %v", err)
	}

	out, closeOut, err := createCompressed(ctx, *outfile)
	if err != nil {
		log.Panicf("creating -outfile: %v", err)
	}
	if *algorithm == "forward" {
		err = glom.WritePartitions(out, g.Path())
	} else {
		var events map[string]*reco.Event
		events, err = g.FinalEvents(ctx)
		if err == nil {
			err = glom.WriteAnnotations(out, clusters, events)
		}
	}
	closeErr := closeOut()
	if err != nil {
		log.Panicf("writing -outfile: %v", err)
	}
	if closeErr != nil {
		log.Panicf("closing -outfile: %v", closeErr)
	}

	if *outcacheFile != "" {
		cf, closeCf, err := createCompressed(ctx, *outcacheFile)
		if err != nil {
			log.Panicf("creating -outcachefile: %v", err)
		}
		err = caches.WriteCSV(cf)
		closeErr := closeCf()
		if err != nil {
			log.Panicf("writing -outcachefile: %v", err)
		}
		if closeErr != nil {
			log.Panicf("closing -outcachefile: %v", closeErr)
		}
	}
	log.Debug.Printf("exiting")
}

// openCompressed opens path for reading via file.Open (so -infile/
// -incachefile can name any scheme base/file understands, not just local
// paths), transparently decompressing a ".gz" or ".sz" suffix (gzip or
// snappy), matching the cache/output file naming convention createCompressed
// writes.
func openCompressed(ctx context.Context, path string) (r io.Reader, closeFn func() error, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	fr := f.Reader(ctx)
	switch {
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(fr)
		if err != nil {
			f.Close(ctx)
			return nil, nil, err
		}
		return gr, func() error { gr.Close(); return f.Close(ctx) }, nil
	case strings.HasSuffix(path, ".sz"):
		return snappy.NewReader(fr), func() error { return f.Close(ctx) }, nil
	default:
		return fr, func() error { return f.Close(ctx) }, nil
	}
}

// createCompressed creates path for writing via file.Create, transparently
// compressing a ".gz" or ".sz" suffix (gzip via klauspost/compress, snappy
// via golang/snappy) — the output-file analogue of openCompressed.
func createCompressed(ctx context.Context, path string) (w io.Writer, closeFn func() error, err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	fw := f.Writer(ctx)
	switch {
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(fw)
		return gw, func() error {
			if err := gw.Close(); err != nil {
				f.Close(ctx)
				return err
			}
			return f.Close(ctx)
		}, nil
	case strings.HasSuffix(path, ".sz"):
		sw := snappy.NewBufferedWriter(fw)
		return sw, func() error {
			if err := sw.Close(); err != nil {
				f.Close(ctx)
				return err
			}
			return f.Close(ctx)
		}, nil
	default:
		return fw, func() error { return f.Close(ctx) }, nil
	}
}

func loadGermlineStore(ctx context.Context, dir, chain string) (*germline.Store, error) {
	base := dir + "/" + chain + "/"
	vFasta, err := file.Open(ctx, base+"ig"+chain+"v.fasta")
	if err != nil {
		return nil, err
	}
	defer vFasta.Close(ctx)
	dFasta, err := file.Open(ctx, base+"ig"+chain+"d.fasta")
	if err != nil {
		return nil, err
	}
	defer dFasta.Close(ctx)
	jFasta, err := file.Open(ctx, base+"ig"+chain+"j.fasta")
	if err != nil {
		return nil, err
	}
	defer jFasta.Close(ctx)
	extras, err := file.Open(ctx, base+"extras.csv")
	if err != nil {
		return nil, err
	}
	defer extras.Close(ctx)
	return germline.Load(chain, vFasta.Reader(ctx), dFasta.Reader(ctx), jFasta.Reader(ctx), extras.Reader(ctx))
}

// parseHfracBounds parses a "tight,loose" pair.
func parseHfracBounds(s string) (tight, loose float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"tight,loose\", got %q", s)
	}
	tight, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	loose, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return tight, loose, nil
}
