package glom

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grailbio/bcrclust/clusterpath"
	"github.com/grailbio/bcrclust/dp"
	"github.com/grailbio/bcrclust/reco"
	"github.com/grailbio/bcrclust/seq"
)

// ReadClusters parses the input clusters CSV (§6): one row per input
// cluster, with `names`/`seqs`/`mut_freqs` as colon-delimited parallel
// lists and `only_genes` as semicolon-delimited per-region gene lists
// (`V:gene1:gene2;D:gene3;J:gene4`).
func ReadClusters(r io.Reader) ([]*Query, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "reading clusters csv")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	idx, err := columnIndex(rows[0], "names", "seqs", "k_v_min", "k_v_max", "k_d_min", "k_d_max")
	if err != nil {
		return nil, err
	}
	optional := make(map[string]int)
	for _, col := range []string{"mut_freqs", "only_genes", "cdr3_length"} {
		if i, ok := indexOf(rows[0], col); ok {
			optional[col] = i
		}
	}

	var queries []*Query
	for lineNum, row := range rows[1:] {
		names := strings.Split(row[idx["names"]], ":")
		basesList := strings.Split(row[idx["seqs"]], ":")
		if len(names) != len(basesList) {
			return nil, errors.Errorf("clusters csv line %d: names/seqs length mismatch", lineNum+2)
		}
		seqs := make([]seq.Sequence, len(names))
		for i := range names {
			s, err := seq.New(names[i], basesList[i])
			if err != nil {
				return nil, errors.Wrapf(err, "clusters csv line %d", lineNum+2)
			}
			seqs[i] = s
		}
		kb, err := parseKBounds(row, idx)
		if err != nil {
			return nil, errors.Wrapf(err, "clusters csv line %d", lineNum+2)
		}
		q := &Query{
			Key:     joinKey(names),
			Seqs:    seqs,
			KBounds: kb,
		}
		if i, ok := optional["only_genes"]; ok && row[i] != "" {
			q.OnlyGenes = parseGeneLists(row[i])
		}
		if i, ok := optional["mut_freqs"]; ok && row[i] != "" {
			mf, err := meanMutFreq(row[i])
			if err != nil {
				return nil, errors.Wrapf(err, "clusters csv line %d: mut_freqs", lineNum+2)
			}
			q.MutFreq = mf
		}
		if i, ok := optional["cdr3_length"]; ok && row[i] != "" {
			n, err := strconv.Atoi(row[i])
			if err != nil {
				return nil, errors.Wrapf(err, "clusters csv line %d: cdr3_length", lineNum+2)
			}
			q.CDR3Len = n
		}
		queries = append(queries, q)
	}
	return queries, nil
}

func columnIndex(header []string, cols ...string) (map[string]int, error) {
	idx := make(map[string]int, len(cols))
	for _, col := range cols {
		i, ok := indexOf(header, col)
		if !ok {
			return nil, errors.Errorf("clusters csv missing required column %q", col)
		}
		idx[col] = i
	}
	return idx, nil
}

func indexOf(header []string, col string) (int, bool) {
	for i, h := range header {
		if strings.TrimSpace(h) == col {
			return i, true
		}
	}
	return 0, false
}

func parseKBounds(row []string, idx map[string]int) (dp.KBounds, error) {
	atoi := func(col string) (int, error) {
		return strconv.Atoi(strings.TrimSpace(row[idx[col]]))
	}
	vMin, err := atoi("k_v_min")
	if err != nil {
		return dp.KBounds{}, err
	}
	vMax, err := atoi("k_v_max")
	if err != nil {
		return dp.KBounds{}, err
	}
	dMin, err := atoi("k_d_min")
	if err != nil {
		return dp.KBounds{}, err
	}
	dMax, err := atoi("k_d_max")
	if err != nil {
		return dp.KBounds{}, err
	}
	return dp.KBounds{VMin: vMin, VMax: vMax, DMin: dMin, DMax: dMax}, nil
}

// meanMutFreq averages a colon-delimited list of per-sequence mutation
// frequencies into the cluster's single representative value.
func meanMutFreq(cell string) (float64, error) {
	parts := strings.Split(cell, ":")
	sum := 0.0
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(parts)), nil
}

// parseGeneLists parses an only_genes cell: semicolon-separated
// "REGION:gene:gene..." groups, region one of V/D/J (case-insensitive).
func parseGeneLists(cell string) dp.GeneLists {
	var out dp.GeneLists
	for _, group := range strings.Split(cell, ";") {
		parts := strings.Split(group, ":")
		if len(parts) < 2 {
			continue
		}
		genes := parts[1:]
		switch strings.ToUpper(parts[0]) {
		case "V":
			out.V = genes
		case "D":
			out.D = genes
		case "J":
			out.J = genes
		}
	}
	return out
}

var partitionsHeader = []string{"logprob", "n_procs", "partition", "logweight"}

// WritePartitions writes the Forward-mode partitions output CSV (§6): one
// row per visited partition, in visitation order, with the best
// partition's row additionally carrying its logweight.
func WritePartitions(w io.Writer, path *clusterpath.Path) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(partitionsHeader); err != nil {
		return err
	}
	_, bestLogProb := path.Best()
	bestWritten := false
	for _, st := range path.All() {
		logweight := ""
		if !bestWritten && st.LogProb == bestLogProb {
			logweight = formatFloat(st.LogWeight)
			bestWritten = true
		}
		row := []string{
			formatFloat(st.LogProb),
			"1",
			strings.Join(st.Partition, ";"),
			logweight,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

var annotationsHeader = []string{
	"unique_ids", "v_gene", "d_gene", "j_gene",
	"fv_insertion", "vd_insertion", "dj_insertion", "jf_insertion",
	"v_5p_del", "v_3p_del", "d_5p_del", "d_3p_del", "j_5p_del", "j_3p_del",
	"logprob", "seqs",
	"v_per_gene_support", "d_per_gene_support", "j_per_gene_support",
	"errors",
}

// WriteAnnotations writes the Viterbi-mode annotations output CSV (§6):
// one row per final cluster, sorted by cluster key for determinism.
func WriteAnnotations(w io.Writer, clusters map[string]*Query, events map[string]*reco.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(annotationsHeader); err != nil {
		return err
	}
	keys := make([]string, 0, len(events))
	for k := range events {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		e := events[key]
		q := clusters[key]
		seqsCol := ""
		if q != nil {
			seqsCol = strings.Join(seq.Names(q.Seqs), ":")
		}
		row := []string{
			key, e.VGene, e.DGene, e.JGene,
			e.FVInsertion, e.VDInsertion, e.DJInsertion, e.JFInsertion,
			strconv.Itoa(e.V5pDel), strconv.Itoa(e.V3pDel),
			strconv.Itoa(e.D5pDel), strconv.Itoa(e.D3pDel),
			strconv.Itoa(e.J5pDel), strconv.Itoa(e.J3pDel),
			formatFloat(e.Score), seqsCol,
			reco.FormatGeneSupport(e.VSupport),
			reco.FormatGeneSupport(e.DSupport),
			reco.FormatGeneSupport(e.JSupport),
			strings.Join(e.Errors, ";"),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
