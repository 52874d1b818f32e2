// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

// normalize rescales a to mean 0, standard deviation 1. It returns
// false (leaving a unchanged) if a is constant.
func normalize(a []float64) bool {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 || math.IsNaN(std) {
		return false
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
	return true
}

type geneAssoc struct{}

func (cmd *geneAssoc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", true, "run on local host (false: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	matrixDir := flags.String("matrix-dir", "", "matrix `directory` (default: first argument)")
	samplesFilename := flags.String("samples", "", "`samples.csv` with case/control labels (required)")
	pcaComponents := flags.Int("pca-components", 0, "number of PCA columns from samples.csv to use as covariates")
	method := flags.String("method", "glm", "association test: glm (logistic regression likelihood ratio) or chisquare (expression above/below median)")
	threads := flags.Int("threads", runtime.NumCPU(), "number of genes to fit concurrently")
	outputFilename := flags.String("o", "-", "output `file`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *matrixDir == "" && flags.NArg() == 1 {
		*matrixDir = flags.Arg(0)
	} else if *matrixDir == "" || flags.NArg() > 0 {
		err = fmt.Errorf("usage: %s [options] -samples samples.csv matrix-dir", prog)
		return 2
	}
	if *samplesFilename == "" {
		err = errors.New("-samples is required")
		return 2
	}
	test, ok := assocTests[*method]
	if !ok {
		err = fmt.Errorf("unknown -method %q", *method)
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "genematrix gene-assoc",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       16,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(matrixDir, samplesFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"gene-assoc", "-local=true",
			"-loglevel=" + *loglevel,
			"-samples=" + *samplesFilename,
			fmt.Sprintf("-pca-components=%d", *pcaComponents),
			"-method=" + *method,
			fmt.Sprintf("-threads=%d", runner.VCPUs),
			"-o", "/mnt/output/gene-assoc.tsv",
			*matrixDir}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/gene-assoc.tsv")
		return 0
	}

	md, err := openMatrixDir(*matrixDir)
	if err != nil {
		return 1
	}
	samples, err := loadSampleInfo(*samplesFilename)
	if err != nil {
		return 1
	}
	err = checkSampleIDs(samples, md.arrays)
	if err != nil {
		return 1
	}
	for i, si := range samples {
		if len(si.pcaComponents) < *pcaComponents {
			err = fmt.Errorf("%s: sample %d has %d PCA columns, -pca-components=%d", *samplesFilename, i, len(si.pcaComponents), *pcaComponents)
			return 1
		}
	}
	// inverse_data has one row per gene, which is what we want,
	// but might not exist yet.
	data, rows, cols, err := md.readAll(false)
	if err != nil {
		return 1
	}
	results, err := geneAssociation(test, samples, *pcaComponents, data, rows, cols, *threads)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	fmt.Fprintf(bufw, "gene\tn\tpvalue\n")
	for j, res := range results {
		fmt.Fprintf(bufw, "%s\t%d\t%g\n", md.genes[j], res.n, res.pvalue)
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type assocResult struct {
	n      int // samples used in the fit
	pvalue float64
}

// assocTest tests one gene's expression (one value per sample)
// against case/control status.
type assocTest func(samples []sampleInfo, nPCA int, expr []float64) assocResult

var assocTests = map[string]assocTest{
	"glm":       glmLRT,
	"chisquare": chiSquareTest,
}

// geneAssociation runs test on each gene (column of the rows × cols
// data matrix) and returns one result per gene.
func geneAssociation(test assocTest, samples []sampleInfo, nPCA int, data []float64, rows, cols, threads int) ([]assocResult, error) {
	nLabeled := 0
	for _, si := range samples {
		if si.isTraining && (si.isCase || si.isControl) {
			nLabeled++
		}
	}
	if nLabeled == 0 {
		return nil, errNoLabels
	}
	log.Infof("testing %d genes with %d labeled training samples", cols, nLabeled)
	results := make([]assocResult, cols)
	thr := throttle{Max: threads}
	for j := 0; j < cols; j++ {
		j := j
		thr.Go(func() error {
			expr := make([]float64, rows)
			for i := range expr {
				expr[i] = data[i*cols+j]
			}
			results[j] = test(samples, nPCA, expr)
			return nil
		})
	}
	err := thr.Wait()
	if err != nil {
		return nil, err
	}
	return results, nil
}

// glmLRT fits a logistic regression of case/control status on
// expression plus the first nPCA principal components, and returns
// the likelihood ratio test p-value for the expression term. Only
// labeled training samples whose expression value is finite are used.
func glmLRT(samples []sampleInfo, nPCA int, expr []float64) (res assocResult) {
	res.pvalue = math.NaN()
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			res.pvalue = math.NaN()
		}
	}()

	var outcome, constants, variable []statmodel.Dtype
	pcas := make([][]statmodel.Dtype, nPCA)
	cases := 0
	for i, si := range samples {
		if !si.isTraining || !(si.isCase || si.isControl) {
			continue
		}
		if math.IsNaN(expr[i]) || math.IsInf(expr[i], 0) {
			continue
		}
		if si.isCase {
			outcome = append(outcome, 1)
			cases++
		} else {
			outcome = append(outcome, 0)
		}
		constants = append(constants, 1)
		variable = append(variable, expr[i])
		for p := range pcas {
			pcas[p] = append(pcas[p], si.pcaComponents[p])
		}
	}
	res.n = len(outcome)
	if cases == 0 || cases == res.n || res.n < nPCA+3 {
		return
	}
	if !normalize(variable) {
		return
	}
	names := []string{"outcome", "constants"}
	data := [][]statmodel.Dtype{outcome, constants}
	for p, series := range pcas {
		normalize(series)
		data = append(data, series)
		names = append(names, fmt.Sprintf("pca%d", p))
	}

	model, err := glm.NewGLM(statmodel.NewDataset(data, names), "outcome", names[1:], glmConfig)
	if err != nil {
		return
	}
	logCov := model.Fit().LogLike()

	data = append([][]statmodel.Dtype{data[0], variable}, data[1:]...)
	names = append([]string{"outcome", "expression"}, names[1:]...)
	model, err = glm.NewGLM(statmodel.NewDataset(data, names), "outcome", names[1:], glmConfig)
	if err != nil {
		return
	}
	logComp := model.Fit().LogLike()
	dist := distuv.ChiSquared{K: 1}
	res.pvalue = dist.Survival(-2 * (logCov - logComp))
	return
}
