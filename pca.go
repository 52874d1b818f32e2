// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

type goPCA struct{}

func (cmd *goPCA) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputDir := flags.String("output-dir", "./", "output `directory` for pca.npy and samples.csv")
	samplesFilename := flags.String("samples", "", "`samples.csv` with case/control labels (default: all samples unlabeled)")
	components := flags.Int("components", 4, "number of components")
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
		err = fmt.Errorf("usage: %s [options] matrix-dir", prog)
		return 2
	}
	if *components < 1 {
		err = errors.New("-components must be at least 1")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "genematrix pca-go",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         120000000000,
			VCPUs:       4,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(matrixDir, samplesFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"pca-go", "-local=true",
			fmt.Sprintf("-components=%d", *components),
			"-samples=" + *samplesFilename,
			"-output-dir=/mnt/output",
			*matrixDir}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/pca.npy")
		return 0
	}

	md, err := openMatrixDir(*matrixDir)
	if err != nil {
		return 1
	}
	var samples []sampleInfo
	if *samplesFilename == "" {
		samples = defaultSampleInfo(md.arrays)
	} else {
		samples, err = loadSampleInfo(*samplesFilename)
		if err != nil {
			return 1
		}
		err = checkSampleIDs(samples, md.arrays)
		if err != nil {
			return 1
		}
	}
	data, rows, cols, err := md.readAll(false)
	if err != nil {
		return 1
	}
	pcs, err := expressionPCA(data, rows, cols, *components)
	if err != nil {
		return 1
	}
	rows, cols = pcs.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		samples[i].pcaComponents = make([]float64, cols)
		for j := 0; j < cols; j++ {
			out[i*cols+j] = pcs.At(i, j)
			samples[i].pcaComponents[j] = pcs.At(i, j)
		}
	}

	fnm := filepath.Join(*outputDir, "pca.npy")
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return 1
	}
	defer output.Close()
	err = writeNumpyFloat64(output, out, rows, cols)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	err = writeSampleInfo(samples, *outputDir)
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}

// imputeGeneMeans returns a samples × genes matrix built from data,
// with missing values replaced by the gene's mean. Genes with no
// finite values are left out.
func imputeGeneMeans(data []float64, rows, cols int) (*mat.Dense, int) {
	var keep []int
	var means []float64
	finite := make([]float64, 0, rows)
	for j := 0; j < cols; j++ {
		finite = finite[:0]
		for i := 0; i < rows; i++ {
			v := data[i*cols+j]
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				finite = append(finite, v)
			}
		}
		if len(finite) == 0 {
			continue
		}
		keep = append(keep, j)
		means = append(means, stat.Mean(finite, nil))
	}
	if len(keep) == 0 || rows == 0 {
		return nil, 0
	}
	mtx := mat.NewDense(rows, len(keep), nil)
	for i := 0; i < rows; i++ {
		for k, j := range keep {
			v := data[i*cols+j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = means[k]
			}
			mtx.Set(i, k, v)
		}
	}
	return mtx, len(keep)
}

// expressionPCA returns the first k principal components of each
// sample (row) of the rows × cols data matrix.
func expressionPCA(data []float64, rows, cols, k int) (mat.Matrix, error) {
	mtx, genes := imputeGeneMeans(data, rows, cols)
	if mtx == nil {
		return nil, errors.New("cannot compute PCA: no samples with finite expression values")
	}
	if genes < cols {
		log.Infof("PCA: skipping %d of %d genes with no finite values", cols-genes, cols)
	}
	if limit := min(rows, genes); k > limit {
		log.Warnf("PCA: reducing components from %d to %d", k, limit)
		k = limit
	}
	log.Printf("fitting PCA: %d samples, %d genes, %d components", rows, genes, k)
	// nlp expects features in rows, samples in columns.
	transformer := nlp.NewPCA(k)
	transformer.Fit(mtx.T())
	pcs, err := transformer.Transform(mtx.T())
	if err != nil {
		return nil, err
	}
	return pcs.T(), nil
}
