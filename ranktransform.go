// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

type rankTransform struct{}

func (cmd *rankTransform) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	matrixDir := flags.String("matrix-dir", "", "matrix `directory` (default: first argument)")
	outputFilename := flags.String("o", "", "output `file` (default: rank_data or rank_inverse_data in the matrix directory)")
	qnorm := flags.Bool("qnorm", false, "quantile normalise: replace each rank with the mean value at that rank across all rows")
	useInverse := flags.Bool("use-inverse", false, "transform inverse_data (one row per gene) instead of data")
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
		err = fmt.Errorf("usage: %s [options] matrix-dir", prog)
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	md, err := openMatrixDir(*matrixDir)
	if err != nil {
		return 1
	}
	if *outputFilename == "" {
		if *useInverse {
			*outputFilename = filepath.Join(*matrixDir, "rank_"+inverseDataFile)
		} else {
			*outputFilename = filepath.Join(*matrixDir, "rank_"+dataFile)
		}
	}
	ranker := &ranker{md: md, inverse: *useInverse, qnorm: *qnorm}
	err = ranker.run(*outputFilename)
	if err != nil {
		return 1
	}
	return 0
}

type ranker struct {
	md      *matrixDir
	inverse bool
	qnorm   bool

	// qnorm only: mean finite value at each rank position
	rankMeans  []float64
	rankCounts []int
}

func (rk *ranker) run(outfnm string) error {
	rows, cols := rk.md.dims(rk.inverse)
	// Fail before creating the output file if the input is unusable.
	in, err := rk.md.openData(rk.inverse)
	if err != nil {
		return err
	}
	in.Close()
	if rk.qnorm {
		rk.rankMeans = make([]float64, cols)
		rk.rankCounts = make([]int, cols)
		err = rk.eachRow(func(row []float64) error {
			rk.accumulate(row)
			return nil
		})
		if err != nil {
			return err
		}
		for i, n := range rk.rankCounts {
			if n > 0 {
				rk.rankMeans[i] /= float64(n)
			} else {
				rk.rankMeans[i] = math.NaN()
			}
		}
	}

	f, err := os.Create(outfnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriterSize(f, 1<<22)
	ranks := make([]float64, cols)
	buf := make([]byte, cols*8)
	err = rk.eachRow(func(row []float64) error {
		rk.transform(row, ranks)
		encodeRow(buf, ranks)
		_, err := bufw.Write(buf)
		return err
	})
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", outfnm, err)
	}
	log.WithFields(log.Fields{
		"rows":  rows,
		"cols":  cols,
		"qnorm": rk.qnorm,
	}).Infof("wrote %s", outfnm)
	return f.Close()
}

func (rk *ranker) eachRow(fn func([]float64) error) error {
	f, err := rk.md.openData(rk.inverse)
	if err != nil {
		return err
	}
	defer f.Close()
	rows, cols := rk.md.dims(rk.inverse)
	rr := newRowReader(f, cols)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		err = rr.Read(row)
		if err != nil {
			return fmt.Errorf("%s: row %d: %w", rk.md.dataPath(rk.inverse), i, err)
		}
		err = fn(row)
		if err != nil {
			return err
		}
	}
	return nil
}

// sortFinite returns the finite values of row in ascending order,
// along with their original positions.
func sortFinite(row []float64) (vals []float64, idx []int) {
	for i, v := range row {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
			idx = append(idx, i)
		}
	}
	perm := make([]int, len(vals))
	floats.Argsort(vals, perm)
	for i, p := range perm {
		perm[i] = idx[p]
	}
	return vals, perm
}

func (rk *ranker) accumulate(row []float64) {
	vals, _ := sortFinite(row)
	for i, v := range vals {
		rk.rankMeans[i] += v
		rk.rankCounts[i]++
	}
}

// transform writes the rank of each value in row to out. Ranks are
// scaled by len(row)/finite so rows with missing values still span
// the full range. Non-finite values get NaN.
func (rk *ranker) transform(row, out []float64) {
	fillNaN(out)
	vals, idx := sortFinite(row)
	if len(vals) == 0 {
		return
	}
	inflate := float64(len(row)) / float64(len(vals))
	for rank, i := range idx {
		if rk.qnorm {
			out[i] = rk.rankMeans[rank]
		} else {
			out[i] = float64(rank) * inflate
		}
	}
}
