// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pbnjay/memory"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type invertcmd struct{}

func (cmd *invertcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	matrixDir := flags.String("matrix-dir", "", "matrix `directory` (default: first argument)")
	blockRows := flags.Int("block-rows", 0, "rows to transpose per block (0 = fit a quarter of system memory)")
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
	err = md.invert(*blockRows)
	if err != nil {
		return 1
	}
	return 0
}

// defaultBlockRows returns the number of rows that fit in a quarter of
// physical memory, counting both the block and its transpose.
func defaultBlockRows(cols int) int {
	if cols < 1 {
		return 1
	}
	budget := memory.TotalMemory() / 4
	if budget == 0 {
		// unknown platform
		budget = 1 << 30
	}
	n := budget / uint64(cols*8*2)
	if n < 1 {
		return 1
	}
	if n > 1<<20 {
		return 1 << 20
	}
	return int(n)
}

// invert writes inverse_data, the transpose of data, reading blockRows
// rows of data at a time.
func (md *matrixDir) invert(blockRows int) error {
	rows, cols := md.dims(false)
	if blockRows <= 0 {
		blockRows = defaultBlockRows(cols)
	}
	if blockRows > rows {
		blockRows = rows
	}
	in, err := md.openData(false)
	if err != nil {
		return err
	}
	defer in.Close()

	outfnm := md.dataPath(true)
	out, err := os.Create(outfnm)
	if err != nil {
		return err
	}
	defer out.Close()
	err = out.Truncate(int64(rows) * int64(cols) * 8)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"rows":      rows,
		"cols":      cols,
		"blockRows": blockRows,
	}).Info("inverting matrix")

	rr := newRowReader(in, cols)
	var buf []byte
	for start := 0; start < rows; start += blockRows {
		n := blockRows
		if start+n > rows {
			n = rows - start
		}
		if cols == 0 {
			break
		}
		blk := mat.NewDense(n, cols, nil)
		for i := 0; i < n; i++ {
			err = rr.Read(blk.RawRowView(i))
			if err != nil {
				return fmt.Errorf("%s: row %d: %w", md.dataPath(false), start+i, err)
			}
		}
		var t mat.Dense
		t.CloneFrom(blk.T())
		if cap(buf) < n*8 {
			buf = make([]byte, n*8)
		}
		buf = buf[:n*8]
		// Row j of the transposed block is the segment of output
		// row j covering input rows start..start+n-1.
		for j := 0; j < cols; j++ {
			encodeRow(buf, t.RawRowView(j))
			_, err = out.WriteAt(buf, (int64(j)*int64(rows)+int64(start))*8)
			if err != nil {
				return fmt.Errorf("%s: %w", outfnm, err)
			}
		}
		log.Debugf("inverted rows %d..%d", start, start+n-1)
	}
	return out.Close()
}
