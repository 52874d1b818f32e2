// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Files in a matrix directory.
const (
	arraysFile      = "arrays"
	genesFile       = "genes"
	dataFile        = "data"
	inverseDataFile = "inverse_data"
)

var errShortWrite = errors.New("short write")

// matrixSink receives the output of a SOFT conversion: sample IDs as
// they are declared, the gene list once it is known, then one row per
// sample.
type matrixSink interface {
	WriteArray(id string) error
	WriteGenes(symbols []string) error
	WriteRow(row []float64) error
}

// matrixWriter writes a matrix directory. Rows go straight to the
// data file, so its size always reflects the rows completed so far.
type matrixWriter struct {
	dir     string
	arrays  *os.File
	arraysw *bufio.Writer
	data    *os.File
	cols    int
	rows    int
	rowbuf  []byte
}

func createMatrixDir(dir string) (*matrixWriter, error) {
	mw := &matrixWriter{dir: dir, cols: -1}
	var err error
	mw.arrays, err = os.Create(filepath.Join(dir, arraysFile))
	if err != nil {
		return nil, err
	}
	mw.arraysw = bufio.NewWriter(mw.arrays)
	mw.data, err = os.Create(filepath.Join(dir, dataFile))
	if err != nil {
		mw.arrays.Close()
		return nil, err
	}
	return mw, nil
}

func (mw *matrixWriter) WriteArray(id string) error {
	_, err := fmt.Fprintln(mw.arraysw, id)
	return err
}

func (mw *matrixWriter) WriteGenes(symbols []string) error {
	if mw.cols >= 0 {
		return errors.New("bug: gene list written twice")
	}
	// Array IDs are all declared before the gene list is known.
	err := mw.arraysw.Flush()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, s := range symbols {
		buf.WriteString(s)
		buf.WriteByte('\n')
	}
	err = os.WriteFile(filepath.Join(mw.dir, genesFile), buf.Bytes(), 0666)
	if err != nil {
		return err
	}
	mw.cols = len(symbols)
	mw.rowbuf = make([]byte, 8*mw.cols)
	return nil
}

func (mw *matrixWriter) WriteRow(row []float64) error {
	if len(row) != mw.cols {
		return fmt.Errorf("bug: row has %d columns, expected %d", len(row), mw.cols)
	}
	encodeRow(mw.rowbuf, row)
	n, err := mw.data.Write(mw.rowbuf)
	if err != nil {
		return fmt.Errorf("%s: row %d: %w", mw.data.Name(), mw.rows, err)
	} else if n < len(mw.rowbuf) {
		return fmt.Errorf("%s: row %d: %w (%d < %d bytes)", mw.data.Name(), mw.rows, errShortWrite, n, len(mw.rowbuf))
	}
	mw.rows++
	return nil
}

func (mw *matrixWriter) Close() error {
	err := mw.arraysw.Flush()
	if e := mw.arrays.Close(); err == nil {
		err = e
	}
	if e := mw.data.Close(); err == nil {
		err = e
	}
	return err
}

func encodeRow(buf []byte, row []float64) {
	for i, v := range row {
		binary.NativeEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
}

func decodeRow(row []float64, buf []byte) {
	for i := range row {
		row[i] = math.Float64frombits(binary.NativeEndian.Uint64(buf[i*8:]))
	}
}

// matrixDir is a matrix directory opened for reading.
type matrixDir struct {
	dir    string
	arrays []string
	genes  []string
}

func openMatrixDir(dir string) (*matrixDir, error) {
	if fi, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", dir)
	}
	md := &matrixDir{dir: dir}
	var err error
	md.arrays, err = readLines(filepath.Join(dir, arraysFile))
	if err != nil {
		return nil, err
	}
	md.genes, err = readLines(filepath.Join(dir, genesFile))
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"dir":    dir,
		"arrays": len(md.arrays),
		"genes":  len(md.genes),
	}).Info("opened matrix directory")
	return md, nil
}

func readLines(fnm string) ([]string, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return lines, nil
}

// dims returns the shape of data, or of inverse_data if inverse is
// true.
func (md *matrixDir) dims(inverse bool) (rows, cols int) {
	if inverse {
		return len(md.genes), len(md.arrays)
	}
	return len(md.arrays), len(md.genes)
}

func (md *matrixDir) dataPath(inverse bool) string {
	if inverse {
		return filepath.Join(md.dir, inverseDataFile)
	}
	return filepath.Join(md.dir, dataFile)
}

// openData opens data (or inverse_data) and checks that its size
// matches the arrays and genes lists exactly.
func (md *matrixDir) openData(inverse bool) (file, error) {
	fnm := md.dataPath(inverse)
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	rows, cols := md.dims(inverse)
	if want := int64(rows) * int64(cols) * 8; size != want {
		f.Close()
		return nil, fmt.Errorf("%s: size %d does not match %d rows × %d cols (%d bytes); file is truncated or lists are out of sync", fnm, size, rows, cols, want)
	}
	return f, nil
}

// rowReader reads fixed-width float64 rows.
type rowReader struct {
	r   *bufio.Reader
	buf []byte
}

func newRowReader(r io.Reader, cols int) *rowReader {
	return &rowReader{
		r:   bufio.NewReaderSize(r, 1<<22),
		buf: make([]byte, cols*8),
	}
}

// Read fills row with the next row. It returns io.EOF at the end of
// the data, and io.ErrUnexpectedEOF if the last row is incomplete.
func (rr *rowReader) Read(row []float64) error {
	_, err := io.ReadFull(rr.r, rr.buf)
	if err != nil {
		return err
	}
	decodeRow(row, rr.buf)
	return nil
}

// readAll loads the entire data (or inverse_data) matrix in row-major
// order.
func (md *matrixDir) readAll(inverse bool) (data []float64, rows, cols int, err error) {
	f, err := md.openData(inverse)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()
	rows, cols = md.dims(inverse)
	data = make([]float64, rows*cols)
	rr := newRowReader(f, cols)
	for row := 0; row < rows; row++ {
		err = rr.Read(data[row*cols : (row+1)*cols])
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%s: row %d: %w", md.dataPath(inverse), row, err)
		}
	}
	return data, rows, cols, nil
}
