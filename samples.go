// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
)

const samplesFile = "samples.csv"

var samplesHeader = []string{"Index", "SampleID", "CaseControl", "TrainingValidation"}

type sampleInfo struct {
	id            string
	isCase        bool
	isControl     bool
	isTraining    bool
	isValidation  bool
	pcaComponents []float64
}

// defaultSampleInfo returns one unlabeled training sample per array.
func defaultSampleInfo(arrays []string) []sampleInfo {
	si := make([]sampleInfo, len(arrays))
	for i, id := range arrays {
		si[i] = sampleInfo{id: id, isTraining: true}
	}
	return si
}

// loadSampleInfo reads a samples.csv file. Rows must be listed in
// index order, and a header row (if any) must come first.
func loadSampleInfo(samplesFilename string) ([]sampleInfo, error) {
	f, err := open(samplesFilename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(bufio.NewReader(f))
	rdr.FieldsPerRecord = -1
	var si []sampleInfo
	for lineNum := 1; ; lineNum++ {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", samplesFilename, err)
		}
		if len(rec) < 4 {
			return nil, fmt.Errorf("%s line %d: %d fields < 4", samplesFilename, lineNum, len(rec))
		}
		if lineNum == 1 && rec[0] == samplesHeader[0] && rec[1] == samplesHeader[1] {
			continue
		}
		idx, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: index: %w", samplesFilename, lineNum, err)
		} else if idx != len(si) {
			return nil, fmt.Errorf("%s line %d: index %d out of order", samplesFilename, lineNum, idx)
		}
		var pcaComponents []float64
		for _, s := range rec[4:] {
			x, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: cannot parse float %q: %w", samplesFilename, lineNum, s, err)
			}
			pcaComponents = append(pcaComponents, x)
		}
		si = append(si, sampleInfo{
			id:            rec[1],
			isCase:        rec[2] == "1",
			isControl:     rec[2] == "0",
			isTraining:    rec[3] == "1",
			isValidation:  rec[3] == "0" && rec[2] != "",
			pcaComponents: pcaComponents,
		})
	}
	return si, nil
}

// checkSampleIDs returns an error unless samples lists exactly the
// given arrays, in the same order.
func checkSampleIDs(samples []sampleInfo, arrays []string) error {
	if len(samples) != len(arrays) {
		return fmt.Errorf("sample info has %d samples, matrix has %d arrays", len(samples), len(arrays))
	}
	for i, si := range samples {
		if si.id != arrays[i] {
			return fmt.Errorf("sample %d is %q in sample info, %q in matrix", i, si.id, arrays[i])
		}
	}
	return nil
}

func writeSampleInfo(samples []sampleInfo, outputDir string) error {
	fnm := filepath.Join(outputDir, samplesFile)
	log.Infof("writing sample metadata to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	header := append([]string(nil), samplesHeader...)
	if len(samples) > 0 {
		for i := range samples[0].pcaComponents {
			header = append(header, fmt.Sprintf("PCA%d", i))
		}
	}
	w.Write(header)
	for i, si := range samples {
		var cc, tv string
		if si.isCase {
			cc = "1"
		} else if si.isControl {
			cc = "0"
		}
		if si.isTraining {
			tv = "1"
		} else if si.isValidation {
			tv = "0"
		}
		rec := []string{strconv.Itoa(i), si.id, cc, tv}
		for _, x := range si.pcaComponents {
			rec = append(rec, strconv.FormatFloat(x, 'f', 6, 64))
		}
		w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}

var errNoLabels = errors.New("no training samples are labeled as case or control")
