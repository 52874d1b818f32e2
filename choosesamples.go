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
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type chooseSamples struct{}

func (cmd *chooseSamples) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == flag.ErrHelp {
		return 0
	} else if errors.Is(err, errUsage) {
		fmt.Fprintf(stderr, "%s\n", err)
		return 2
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage error")

func (cmd *chooseSamples) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	runlocal := flags.Bool("local", true, "run on local host (false: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	matrixDir := flags.String("matrix-dir", "", "matrix `directory` (default: first argument)")
	outputDir := flags.String("output-dir", "./", "output `directory` for samples.csv")
	trainingSetSize := flags.Float64("training-set-size", 0.8, "number (or proportion, if <=1) of labeled samples to assign to the training set")
	caseControlFilename := flags.String("case-control-file", "", "tsv `file` or directory indicating cases and controls (if directory, all .tsv files will be read)")
	caseControlColumn := flags.String("case-control-column", "", "name of case/control column in case-control files (value must be 0 for control, 1 for case)")
	randSeed := flags.Int64("random-seed", 0, "PRNG seed")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return err
	} else if err != nil {
		return fmt.Errorf("%w: %s", errUsage, err)
	}
	if *matrixDir == "" && flags.NArg() == 1 {
		*matrixDir = flags.Arg(0)
	} else if *matrixDir == "" || flags.NArg() > 0 {
		return fmt.Errorf("%w: %s [options] -case-control-file x.tsv -case-control-column name matrix-dir", errUsage, prog)
	}
	if *caseControlFilename == "" || *caseControlColumn == "" {
		return fmt.Errorf("%w: must provide both -case-control-file and -case-control-column", errUsage)
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "genematrix choose-samples",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(matrixDir, caseControlFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"choose-samples", "-local=true",
			"-output-dir=/mnt/output",
			"-case-control-file=" + *caseControlFilename,
			"-case-control-column=" + *caseControlColumn,
			"-training-set-size=" + fmt.Sprintf("%f", *trainingSetSize),
			"-random-seed=" + fmt.Sprintf("%d", *randSeed),
			*matrixDir,
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/"+samplesFile)
		return nil
	}

	md, err := openMatrixDir(*matrixDir)
	if err != nil {
		return err
	}
	caseControl, err := loadCaseControlFiles(*caseControlFilename, *caseControlColumn, md.arrays)
	if err != nil {
		return err
	}
	if len(caseControl) == 0 {
		return errors.New("fatal: 0 cases, 0 controls, nothing to do")
	}

	var trainingSet []int
	for i := range caseControl {
		trainingSet = append(trainingSet, i)
	}
	sort.Ints(trainingSet)
	wantlen := int(*trainingSetSize)
	if *trainingSetSize <= 1 {
		wantlen = int(*trainingSetSize * float64(len(trainingSet)))
	}
	validation := map[int]bool{}
	randsrc := rand.NewSource(*randSeed)
	for tslen := len(trainingSet); tslen > wantlen; {
		i := int(randsrc.Int63() % int64(tslen))
		validation[trainingSet[i]] = true
		tslen--
		trainingSet[i] = trainingSet[tslen]
		trainingSet = trainingSet[:tslen]
	}

	// Unlabeled samples stay in the training set so they still
	// contribute to PCA.
	samples := defaultSampleInfo(md.arrays)
	for i := range samples {
		isCase, labeled := caseControl[i]
		if !labeled {
			continue
		}
		samples[i].isCase = isCase
		samples[i].isControl = !isCase
		samples[i].isValidation = validation[i]
		samples[i].isTraining = !validation[i]
	}
	log.WithFields(log.Fields{
		"arrays":     len(md.arrays),
		"labeled":    len(caseControl),
		"training":   len(trainingSet),
		"validation": len(validation),
	}).Info("chose samples")
	return writeSampleInfo(samples, *outputDir)
}

// loadCaseControlFiles reads case/control TSV file(s), whose first
// column is a sample ID. The returned map has m[i]==true if arrays[i]
// is a case, m[i]==false if arrays[i] is a control.
func loadCaseControlFiles(path, colname string, arrays []string) (map[int]bool, error) {
	infiles := []string{path}
	if fi, err := os.Stat(path); err != nil {
		return nil, err
	} else if fi.IsDir() {
		infiles, err = filepath.Glob(filepath.Join(path, "*.tsv"))
		if err != nil {
			return nil, err
		}
		sort.Strings(infiles)
	}
	index := make(map[string]int, len(arrays))
	for i, id := range arrays {
		index[id] = i
	}
	cc := map[int]bool{}
	// IDs listed more than once with conflicting labels
	conflict := map[int]bool{}
	for _, infile := range infiles {
		err := readCaseControlFile(infile, colname, func(id, label string) {
			i, ok := index[id]
			if !ok {
				log.Warnf("%s: sample %q is not in the matrix", infile, id)
				return
			}
			var isCase bool
			switch label {
			case "1":
				isCase = true
			case "0":
			default:
				return
			}
			if conflict[i] {
				return
			} else if prev, ok := cc[i]; ok && prev != isCase {
				log.Warnf("sample %q is listed as both case and control, omitting from cases/controls", id)
				conflict[i] = true
				delete(cc, i)
				return
			}
			cc[i] = isCase
		})
		if err != nil {
			return nil, err
		}
	}
	return cc, nil
}

func readCaseControlFile(fnm, colname string, fn func(id, label string)) error {
	f, err := open(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	ccCol := -1
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if ccCol < 0 {
			// header row
			for col, name := range split {
				if name == colname {
					ccCol = col
					break
				}
			}
			if ccCol < 0 {
				return fmt.Errorf("%s: no column named %q in header row %q", fnm, colname, line)
			}
			continue
		}
		if len(split) <= ccCol {
			continue
		}
		fn(split[0], split[ccCol])
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return nil
}
