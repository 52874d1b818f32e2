// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/arvados/genematrix/hgnc"
	log "github.com/sirupsen/logrus"
)

type soft2matrix struct{}

func (cmd *soft2matrix) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] [input.soft[.gz]]\n", prog)
		flags.PrintDefaults()
	}
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", true, "run on local host (false: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	softFilename := flags.String("soft", "", "SOFT series `file` (\"-\" for stdin, .gz ok); may also be given as the first argument")
	outputDir := flags.String("output-dir", "./", "existing output `directory`")
	hgncFilename := flags.String("hgnc", "hgnc.txt", "HGNC table `file` (.gz ok)")
	profileFilename := flags.String("profile", "", "YAML `file` overriding SOFT column names and symbol separator")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *softFilename == "" && flags.NArg() > 0 {
		*softFilename = flags.Arg(0)
		if flags.NArg() > 1 {
			err = fmt.Errorf("extra arguments after %q", flags.Arg(0))
			flags.Usage()
			return 2
		}
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("unexpected argument %q (input already given with -soft)", flags.Arg(0))
		flags.Usage()
		return 2
	}
	if *softFilename == "" {
		err = errors.New("no SOFT input specified")
		flags.Usage()
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
		runner := arvadosContainerRunner{
			Name:        "genematrix soft2matrix",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       2,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(softFilename, hgncFilename, profileFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"soft2matrix", "-local=true",
			"-loglevel=" + *loglevel,
			"-soft=" + *softFilename,
			"-hgnc=" + *hgncFilename,
			"-profile=" + *profileFilename,
			"-output-dir=/mnt/output",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	// Check everything we can before creating any output files.
	if fi, e := os.Stat(*outputDir); e != nil {
		err = fmt.Errorf("output directory: %w", e)
		return 1
	} else if !fi.IsDir() {
		err = fmt.Errorf("output directory: %s is not a directory", *outputDir)
		return 1
	}
	profile, err := loadProfile(*profileFilename)
	if err != nil {
		return 1
	}
	table := &hgnc.Table{}
	err = loadHGNC(table, *hgncFilename)
	if err != nil {
		return 1
	}
	var input io.ReadCloser
	if *softFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = zopen(*softFilename)
		if err != nil {
			return 1
		}
	}
	defer input.Close()

	mw, err := createMatrixDir(*outputDir)
	if err != nil {
		return 1
	}
	parser := newSoftParser(table, profile, mw)
	err = parser.Parse(input)
	if e := mw.Close(); err == nil {
		err = e
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", *softFilename, err)
		return 1
	}
	stats := parser.Stats()
	log.WithFields(log.Fields{
		"probesets":  stats.Probesets,
		"genes":      stats.Genes,
		"rows":       stats.Rows,
		"nanRows":    stats.SyntheticRows,
		"unresolved": stats.UnresolvedSymbols,
		"unknown":    stats.UnknownProbes,
	}).Info("conversion complete")
	return 0
}

func loadHGNC(table *hgnc.Table, fnm string) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	log.Infof("loading HGNC table %s", fnm)
	err = table.Load(f)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	log.Infof("loaded %d HGNC symbols", table.Len())
	return nil
}
