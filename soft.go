// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/arvados/genematrix/hgnc"
	log "github.com/sirupsen/logrus"
)

type softState int

const (
	statePlatformIntro softState = iota
	statePlatformHeader
	statePlatformTable
	stateSampleIntro
	stateSampleHeader
	stateSampleTable
)

func (s softState) String() string {
	switch s {
	case statePlatformIntro:
		return "platform intro"
	case statePlatformHeader:
		return "platform header"
	case statePlatformTable:
		return "platform table"
	case stateSampleIntro:
		return "sample intro"
	case stateSampleHeader:
		return "sample header"
	case stateSampleTable:
		return "sample table"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

const (
	platformSampleIDKey = "!Platform_sample_id"
	platformTableBegin  = "!platform_table_begin"
	platformTableEnd    = "!platform_table_end"
	sampleKey           = "^SAMPLE"
	sampleTableBegin    = "!sample_table_begin"
	sampleTableEnd      = "!sample_table_end"
)

var (
	errNoPlatform    = errors.New("no platform table found")
	errMissingColumn = errors.New("missing column")
)

type geneResolver interface {
	Resolve(token string) (hgnc.ID, bool)
	Symbol(id hgnc.ID) string
}

// Column offsets, valid while in statePlatformTable.
type platformTable struct {
	idCol     int
	symbolCol int
	width     int
}

// The sample being read, valid from ^SAMPLE until its table ends.
type sampleTable struct {
	id       string
	idCol    int
	valueCol int
	width    int
	usable   bool // header had the columns we need
	unknown  int  // rows whose probe ID is not in the platform table
}

// Edge recorded during the platform table, before gene columns are
// assigned.
type probeHGNCEdge struct {
	probeset int
	gene     hgnc.ID
}

type softStats struct {
	Probesets         int
	Genes             int
	Rows              int
	SyntheticRows     int
	UnresolvedSymbols int
	UnknownProbes     int
}

// softParser converts a SOFT series into a matrix, one line at a
// time. Probeset and gene indexes are built from the platform table
// and fixed once it ends; every sample after that yields exactly one
// row.
type softParser struct {
	resolver geneResolver
	profile  softProfile
	sink     matrixSink

	state    softState
	platform platformTable
	sample   sampleTable
	// ^SAMPLE seen, and its table has not ended yet
	samplePending bool

	declared []string // sample IDs in platform declaration order
	cursor   int      // next expected index in declared

	probesets map[string]int
	hgncEdges []probeHGNCEdge
	hgncSeen  map[hgnc.ID]bool

	agg         *geneAggregator
	probeValues []float64
	geneValues  []float64

	stats softStats
}

func newSoftParser(resolver geneResolver, profile softProfile, sink matrixSink) *softParser {
	return &softParser{
		resolver:  resolver,
		profile:   profile,
		sink:      sink,
		state:     statePlatformIntro,
		probesets: map[string]int{},
		hgncSeen:  map[hgnc.ID]bool{},
	}
}

// Parse reads the whole stream and writes the matrix.
func (p *softParser) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		err := p.handleLine(strings.TrimSuffix(scanner.Text(), "\r"))
		if err != nil {
			return fmt.Errorf("line %d (%s): %w", lineNum, p.state, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("after line %d: %w", lineNum, err)
	}
	return p.finish()
}

func (p *softParser) handleLine(line string) error {
	switch p.state {
	case statePlatformIntro:
		return p.platformIntro(line)
	case statePlatformHeader:
		return p.platformHeader(line)
	case statePlatformTable:
		return p.platformRow(line)
	case stateSampleIntro:
		return p.sampleIntro(line)
	case stateSampleHeader:
		return p.sampleHeader(line)
	case stateSampleTable:
		return p.sampleRow(line)
	default:
		return fmt.Errorf("bug: unhandled parser state %d", p.state)
	}
}

// cutAssignment returns the value of a "key = value" line.
func cutAssignment(line, key string) (string, bool) {
	if !strings.HasPrefix(line, key) {
		return "", false
	}
	rest := strings.TrimLeft(line[len(key):], " \t")
	if !strings.HasPrefix(rest, "=") {
		return "", false
	}
	return strings.TrimSpace(rest[1:]), true
}

func findColumns(header string, names ...string) (cols []int, width int) {
	fields := strings.Split(header, "\t")
	cols = make([]int, len(names))
	for i := range cols {
		cols[i] = -1
	}
	for col, field := range fields {
		log.Debugf("table column %d: %q", col, field)
		for i, name := range names {
			if field == name && cols[i] < 0 {
				cols[i] = col
			}
		}
	}
	return cols, len(fields)
}

func (p *softParser) platformIntro(line string) error {
	if line == platformTableBegin {
		p.cursor = 0
		p.state = statePlatformHeader
		return nil
	}
	if id, ok := cutAssignment(line, platformSampleIDKey); ok {
		p.declared = append(p.declared, id)
		return p.sink.WriteArray(id)
	}
	return nil
}

func (p *softParser) platformHeader(line string) error {
	cols, width := findColumns(line, p.profile.PlatformIDColumn, p.profile.PlatformSymbolColumn)
	if cols[0] < 0 {
		return fmt.Errorf("platform table header: %w %q", errMissingColumn, p.profile.PlatformIDColumn)
	}
	if cols[1] < 0 {
		return fmt.Errorf("platform table header: %w %q", errMissingColumn, p.profile.PlatformSymbolColumn)
	}
	p.platform = platformTable{idCol: cols[0], symbolCol: cols[1], width: width}
	p.state = statePlatformTable
	return nil
}

func (p *softParser) platformRow(line string) error {
	if line == platformTableEnd {
		return p.finishPlatform()
	}
	fields := strings.Split(line, "\t")
	if len(fields) <= p.platform.idCol || len(fields) <= p.platform.symbolCol {
		log.Debugf("skipping short platform row (%d fields < %d)", len(fields), p.platform.width)
		return nil
	}
	probeID := fields[p.platform.idCol]
	symbol := strings.TrimSpace(fields[p.platform.symbolCol])
	if symbol == "" {
		return nil
	}
	if _, dup := p.probesets[probeID]; dup {
		log.Warnf("duplicate probeset %q in platform table, keeping first", probeID)
		return nil
	}
	var ids []hgnc.ID
TOKEN:
	for _, token := range strings.Split(symbol, p.profile.SymbolSeparator) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, ok := p.resolver.Resolve(token)
		if !ok {
			p.stats.UnresolvedSymbols++
			log.Debugf("probeset %s: unresolved gene symbol %q", probeID, token)
			continue
		}
		for _, seen := range ids {
			if seen == id {
				continue TOKEN
			}
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	idx := len(p.probesets)
	p.probesets[probeID] = idx
	for _, id := range ids {
		p.hgncEdges = append(p.hgncEdges, probeHGNCEdge{probeset: idx, gene: id})
		p.hgncSeen[id] = true
	}
	return nil
}

// finishPlatform fixes the gene columns in ascending HGNC ID order,
// independent of the order genes appeared in the platform table.
func (p *softParser) finishPlatform() error {
	ids := make([]hgnc.ID, 0, len(p.hgncSeen))
	for id := range p.hgncSeen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	col := make(map[hgnc.ID]int, len(ids))
	symbols := make([]string, len(ids))
	for i, id := range ids {
		col[id] = i
		symbols[i] = p.resolver.Symbol(id)
	}
	edges := make([]probeGeneEdge, len(p.hgncEdges))
	for i, e := range p.hgncEdges {
		edges[i] = probeGeneEdge{probeset: e.probeset, gene: col[e.gene]}
	}
	p.hgncEdges = nil
	p.hgncSeen = nil

	p.agg = newGeneAggregator(edges, len(ids))
	p.probeValues = make([]float64, len(p.probesets))
	p.geneValues = make([]float64, len(ids))
	fillNaN(p.probeValues)
	fillNaN(p.geneValues)
	p.stats.Probesets = len(p.probesets)
	p.stats.Genes = len(ids)
	log.WithFields(log.Fields{
		"probesets":  p.stats.Probesets,
		"genes":      p.stats.Genes,
		"samples":    len(p.declared),
		"unresolved": p.stats.UnresolvedSymbols,
	}).Info("platform table done")
	if len(ids) == 0 {
		log.Warn("no platform gene symbols could be resolved, rows will be empty")
	}
	p.state = stateSampleIntro
	return p.sink.WriteGenes(symbols)
}

func (p *softParser) sampleIntro(line string) error {
	if id, ok := cutAssignment(line, sampleKey); ok {
		if p.samplePending {
			log.Warnf("sample %q has no data table, writing NaN row", p.sample.id)
			err := p.writeMissingRow()
			if err != nil {
				return err
			}
		}
		p.beginSample(id)
		return nil
	}
	if line == sampleTableBegin {
		if !p.samplePending {
			log.Warnf("sample table without preceding %s line", sampleKey)
			p.beginSample("")
		}
		p.state = stateSampleHeader
	}
	return nil
}

func (p *softParser) beginSample(id string) {
	if p.cursor >= len(p.declared) {
		log.Warnf("sample %q was not declared in platform", id)
	} else if want := p.declared[p.cursor]; want != id {
		log.Warnf("sample %q found where %q was expected", id, want)
	}
	p.cursor++
	p.sample = sampleTable{id: id}
	p.samplePending = true
}

func (p *softParser) sampleHeader(line string) error {
	if line == sampleTableEnd {
		log.Warnf("sample %q: empty table", p.sample.id)
		return p.finishSample()
	}
	if strings.HasPrefix(line, sampleKey) {
		return p.abandonSample(line)
	}
	cols, width := findColumns(line, p.profile.SampleIDColumn, p.profile.SampleValueColumn)
	p.sample.idCol, p.sample.valueCol, p.sample.width = cols[0], cols[1], width
	p.sample.usable = cols[0] >= 0 && cols[1] >= 0
	if !p.sample.usable {
		log.Warnf("sample %q: table header lacks %q or %q column, ignoring its rows", p.sample.id, p.profile.SampleIDColumn, p.profile.SampleValueColumn)
	}
	p.state = stateSampleTable
	return nil
}

func (p *softParser) sampleRow(line string) error {
	if line == sampleTableEnd {
		return p.finishSample()
	}
	if strings.HasPrefix(line, sampleKey) {
		return p.abandonSample(line)
	}
	if !p.sample.usable {
		return nil
	}
	fields := strings.Split(line, "\t")
	if len(fields) <= p.sample.idCol || len(fields) <= p.sample.valueCol {
		log.Debugf("sample %q: skipping short row (%d fields < %d)", p.sample.id, len(fields), p.sample.width)
		return nil
	}
	idx, ok := p.probesets[fields[p.sample.idCol]]
	if !ok {
		p.sample.unknown++
		p.stats.UnknownProbes++
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[p.sample.valueCol]), 64)
	if err != nil {
		v = math.NaN()
	}
	p.probeValues[idx] = v
	return nil
}

func (p *softParser) finishSample() error {
	if p.sample.unknown > 0 {
		log.Debugf("sample %q: ignored %d rows with probe IDs not in platform", p.sample.id, p.sample.unknown)
	}
	p.agg.aggregate(p.probeValues, p.geneValues)
	err := p.sink.WriteRow(p.geneValues)
	if err != nil {
		return err
	}
	p.stats.Rows++
	fillNaN(p.probeValues)
	p.samplePending = false
	p.state = stateSampleIntro
	return nil
}

// writeMissingRow emits an all-NaN row for the pending sample, so
// rows stay aligned with the arrays list.
// abandonSample writes a NaN row for a sample whose table was cut off
// by the next sample line, then starts the next sample.
func (p *softParser) abandonSample(line string) error {
	log.Warnf("sample %q: table not terminated before next sample, writing NaN row", p.sample.id)
	err := p.writeMissingRow()
	if err != nil {
		return err
	}
	p.state = stateSampleIntro
	return p.sampleIntro(line)
}

func (p *softParser) writeMissingRow() error {
	fillNaN(p.geneValues)
	err := p.sink.WriteRow(p.geneValues)
	if err != nil {
		return err
	}
	p.stats.Rows++
	p.stats.SyntheticRows++
	fillNaN(p.probeValues)
	p.samplePending = false
	return nil
}

func (p *softParser) finish() error {
	switch p.state {
	case statePlatformIntro:
		return errNoPlatform
	case statePlatformHeader, statePlatformTable:
		return fmt.Errorf("input ended inside platform table (%s)", p.state)
	}
	if p.samplePending {
		log.Warnf("input ended before table of sample %q was complete, writing NaN row", p.sample.id)
		err := p.writeMissingRow()
		if err != nil {
			return err
		}
	}
	if p.cursor < len(p.declared) {
		log.Warnf("input is incomplete: found %d of %d declared samples", p.cursor, len(p.declared))
	}
	return nil
}

func (p *softParser) Stats() softStats {
	return p.stats
}
