// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hgnc maps free-text gene annotations, as found in
// microarray platform tables, onto HGNC gene identities.
package hgnc

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ID is a numeric HGNC gene identifier.
type ID int

type entry struct {
	id        ID
	canonical bool
}

// Table resolves gene symbols, names, and aliases to HGNC IDs. It
// must not be modified after loading, but lookups are safe to call
// concurrently.
type Table struct {
	symbols  map[string]entry
	approved map[ID]string
}

const approvedStatus = "Approved"

// Load reads tab-separated reference rows with columns id, approved
// symbol, approved name, status, alias list, previous symbol list.
// Rows that are not "Approved" are ignored. The id may be given as
// "123" or "HGNC:123". If the first row's id is not numeric, it is
// taken to be a header.
func (t *Table) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		for len(fields) < 6 {
			fields = append(fields, "")
		}
		id, err := parseID(fields[0])
		if err != nil {
			if lineNum == 1 {
				continue
			}
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if strings.TrimSpace(fields[3]) != approvedStatus {
			continue
		}
		t.Add(id, fields[1], fields[2], splitList(fields[4]), splitList(fields[5]))
	}
	return scanner.Err()
}

func parseID(s string) (ID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "HGNC:")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad HGNC id %q: %w", s, err)
	} else if n <= 0 {
		return 0, fmt.Errorf("bad HGNC id %q: not positive", s)
	}
	return ID(n), nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '"'
	})
}

// Add registers one gene: symbol as its canonical name, and name,
// aliases, and previous symbols as non-canonical names.
func (t *Table) Add(id ID, symbol, name string, aliases, previous []string) {
	if t.symbols == nil {
		t.symbols = map[string]entry{}
		t.approved = map[ID]string{}
	}
	symbol = strings.TrimSpace(symbol)
	t.approved[id] = symbol
	t.register(symbol, id, true)
	t.register(name, id, false)
	for _, a := range aliases {
		t.register(a, id, false)
	}
	for _, p := range previous {
		t.register(p, id, false)
	}
}

// A canonical name replaces whatever was there before. A
// non-canonical name only fills an empty slot.
func (t *Table) register(s string, id ID, canonical bool) {
	key := strings.ReplaceAll(upper(s), "-", "")
	if key == "" {
		return
	}
	if !canonical {
		if _, exists := t.symbols[key]; exists {
			return
		}
	}
	t.symbols[key] = entry{id: id, canonical: canonical}
}

// Symbol returns the approved symbol for id, or "" if id is unknown.
func (t *Table) Symbol(id ID) string {
	return t.approved[id]
}

// Len returns the number of approved genes.
func (t *Table) Len() int {
	return len(t.approved)
}

func upper(s string) string {
	// cases.Caser is stateful, so each call gets its own.
	return cases.Upper(language.Und).String(strings.TrimSpace(s))
}

var (
	numericSuffixRe = regexp.MustCompile(`^(.+?)-?([0-9]+)$`)
	suffixSynonyms  = map[string]string{
		"ALPHA": "A",
		"BETA":  "B",
		"1":     "I",
		"2":     "II",
	}
)

// A resolveStep proposes alternative spellings of a normalized token,
// in the order they should be tried.
type resolveStep func(token string) []string

var resolveSteps = []resolveStep{
	func(token string) []string {
		return []string{token}
	},
	func(token string) []string {
		m := numericSuffixRe.FindStringSubmatch(token)
		if m == nil {
			return nil
		}
		try := []string{m[1]}
		if syn, ok := suffixSynonyms[m[2]]; ok {
			try = append(try, m[1]+syn)
		}
		return try
	},
	func(token string) []string {
		return []string{token + "1", token + "A"}
	},
}

// Resolve returns the HGNC ID for an annotation token. The token is
// tried as given, then with its numeric suffix removed or spelled
// differently, then with "1" or "A" appended. If all of those fail,
// the whole sequence is repeated once with "ALPHA" abbreviated to "A"
// and dashes removed.
func (t *Table) Resolve(token string) (ID, bool) {
	token = upper(token)
	if token == "" {
		return 0, false
	}
	passes := []string{token}
	if stripped := strings.ReplaceAll(strings.ReplaceAll(token, "ALPHA", "A"), "-", ""); stripped != "" {
		passes = append(passes, stripped)
	}
	for _, tok := range passes {
		for _, step := range resolveSteps {
			for _, try := range step(tok) {
				if e, ok := t.symbols[try]; ok {
					return e.id, true
				}
			}
		}
	}
	return 0, false
}
