// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
)

// softProfile names the columns and separators the parser relies on.
// GEO platforms mostly agree on these, but not all of them do.
type softProfile struct {
	PlatformIDColumn     string `yaml:"platform_id_column"`
	PlatformSymbolColumn string `yaml:"platform_symbol_column"`
	SymbolSeparator      string `yaml:"symbol_separator"`
	SampleIDColumn       string `yaml:"sample_id_column"`
	SampleValueColumn    string `yaml:"sample_value_column"`
}

var defaultProfile = softProfile{
	PlatformIDColumn:     "ID",
	PlatformSymbolColumn: "Gene Symbol",
	SymbolSeparator:      " // ",
	SampleIDColumn:       "ID_REF",
	SampleValueColumn:    "VALUE",
}

// loadProfile reads a YAML profile. Fields left out keep their
// default values.
func loadProfile(fnm string) (softProfile, error) {
	prof := defaultProfile
	if fnm == "" {
		return prof, nil
	}
	f, err := open(fnm)
	if err != nil {
		return prof, err
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return prof, fmt.Errorf("%s: %w", fnm, err)
	}
	err = yaml.UnmarshalWithOptions(buf, &prof, yaml.Strict())
	if err != nil {
		return prof, fmt.Errorf("%s: %w", fnm, err)
	}
	if prof.SymbolSeparator == "" {
		return prof, fmt.Errorf("%s: symbol_separator must not be empty", fnm)
	}
	return prof, nil
}
