// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"os"

	"gopkg.in/check.v1"
)

type profileSuite struct{}

var _ = check.Suite(&profileSuite{})

func (s *profileSuite) TestLoadProfile(c *check.C) {
	prof, err := loadProfile("")
	c.Assert(err, check.IsNil)
	c.Check(prof, check.Equals, defaultProfile)

	tmpdir := c.MkDir()
	for _, trial := range []struct {
		yaml   string
		expect softProfile
		err    string
	}{
		{
			yaml:   "platform_symbol_column: GENE_SYMBOL\n",
			expect: softProfile{"ID", "GENE_SYMBOL", " // ", "ID_REF", "VALUE"},
		},
		{
			yaml:   "symbol_separator: \"///\"\nsample_value_column: SIGNAL\n",
			expect: softProfile{"ID", "Gene Symbol", "///", "ID_REF", "SIGNAL"},
		},
		{
			yaml: "symbol_seperator: \";\"\n",
			err:  `.*symbol_seperator.*`,
		},
		{
			yaml: "symbol_separator: \"\"\n",
			err:  `.*symbol_separator must not be empty`,
		},
	} {
		fnm := tmpdir + "/profile.yaml"
		c.Assert(os.WriteFile(fnm, []byte(trial.yaml), 0666), check.IsNil)
		prof, err := loadProfile(fnm)
		if trial.err != "" {
			c.Check(err, check.ErrorMatches, "(?s)"+trial.err)
			continue
		}
		c.Check(err, check.IsNil)
		c.Check(prof, check.Equals, trial.expect)
	}
}
