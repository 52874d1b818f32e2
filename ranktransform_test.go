// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bytes"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type rankSuite struct{}

var _ = check.Suite(&rankSuite{})

func readFloats(c *check.C, fnm string) []float64 {
	buf, err := os.ReadFile(fnm)
	c.Assert(err, check.IsNil)
	c.Assert(len(buf)%8, check.Equals, 0)
	out := make([]float64, len(buf)/8)
	decodeRow(out, buf)
	return out
}

func (s *rankSuite) TestTransform(c *check.C) {
	nan := math.NaN()
	rk := &ranker{}
	out := make([]float64, 4)

	rk.transform([]float64{0.3, -2, 10, 5}, out)
	c.Check(out, check.DeepEquals, []float64{1, 0, 3, 2})

	// 2 of 4 finite: ranks are scaled by 4/2
	rk.transform([]float64{7, nan, math.Inf(1), 3}, out)
	c.Check(out[0], check.Equals, 2.0)
	c.Check(math.IsNaN(out[1]), check.Equals, true)
	c.Check(math.IsNaN(out[2]), check.Equals, true)
	c.Check(out[3], check.Equals, 0.0)

	rk.transform([]float64{nan, nan, nan, nan}, out)
	for _, v := range out {
		c.Check(math.IsNaN(v), check.Equals, true)
	}
}

func (s *rankSuite) TestRankTransformCommand(c *check.C) {
	tmpdir := c.MkDir()
	nan := math.NaN()
	writeTestMatrix(c, tmpdir, []string{"GSM1", "GSM2", "GSM3"}, []string{"A", "B", "C"}, [][]float64{
		{1, 2, 3},
		{30, 10, 20},
		{nan, 5, 4},
	})
	var stderr bytes.Buffer
	exited := (&rankTransform{}).RunCommand("rank-transform", []string{tmpdir}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	ranks := readFloats(c, filepath.Join(tmpdir, "rank_data"))
	c.Assert(ranks, check.HasLen, 9)
	c.Check(ranks[:6], check.DeepEquals, []float64{0, 1, 2, 2, 0, 1})
	c.Check(math.IsNaN(ranks[6]), check.Equals, true)
	c.Check(ranks[7:], check.DeepEquals, []float64{1.5, 0})
}

func (s *rankSuite) TestQuantileNormalisation(c *check.C) {
	tmpdir := c.MkDir()
	nan := math.NaN()
	writeTestMatrix(c, tmpdir, []string{"GSM1", "GSM2", "GSM3"}, []string{"A", "B", "C"}, [][]float64{
		{1, 2, 3},
		{30, 10, 20},
		{nan, 5, 4},
	})
	outfnm := filepath.Join(tmpdir, "qnorm")
	var stderr bytes.Buffer
	exited := (&rankTransform{}).RunCommand("rank-transform", []string{"-qnorm", "-o", outfnm, "-matrix-dir", tmpdir}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	// rank means: (1+10+4)/3, (2+20+5)/3, (3+30)/2
	got := readFloats(c, outfnm)
	c.Assert(got, check.HasLen, 9)
	c.Check(got[:6], check.DeepEquals, []float64{5, 9, 16.5, 16.5, 5, 9})
	c.Check(math.IsNaN(got[6]), check.Equals, true)
	c.Check(got[7:], check.DeepEquals, []float64{9, 5})
}

func (s *rankSuite) TestUseInverse(c *check.C) {
	tmpdir := c.MkDir()
	writeTestMatrix(c, tmpdir, []string{"GSM1", "GSM2"}, []string{"A", "B", "C"}, [][]float64{
		{1, 20, 3},
		{2, 10, 30},
	})
	var stderr bytes.Buffer
	exited := (&rankTransform{}).RunCommand("rank-transform", []string{"-use-inverse", tmpdir}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*inverse_data.*`)

	exited = (&invertcmd{}).RunCommand("invert", []string{tmpdir}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	exited = (&rankTransform{}).RunCommand("rank-transform", []string{"-use-inverse", tmpdir}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(readFloats(c, filepath.Join(tmpdir, "rank_inverse_data")), check.DeepEquals, []float64{0, 1, 1, 0, 0, 1})
}

func (s *rankSuite) TestUsage(c *check.C) {
	var stderr bytes.Buffer
	c.Check((&rankTransform{}).RunCommand("rank-transform", nil, &bytes.Buffer{}, &bytes.Buffer{}, &stderr), check.Equals, 2)
	c.Check((&rankTransform{}).RunCommand("rank-transform", []string{"-h"}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr), check.Equals, 0)
	c.Check((&rankTransform{}).RunCommand("rank-transform", []string{filepath.Join(c.MkDir(), "missing")}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr), check.Equals, 1)
}
