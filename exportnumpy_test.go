// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bytes"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportNumpySuite struct{}

var _ = check.Suite(&exportNumpySuite{})

func (s *exportNumpySuite) TestMatrixToNumpy(c *check.C) {
	tmpdir := c.MkDir()
	writeTestMatrix(c, tmpdir, []string{"GSM1", "GSM2"}, []string{"A", "B", "C"}, [][]float64{
		{1, 2, 3},
		{4, 5, 6},
	})

	var stdout, stderr bytes.Buffer
	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{tmpdir}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	npy, err := gonpy.NewReader(bytes.NewReader(stdout.Bytes()))
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{2, 3})
	values, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(values, check.DeepEquals, []float64{1, 2, 3, 4, 5, 6})

	exited = (&invertcmd{}).RunCommand("invert", []string{tmpdir}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	stdout.Reset()
	exited = (&exportNumpy{}).RunCommand("export-numpy", []string{"-use-inverse", "-matrix-dir", tmpdir}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	npy, err = gonpy.NewReader(bytes.NewReader(stdout.Bytes()))
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{3, 2})
	values, err = npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(values, check.DeepEquals, []float64{1, 4, 2, 5, 3, 6})
}

func (s *exportNumpySuite) TestUsage(c *check.C) {
	var stderr bytes.Buffer
	c.Check((&exportNumpy{}).RunCommand("export-numpy", nil, &bytes.Buffer{}, &bytes.Buffer{}, &stderr), check.Equals, 2)
	c.Check((&exportNumpy{}).RunCommand("export-numpy", []string{"a", "b"}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr), check.Equals, 2)
	c.Check((&exportNumpy{}).RunCommand("export-numpy", []string{"-local=false", "-o", "x.npy", "a"}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr), check.Equals, 1)
}
