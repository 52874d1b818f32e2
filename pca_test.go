// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"math"

	"gopkg.in/check.v1"
)

type pcaSuite struct{}

var _ = check.Suite(&pcaSuite{})

func (s *pcaSuite) TestImputeGeneMeans(c *check.C) {
	nan := math.NaN()
	mtx, genes := imputeGeneMeans([]float64{
		1, nan, 5,
		3, nan, nan,
		nan, nan, 7,
	}, 3, 3)
	c.Assert(mtx, check.NotNil)
	c.Check(genes, check.Equals, 2)
	rows, cols := mtx.Dims()
	c.Check(rows, check.Equals, 3)
	c.Check(cols, check.Equals, 2)
	c.Check(mtx.RawMatrix().Data, check.DeepEquals, []float64{
		1, 5,
		3, 6,
		2, 7,
	})

	mtx, genes = imputeGeneMeans([]float64{nan, nan}, 2, 1)
	c.Check(mtx, check.IsNil)
	c.Check(genes, check.Equals, 0)
}

func (s *pcaSuite) TestExpressionPCA(c *check.C) {
	// two clusters of samples along the first gene
	data := []float64{
		10, 1, 0.5,
		11, 2, 0.4,
		10.5, 1.5, 0.6,
		-10, 1, 0.5,
		-11, 2, 0.4,
		-10.5, 1.5, 0.5,
	}
	pcs, err := expressionPCA(data, 6, 3, 2)
	c.Assert(err, check.IsNil)
	rows, cols := pcs.Dims()
	c.Check(rows, check.Equals, 6)
	c.Check(cols, check.Equals, 2)
	// first component separates the clusters
	for i := 0; i < 3; i++ {
		c.Check(pcs.At(i, 0)*pcs.At(i+3, 0) < 0, check.Equals, true)
		c.Check(math.Abs(pcs.At(i, 0)) > 5, check.Equals, true)
	}

	// more components than genes
	pcs, err = expressionPCA(data[:6], 6, 1, 4)
	c.Assert(err, check.IsNil)
	_, cols = pcs.Dims()
	c.Check(cols, check.Equals, 1)

	_, err = expressionPCA([]float64{math.NaN()}, 1, 1, 1)
	c.Check(err, check.NotNil)
}
