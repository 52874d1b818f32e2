// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"fmt"
	"math"

	"gopkg.in/check.v1"
)

type pvalueSuite struct{}

var _ = check.Suite(&pvalueSuite{})

func (s *pvalueSuite) TestPvalue(c *check.C) {
	a := make([]bool, 54)
	b := make([]bool, 54)
	for i := 0; i < 25; i++ {
		a[i] = true
		b[i] = true
	}
	for i := 25; i < 31; i++ {
		a[i] = true
	}
	for i := 31; i < 39; i++ {
		b[i] = true
	}
	c.Check(fmt.Sprintf("%.7f", pvalue(a, b)), check.Equals, "0.0006297")
	for i := range a {
		a[i] = !a[i]
	}
	c.Check(fmt.Sprintf("%.7f", pvalue(a, b)), check.Equals, "0.0006297")
	for i := range b {
		b[i] = !b[i]
	}
	c.Check(fmt.Sprintf("%.7f", pvalue(a, b)), check.Equals, "0.0006297")
	c.Check(fmt.Sprintf("%.7f", pvalue(b, a)), check.Equals, "0.0006297")
}

func (s *pvalueSuite) TestPvalueSmallTable(c *check.C) {
	// high: 5 case, 1 control; low: 1 case, 5 control
	x := []bool{true, true, true, true, true, false, true, false, false, false, false, false}
	y := []bool{true, true, true, true, true, true, false, false, false, false, false, false}
	c.Check(fmt.Sprintf("%.4f", pvalue(x, y)), check.Equals, "0.0209")

	// independent
	x = []bool{true, false, true, false}
	y = []bool{true, true, false, false}
	c.Check(pvalue(x, y), check.Equals, 1.0)

	// empty margin
	x = []bool{true, true, true, true}
	c.Check(pvalue(x, y), check.Equals, 1.0)
}

func (s *pvalueSuite) TestChiSquareTest(c *check.C) {
	// cases all express high, controls all low
	expr := []float64{5, 6, 7, 8, 9, 10, 1, 2, 3, 4, 0.5, 1.5}
	res := chiSquareTest(labeledSamples(12, 6), 0, expr)
	c.Check(res.n, check.Equals, 12)
	c.Check(res.pvalue < 0.05, check.Equals, true, check.Commentf("p=%v", res.pvalue))

	// no association
	expr = []float64{1, 10, 2, 9, 3, 8, 4, 7, 5, 6, 11, 0}
	res = chiSquareTest(labeledSamples(12, 6), 0, expr)
	c.Check(res.pvalue > 0.5, check.Equals, true, check.Commentf("p=%v", res.pvalue))

	res = chiSquareTest(labeledSamples(4, 2), 0, []float64{3, 3, 3, 3})
	c.Check(res.n, check.Equals, 4)
	c.Check(math.IsNaN(res.pvalue), check.Equals, true)

	res = chiSquareTest(labeledSamples(4, 2), 0, []float64{math.NaN(), 1, math.NaN(), math.NaN()})
	c.Check(res.n, check.Equals, 1)
	c.Check(math.IsNaN(res.pvalue), check.Equals, true)
}
