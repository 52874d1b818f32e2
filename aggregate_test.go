// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"math"

	"gopkg.in/check.v1"
)

type aggregateSuite struct{}

var _ = check.Suite(&aggregateSuite{})

func (s *aggregateSuite) TestAggregate(c *check.C) {
	nan := math.NaN()
	// probeset 0 → genes 0 and 1; probesets 1, 2 → gene 1; probeset
	// 3 → gene 2; nothing maps to gene 3
	agg := newGeneAggregator([]probeGeneEdge{
		{0, 0}, {0, 1}, {1, 1}, {2, 1}, {3, 2},
	}, 4)
	out := make([]float64, 4)
	for _, trial := range []struct {
		probesets []float64
		expect    []float64
	}{
		{[]float64{1, 2, 3, 4}, []float64{1, 2, 4, nan}},
		{[]float64{nan, 2, math.Inf(-1), nan}, []float64{nan, 2, nan, nan}},
		{[]float64{-1, nan, nan, 0}, []float64{-1, -1, 0, nan}},
		{[]float64{nan, nan, nan, nan}, []float64{nan, nan, nan, nan}},
	} {
		agg.aggregate(trial.probesets, out)
		for i, v := range trial.expect {
			if math.IsNaN(v) {
				c.Check(math.IsNaN(out[i]), check.Equals, true, check.Commentf("%v gene %d", trial.probesets, i))
			} else {
				c.Check(out[i], check.Equals, v, check.Commentf("%v gene %d", trial.probesets, i))
			}
		}
	}
}
