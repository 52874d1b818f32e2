// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1, Src: rand.NewSource(rand.Uint64())}

// chiSquareTest dichotomizes expression at the median of the labeled
// training samples and tests high expression against case status.
// PCA covariates are not used.
func chiSquareTest(samples []sampleInfo, nPCA int, expr []float64) (res assocResult) {
	res.pvalue = math.NaN()
	var vals []float64
	var isCase []bool
	for i, si := range samples {
		if !si.isTraining || !(si.isCase || si.isControl) {
			continue
		}
		if math.IsNaN(expr[i]) || math.IsInf(expr[i], 0) {
			continue
		}
		vals = append(vals, expr[i])
		isCase = append(isCase, si.isCase)
	}
	res.n = len(vals)
	if res.n < 2 {
		return
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	if sorted[0] == sorted[len(sorted)-1] {
		return
	}
	high := make([]bool, len(vals))
	for i, v := range vals {
		high[i] = v >= median
	}
	res.pvalue = pvalue(high, isCase)
	return
}

// pvalue returns the 1-df chi-square p-value for independence of x
// and y, computed from the full 2x2 contingency table. Swapping the
// sense of either x or y gives the same result.
func pvalue(x, y []bool) float64 {
	var obs [2][2]float64
	for i, yi := range y {
		r, c := 0, 0
		if !x[i] {
			r = 1
		}
		if !yi {
			c = 1
		}
		obs[r][c]++
	}
	rows := [2]float64{obs[0][0] + obs[0][1], obs[1][0] + obs[1][1]}
	cols := [2]float64{obs[0][0] + obs[1][0], obs[0][1] + obs[1][1]}
	n := rows[0] + rows[1]
	if rows[0] == 0 || rows[1] == 0 || cols[0] == 0 || cols[1] == 0 {
		return 1
	}
	var sum float64
	for r := range obs {
		for c := range obs[r] {
			exp := rows[r] * cols[c] / n
			d := obs[r][c] - exp
			sum += d * d / exp
		}
	}
	return chisquared.Survival(sum)
}
