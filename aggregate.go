// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"math"
)

type probeGeneEdge struct {
	probeset int // index into probeset buffer
	gene     int // output column
}

// geneAggregator averages probeset values into per-gene values. A
// probeset can contribute to several genes, and a gene can receive
// values from several probesets.
type geneAggregator struct {
	edges []probeGeneEdge
	sum   []float64
	count []int
}

func newGeneAggregator(edges []probeGeneEdge, genes int) *geneAggregator {
	return &geneAggregator{
		edges: edges,
		sum:   make([]float64, genes),
		count: make([]int, genes),
	}
}

// aggregate fills out (len == number of genes) with the mean of the
// finite probeset values mapped to each gene, or NaN if there are
// none.
func (agg *geneAggregator) aggregate(probesets, out []float64) {
	for i := range agg.sum {
		agg.sum[i] = 0
		agg.count[i] = 0
	}
	for _, e := range agg.edges {
		v := probesets[e.probeset]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		agg.sum[e.gene] += v
		agg.count[e.gene]++
	}
	for i, n := range agg.count {
		if n == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = agg.sum[i] / float64(n)
		}
	}
}

func fillNaN(buf []float64) {
	nan := math.NaN()
	for i := range buf {
		buf[i] = nan
	}
}
