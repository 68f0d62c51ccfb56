// Package quantile computes order statistics over per-function self times.
package quantile

import (
	"math"
	"sort"
)

// Quantile is a collection of data points.
type Quantile struct {
	Xs []float64

	// Sorted indicates that Xs is sorted in ascending order.
	Sorted bool
}

func (q *Quantile) Add(v ...float64) {
	q.Xs = append(q.Xs, v...)
	q.Sorted = false
}

// Sort sorts the data points in place and returns q.
func (q *Quantile) Sort() *Quantile {
	if !q.Sorted && !sort.Float64sAreSorted(q.Xs) {
		sort.Float64s(q.Xs)
	}
	q.Sorted = true
	return q
}

// Sum returns the sum of the data points.
func (q Quantile) Sum() float64 {
	var sum float64
	for _, x := range q.Xs {
		sum += x
	}
	return sum
}

// Mean returns the arithmetic mean, or 0 for an empty collection.
func (q Quantile) Mean() float64 {
	if len(q.Xs) == 0 {
		return 0
	}
	m := 0.0
	for i, x := range q.Xs {
		m += (x - m) / float64(i+1)
	}
	return m
}

// Percentile returns the pctile-th value, interpolating between data points
// with the R8 estimator. pctile is capped to [0, 1]. An empty collection
// returns 0.
func (q Quantile) Percentile(pctile float64) float64 {
	if len(q.Xs) == 0 {
		return 0
	}
	if !q.Sorted {
		xs := make([]float64, len(q.Xs))
		copy(xs, q.Xs)
		q = Quantile{Xs: xs}
		q.Sort()
	}
	if pctile <= 0 {
		return q.Xs[0]
	}
	if pctile >= 1 {
		return q.Xs[len(q.Xs)-1]
	}
	N := float64(len(q.Xs))
	n := 1/3.0 + pctile*(N+1/3.0)
	kf, frac := math.Modf(n)
	k := int(kf)
	if k <= 0 {
		return q.Xs[0]
	} else if k >= len(q.Xs) {
		return q.Xs[len(q.Xs)-1]
	}
	return q.Xs[k-1] + frac*(q.Xs[k]-q.Xs[k-1])
}
