// Package metrics aggregates per-function self times across profiles.
package metrics

import (
	"sort"

	"github.com/getsentry/callprof/internal/nodetree"
	"github.com/getsentry/callprof/internal/quantile"
)

type FunctionsMetadata struct {
	MaxVal   float64
	WorstID  string
	Examples []string
}

type Aggregator struct {
	MaxUniqueFunctions uint
	MaxNumOfExamples   uint
	CallTreeFunctions  map[uint64]nodetree.CallTreeFunction
	FunctionsMetadata  map[uint64]FunctionsMetadata
}

type FunctionMetrics struct {
	Name        string   `json:"name"`
	Scope       string   `json:"scope"`
	Fingerprint uint64   `json:"fingerprint"`
	P75         float64  `json:"p75"`
	P95         float64  `json:"p95"`
	P99         float64  `json:"p99"`
	Avg         float64  `json:"avg"`
	Sum         float64  `json:"sum"`
	Count       uint64   `json:"count"`
	Worst       string   `json:"worst"`
	Examples    []string `json:"examples"`
}

func NewAggregator(maxUniqueFunctions, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: maxUniqueFunctions,
		MaxNumOfExamples:   maxNumOfExamples,
		CallTreeFunctions:  make(map[uint64]nodetree.CallTreeFunction),
		FunctionsMetadata:  make(map[uint64]FunctionsMetadata),
	}
}

// AddFunctions adds the functions of the profile or context identified by ID.
func (ma *Aggregator) AddFunctions(functions []nodetree.CallTreeFunction, ID string) {
	for _, f := range functions {
		fn, ok := ma.CallTreeFunctions[f.Fingerprint]
		if !ok {
			f.SelfTimes = append([]float64(nil), f.SelfTimes...)
			ma.CallTreeFunctions[f.Fingerprint] = f
			ma.FunctionsMetadata[f.Fingerprint] = FunctionsMetadata{
				MaxVal:   f.SumSelfTime,
				WorstID:  ID,
				Examples: []string{ID},
			}
			continue
		}
		fn.CallCount += f.CallCount
		fn.SelfTimes = append(fn.SelfTimes, f.SelfTimes...)
		fn.SumSelfTime += f.SumSelfTime
		ma.CallTreeFunctions[f.Fingerprint] = fn

		md := ma.FunctionsMetadata[f.Fingerprint]
		if f.SumSelfTime > md.MaxVal {
			md.MaxVal = f.SumSelfTime
			md.WorstID = ID
		}
		if len(md.Examples) < int(ma.MaxNumOfExamples) {
			md.Examples = append(md.Examples, ID)
		}
		ma.FunctionsMetadata[f.Fingerprint] = md
	}
}

// ToMetrics returns the slowest functions by total self time.
func (ma *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.CallTreeFunctions))
	for _, f := range ma.CallTreeFunctions {
		q := quantile.Quantile{Xs: f.SelfTimes}
		q.Sort()
		md := ma.FunctionsMetadata[f.Fingerprint]
		metrics = append(metrics, FunctionMetrics{
			Name:        f.Function,
			Scope:       f.Scope,
			Fingerprint: f.Fingerprint,
			P75:         q.Percentile(0.75),
			P95:         q.Percentile(0.95),
			P99:         q.Percentile(0.99),
			Avg:         q.Mean(),
			Sum:         f.SumSelfTime,
			Count:       f.CallCount,
			Worst:       md.WorstID,
			Examples:    md.Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Fingerprint < metrics[j].Fingerprint
	})
	if len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}
