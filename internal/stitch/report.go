package stitch

import (
	"tessera/internal/pairs"
	"tessera/internal/stages"
)

// Report is the serializable view of a stitch result.
type Report struct {
	Mode       string            `json:"mode"`
	Strategies map[string]string `json:"strategies,omitempty"`
	Positions  [][]float64       `json:"positions"`
	Pairs      []PairReport      `json:"pairs"`
}

// PairReport is one row of the pair table.
type PairReport struct {
	Index1                     int                `json:"index1"`
	Index2                     int                `json:"index2"`
	IndexDisplacement          []int              `json:"index_displacement,omitempty"`
	EstimatedDisplacement      []float64          `json:"estimated_displacement,omitempty"`
	CandidateDisplacement      []float64          `json:"candidate_displacement,omitempty"`
	InterpolatedDisplacement   []float64          `json:"interpolated_displacement,omitempty"`
	LocalOptimizedDisplacement []float64          `json:"local_optimized_displacement,omitempty"`
	Columns                    map[string]float64 `json:"columns,omitempty"`
}

// NewReport flattens a result. strategies may be nil.
func NewReport(res *Result, strategies map[stages.Role]string) Report {
	rep := Report{Positions: res.Positions}
	if len(strategies) > 0 {
		rep.Strategies = make(map[string]string, len(strategies))
		for role, name := range strategies {
			rep.Strategies[string(role)] = name
		}
	}
	if res.Table != nil {
		rep.Mode = res.Table.Mode
		rep.Pairs = PairReports(res.Table)
	}
	return rep
}

// PairReports flattens a pair table, auxiliary columns included.
func PairReports(t *pairs.Table) []PairReport {
	names := t.Columns()
	out := make([]PairReport, len(t.Pairs))
	for k, p := range t.Pairs {
		r := PairReport{
			Index1:                     p.Index1,
			Index2:                     p.Index2,
			IndexDisplacement:          p.IndexDisplacement,
			EstimatedDisplacement:      p.EstimatedDisplacement,
			CandidateDisplacement:      p.CandidateDisplacement,
			InterpolatedDisplacement:   p.InterpolatedDisplacement,
			LocalOptimizedDisplacement: p.LocalOptimizedDisplacement,
		}
		if len(names) > 0 {
			r.Columns = make(map[string]float64, len(names))
			for _, name := range names {
				col, _ := t.Column(name)
				r.Columns[name] = col[k]
			}
		}
		out[k] = r
	}
	return out
}
