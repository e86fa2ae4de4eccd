package delta

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RecordSummary describes the content of a delta file.
type RecordSummary struct {
	Records      int        `json:"records"`
	NonZero      int        `json:"nonZero"`
	FirstNonZero int        `json:"firstNonZero"` // -1 when every record is zero
	NonFinite    int        `json:"nonFinite"`
	MaxAbsPos    [3]float64 `json:"maxAbsPos"`
	MeanAbsPos   [3]float64 `json:"meanAbsPos"` // over non-zero records
	MeanPosNorm  float64    `json:"meanPosNorm"`
	MaxPosNorm   float64    `json:"maxPosNorm"`
	NonZeroPad   int        `json:"nonZeroPad"`
}

// SummarizeRecords computes position statistics over the non-zero records.
func SummarizeRecords(recs []Record) RecordSummary {
	s := RecordSummary{Records: len(recs), FirstNonZero: -1}

	var abs [3][]float64
	var norms []float64
	for i, r := range recs {
		if r.Pad != 0 {
			s.NonZeroPad++
		}
		for _, f := range r.floats() {
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				s.NonFinite++
			}
		}
		if r.IsZero() {
			continue
		}
		s.NonZero++
		if s.FirstNonZero < 0 {
			s.FirstNonZero = i
		}
		for k := range 3 {
			abs[k] = append(abs[k], math.Abs(float64(r.Pos[k])))
		}
		norms = append(norms, r.Pos.Norm())
	}
	if s.NonZero == 0 {
		return s
	}
	for k := range 3 {
		s.MaxAbsPos[k] = floats.Max(abs[k])
		s.MeanAbsPos[k] = stat.Mean(abs[k], nil)
	}
	s.MeanPosNorm = stat.Mean(norms, nil)
	s.MaxPosNorm = floats.Max(norms)
	return s
}

// IDVerdict classifies the displacement of ID-matched points between frames.
type IDVerdict string

const (
	VerdictConsistent   IDVerdict = "consistent"
	VerdictInconsistent IDVerdict = "inconsistent" // large jumps, IDs likely not spatially stable
	VerdictFrozen       IDVerdict = "frozen"       // no movement at all
	VerdictNoOverlap    IDVerdict = "no-overlap"
)

// Thresholds on the mean displacement used by CompareIDs.
const (
	inconsistentMeanDistance = 1.0
	frozenMeanDistance       = 1e-4
)

// IDOverlap compares the ID sets of two frames.
type IDOverlap struct {
	SourceCount      int       `json:"sourceCount"`
	TargetCount      int       `json:"targetCount"`
	SourceDuplicates int       `json:"sourceDuplicates"`
	TargetDuplicates int       `json:"targetDuplicates"`
	SourceSequential bool      `json:"sourceSequential"` // ids are 0, 1, 2, ...
	Common           int       `json:"common"`           // distinct ids present in both
	Matched          int       `json:"matched"`          // source indices with a counterpart
	MeanDistance     float64   `json:"meanDistance"`
	MaxDistance      float64   `json:"maxDistance"`
	Verdict          IDVerdict `json:"verdict"`
}

// ErrNoIDs is returned by CompareIDs when either frame lacks IDs.
var ErrNoIDs = errors.New("point set has no ids")

// CompareIDs reports how well the IDs of source and target line up and how
// far ID-matched points moved.
func CompareIDs(source, target *PointSet) (IDOverlap, error) {
	if !source.HasIDs() || !target.HasIDs() {
		return IDOverlap{}, ErrNoIDs
	}
	o := IDOverlap{
		SourceCount:      source.Len(),
		TargetCount:      target.Len(),
		SourceSequential: true,
	}

	seen := make(map[int64]struct{}, len(source.IDs))
	for i, id := range source.IDs {
		if id != int64(i) {
			o.SourceSequential = false
		}
		if _, dup := seen[id]; dup {
			o.SourceDuplicates++
		}
		seen[id] = struct{}{}
	}
	targetIDs := make(map[int64]struct{}, len(target.IDs))
	for _, id := range target.IDs {
		if _, dup := targetIDs[id]; dup {
			o.TargetDuplicates++
		}
		targetIDs[id] = struct{}{}
	}
	for id := range seen {
		if _, ok := targetIDs[id]; ok {
			o.Common++
		}
	}

	m, err := (&Resolver{Mode: MatchAuto}).Resolve(source, target)
	if err != nil {
		return o, fmt.Errorf("matching ids: %w", err)
	}
	dists := make([]float64, 0, m.Count())
	for i, j := range m.Target {
		if j >= 0 {
			dists = append(dists, target.Positions[j].Sub(source.Positions[i]).Norm())
		}
	}
	o.Matched = len(dists)
	if len(dists) == 0 {
		o.Verdict = VerdictNoOverlap
		return o, nil
	}
	o.MeanDistance = stat.Mean(dists, nil)
	o.MaxDistance = floats.Max(dists)
	switch {
	case o.MeanDistance > inconsistentMeanDistance:
		o.Verdict = VerdictInconsistent
	case o.MeanDistance < frozenMeanDistance:
		o.Verdict = VerdictFrozen
	default:
		o.Verdict = VerdictConsistent
	}
	return o, nil
}
