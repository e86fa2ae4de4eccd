package delta

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// AxisIndex names the position component negated by the handedness correction.
type AxisIndex int

const (
	AxisNone AxisIndex = -1
	AxisX    AxisIndex = 0
	AxisY    AxisIndex = 1
	AxisZ    AxisIndex = 2
)

// ParseAxis parses "none", "x", "y" or "z".
func ParseAxis(s string) (AxisIndex, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AxisNone, nil
	case "x":
		return AxisX, nil
	case "y":
		return AxisY, nil
	case "z":
		return AxisZ, nil
	}
	return AxisNone, fmt.Errorf("unknown axis %q (want none, x, y or z)", s)
}

func (a AxisIndex) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return "none"
}

// ClipRange bounds position delta components.
type ClipRange struct {
	Low  float32 `yaml:"low" json:"low"`
	High float32 `yaml:"high" json:"high"`
}

// Attenuation holds per-attribute damping multipliers.
type Attenuation struct {
	Position float32 `yaml:"position" json:"position"`
	Rotation float32 `yaml:"rotation" json:"rotation"`
	Scale    float32 `yaml:"scale" json:"scale"`
	Opacity  float32 `yaml:"opacity" json:"opacity"`
}

// UniformAttenuation applies f to every attribute.
func UniformAttenuation(f float32) Attenuation {
	return Attenuation{Position: f, Rotation: f, Scale: f, Opacity: f}
}

// ComputeOptions controls the delta stabilisation steps.
type ComputeOptions struct {
	AxisFlip     AxisIndex
	FlipRotation bool // also negate the rotation component paired with AxisFlip
	Clip         *ClipRange
	Attenuation  Attenuation
	Workers      int
}

// DefaultComputeOptions returns options that emit raw differences.
func DefaultComputeOptions() ComputeOptions {
	return ComputeOptions{
		AxisFlip:    AxisNone,
		Attenuation: UniformAttenuation(1),
	}
}

// ComputeStats summarises one Compute call.
type ComputeStats struct {
	Matched   int
	Clipped   int // position components changed by clipping
	NonFinite int // components replaced with zero
}

// Compute produces one record per source point. Unmatched points get a zero
// record; matched points get target minus source with the configured
// axis flip, clip, attenuation and non-finite guard applied in that order.
func Compute(source, target *PointSet, m Mapping, opts ComputeOptions) ([]Record, ComputeStats) {
	recs, stats, _ := ComputeContext(context.Background(), source, target, m, opts)
	return recs, stats
}

// ComputeContext is Compute with cancellation of the parallel phase.
func ComputeContext(ctx context.Context, source, target *PointSet, m Mapping, opts ComputeOptions) ([]Record, ComputeStats, error) {
	n := source.Len()
	out := make([]Record, n)
	var clipped, nonFinite, matched atomic.Int64

	err := parallelRange(ctx, n, opts.Workers, func(start, end int) error {
		var c, nf, mt int64
		for i := start; i < end; i++ {
			if !m.Matched(i) {
				continue
			}
			j := m.Target[i]
			if j >= target.Len() {
				continue
			}
			mt++
			rec, rc := diffPoint(source, i, target, j, opts)
			c += int64(rc)
			nf += int64(SanitizeRecord(&rec))
			out[i] = rec
		}
		clipped.Add(c)
		nonFinite.Add(nf)
		matched.Add(mt)
		return nil
	})
	if err != nil {
		return nil, ComputeStats{}, err
	}
	return out, ComputeStats{
		Matched:   int(matched.Load()),
		Clipped:   int(clipped.Load()),
		NonFinite: int(nonFinite.Load()),
	}, nil
}

// diffPoint computes the stabilised delta between source[i] and target[j]
// and returns the number of clipped position components.
func diffPoint(source *PointSet, i int, target *PointSet, j int, opts ComputeOptions) (Record, int) {
	rec := Record{
		Pos:     target.Positions[j].Sub(source.Positions[i]),
		Rot:     target.Rotations[j].Sub(source.Rotations[i]),
		Scale:   target.Scales[j].Sub(source.Scales[i]),
		Opacity: target.Opacities[j] - source.Opacities[i],
	}

	if opts.AxisFlip >= AxisX && opts.AxisFlip <= AxisZ {
		rec.Pos[opts.AxisFlip] = -rec.Pos[opts.AxisFlip]
		if opts.FlipRotation {
			rec.Rot[opts.AxisFlip] = -rec.Rot[opts.AxisFlip]
		}
	}

	clipped := 0
	if opts.Clip != nil {
		for k, v := range rec.Pos {
			switch {
			case v < opts.Clip.Low:
				rec.Pos[k] = opts.Clip.Low
				clipped++
			case v > opts.Clip.High:
				rec.Pos[k] = opts.Clip.High
				clipped++
			}
		}
	}

	a := opts.Attenuation
	for k := range rec.Pos {
		rec.Pos[k] *= a.Position
		rec.Scale[k] *= a.Scale
	}
	for k := range rec.Rot {
		rec.Rot[k] *= a.Rotation
	}
	rec.Opacity *= a.Opacity
	return rec, clipped
}

// SanitizeRecord replaces NaN and infinite components with zero and returns
// how many were replaced. Pad is always reset to zero.
func SanitizeRecord(r *Record) int {
	n := 0
	fix := func(v *float32) {
		f := float64(*v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			*v = 0
			n++
		}
	}
	for k := range r.Pos {
		fix(&r.Pos[k])
		fix(&r.Scale[k])
	}
	for k := range r.Rot {
		fix(&r.Rot[k])
	}
	fix(&r.Opacity)
	r.Pad = 0
	return n
}

// SanitizeRecords applies SanitizeRecord to every record.
func SanitizeRecords(recs []Record) int {
	n := 0
	for i := range recs {
		n += SanitizeRecord(&recs[i])
	}
	return n
}

// CheckFinite returns the index of the first record holding a non-finite
// value, or -1.
func CheckFinite(recs []Record) int {
	for i, r := range recs {
		for _, f := range r.floats() {
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				return i
			}
		}
	}
	return -1
}
