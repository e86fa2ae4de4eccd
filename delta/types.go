package delta

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vec3 is a 3-component float32 vector as stored in frame sources and delta files.
type Vec3 [3]float32

// Quat holds rotation components in x, y, z, w order.
type Quat [4]float32

// IdentityQuat is the default rotation for sources without rotation data.
var IdentityQuat = Quat{0, 0, 0, 1}

// UnitScale is the default scale for sources without scale data.
var UnitScale = Vec3{1, 1, 1}

// Sub returns v - o component-wise.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// R3 converts v to a gonum vector.
func (v Vec3) R3() r3.Vec {
	return r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return r3.Norm(v.R3())
}

// Sub returns q - o component-wise. No renormalisation is applied.
func (q Quat) Sub(o Quat) Quat {
	return Quat{q[0] - o[0], q[1] - o[1], q[2] - o[2], q[3] - o[3]}
}

// PointSet is one frame of point primitives. Attribute slices are parallel;
// IDs is either empty or has one entry per point.
type PointSet struct {
	IDs       []int64
	Positions []Vec3
	Rotations []Quat
	Scales    []Vec3
	Opacities []float32
}

// Len returns the number of points.
func (ps *PointSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.Positions)
}

// HasIDs reports whether the set carries stable point IDs.
func (ps *PointSet) HasIDs() bool {
	return ps != nil && len(ps.IDs) > 0
}

// FillDefaults populates absent attribute slices with identity rotations,
// unit scales and full opacity. Slices that are present are left untouched,
// so a partially populated set still fails Validate.
func (ps *PointSet) FillDefaults() {
	n := len(ps.Positions)
	if len(ps.Rotations) == 0 && n > 0 {
		ps.Rotations = make([]Quat, n)
		for i := range ps.Rotations {
			ps.Rotations[i] = IdentityQuat
		}
	}
	if len(ps.Scales) == 0 && n > 0 {
		ps.Scales = make([]Vec3, n)
		for i := range ps.Scales {
			ps.Scales[i] = UnitScale
		}
	}
	if len(ps.Opacities) == 0 && n > 0 {
		ps.Opacities = make([]float32, n)
		for i := range ps.Opacities {
			ps.Opacities[i] = 1
		}
	}
}

// Validate checks the attribute length invariants.
func (ps *PointSet) Validate() error {
	if ps == nil {
		return fmt.Errorf("%w: nil point set", ErrMalformedPointSet)
	}
	n := len(ps.Positions)
	if len(ps.Rotations) != n {
		return fmt.Errorf("%w: %d rotations for %d positions", ErrMalformedPointSet, len(ps.Rotations), n)
	}
	if len(ps.Scales) != n {
		return fmt.Errorf("%w: %d scales for %d positions", ErrMalformedPointSet, len(ps.Scales), n)
	}
	if len(ps.Opacities) != n {
		return fmt.Errorf("%w: %d opacities for %d positions", ErrMalformedPointSet, len(ps.Opacities), n)
	}
	if len(ps.IDs) != 0 && len(ps.IDs) != n {
		return fmt.Errorf("%w: %d ids for %d positions", ErrMalformedPointSet, len(ps.IDs), n)
	}
	return nil
}

// Record is the per-point delta written to disk. Field order matches the
// on-disk float order.
type Record struct {
	Pos     Vec3
	Rot     Quat
	Scale   Vec3
	Opacity float32
	Pad     float32
}

// RecordFloats is the number of float32 values in one record.
const RecordFloats = 12

// RecordSize is the encoded size of one record in bytes.
const RecordSize = RecordFloats * 4

// IsZero reports whether every component of the record, pad excluded, is zero.
func (r Record) IsZero() bool {
	return r.Pos == Vec3{} && r.Rot == Quat{} && r.Scale == Vec3{} && r.Opacity == 0
}

// floats returns the record as its 12 on-disk values.
func (r Record) floats() [RecordFloats]float32 {
	return [RecordFloats]float32{
		r.Pos[0], r.Pos[1], r.Pos[2],
		r.Rot[0], r.Rot[1], r.Rot[2], r.Rot[3],
		r.Scale[0], r.Scale[1], r.Scale[2],
		r.Opacity, r.Pad,
	}
}

func recordFromFloats(f [RecordFloats]float32) Record {
	return Record{
		Pos:     Vec3{f[0], f[1], f[2]},
		Rot:     Quat{f[3], f[4], f[5], f[6]},
		Scale:   Vec3{f[7], f[8], f[9]},
		Opacity: f[10],
		Pad:     f[11],
	}
}

// ZeroRecords returns n zero records.
func ZeroRecords(n int) []Record {
	return make([]Record, n)
}

// MatchStrategy identifies how a Mapping was produced.
type MatchStrategy string

const (
	MatchByID    MatchStrategy = "id"
	MatchSpatial MatchStrategy = "spatial"
)

// Mapping is a partial function from source indices to target indices.
// Target[i] is -1 when source index i is unmatched.
type Mapping struct {
	Strategy MatchStrategy
	Target   []int
}

// Matched reports whether source index i has a counterpart.
func (m Mapping) Matched(i int) bool {
	return i >= 0 && i < len(m.Target) && m.Target[i] >= 0
}

// Count returns the number of matched source indices.
func (m Mapping) Count() int {
	n := 0
	for _, t := range m.Target {
		if t >= 0 {
			n++
		}
	}
	return n
}

// Len returns the source size the mapping was built for.
func (m Mapping) Len() int {
	return len(m.Target)
}

// Compose returns the mapping a→c given m (a→b) and next (b→c).
// An index is matched only when both hops are matched.
func (m Mapping) Compose(next Mapping) Mapping {
	out := Mapping{Strategy: m.Strategy, Target: make([]int, len(m.Target))}
	for i, j := range m.Target {
		out.Target[i] = -1
		if j >= 0 && next.Matched(j) {
			out.Target[i] = next.Target[j]
		}
	}
	return out
}
