package delta

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func float32NaN() float32 { return float32(math.NaN()) }

func identityMapping(n int) Mapping {
	m := Mapping{Strategy: MatchByID, Target: make([]int, n)}
	for i := range m.Target {
		m.Target[i] = i
	}
	return m
}

func TestParseAxis(t *testing.T) {
	tests := []struct {
		in      string
		want    AxisIndex
		wantErr bool
	}{
		{"", AxisNone, false},
		{"none", AxisNone, false},
		{"x", AxisX, false},
		{"Y", AxisY, false},
		{" z ", AxisZ, false},
		{"w", AxisNone, true},
	}
	for _, tt := range tests {
		got, err := ParseAxis(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAxis(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAxis(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if AxisZ.String() != "z" || AxisNone.String() != "none" {
		t.Error("AxisIndex.String() mismatch")
	}
}

func TestComputeAllAttributes(t *testing.T) {
	src := &PointSet{
		Positions: []Vec3{{1, 2, 3}},
		Rotations: []Quat{{0, 0, 0, 1}},
		Scales:    []Vec3{{1, 1, 1}},
		Opacities: []float32{0.5},
	}
	dst := &PointSet{
		Positions: []Vec3{{1.5, 1, 3}},
		Rotations: []Quat{{0.5, 0, 0, 0.5}},
		Scales:    []Vec3{{2, 1, 0.5}},
		Opacities: []float32{0.75},
	}
	recs, stats := Compute(src, dst, identityMapping(1), DefaultComputeOptions())

	want := Record{
		Pos:     Vec3{0.5, -1, 0},
		Rot:     Quat{0.5, 0, 0, -0.5},
		Scale:   Vec3{1, 0, -0.5},
		Opacity: 0.25,
	}
	assert.Equal(t, want, recs[0])
	assert.Equal(t, ComputeStats{Matched: 1}, stats)
}

func TestComputeUnmatchedIsZero(t *testing.T) {
	src := newSet(nil, Vec3{0, 0, 0}, Vec3{1, 1, 1})
	dst := newSet(nil, Vec3{5, 5, 5})
	m := Mapping{Target: []int{-1, 0}}

	recs, stats := Compute(src, dst, m, DefaultComputeOptions())
	if !recs[0].IsZero() {
		t.Errorf("unmatched record = %+v, want zero", recs[0])
	}
	if recs[1].Pos != (Vec3{4, 4, 4}) {
		t.Errorf("matched pos = %v, want (4,4,4)", recs[1].Pos)
	}
	if stats.Matched != 1 {
		t.Errorf("Matched = %d, want 1", stats.Matched)
	}
}

func TestComputeAxisFlip(t *testing.T) {
	src := newSet(nil, Vec3{0, 0, 0})
	dst := newSet(nil, Vec3{1, 2, 3})
	dst.Rotations[0] = Quat{0.25, 0.5, 0.75, 1}

	tests := []struct {
		name    string
		opts    ComputeOptions
		wantPos Vec3
		wantRot Quat
	}{
		{"none", ComputeOptions{AxisFlip: AxisNone, Attenuation: UniformAttenuation(1)}, Vec3{1, 2, 3}, Quat{0.25, 0.5, 0.75, 0}},
		{"z", ComputeOptions{AxisFlip: AxisZ, Attenuation: UniformAttenuation(1)}, Vec3{1, 2, -3}, Quat{0.25, 0.5, 0.75, 0}},
		{"x", ComputeOptions{AxisFlip: AxisX, Attenuation: UniformAttenuation(1)}, Vec3{-1, 2, 3}, Quat{0.25, 0.5, 0.75, 0}},
		{"z with rotation", ComputeOptions{AxisFlip: AxisZ, FlipRotation: true, Attenuation: UniformAttenuation(1)}, Vec3{1, 2, -3}, Quat{0.25, 0.5, -0.75, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, _ := Compute(src, dst, identityMapping(1), tt.opts)
			if recs[0].Pos != tt.wantPos {
				t.Errorf("Pos = %v, want %v", recs[0].Pos, tt.wantPos)
			}
			if recs[0].Rot != tt.wantRot {
				t.Errorf("Rot = %v, want %v", recs[0].Rot, tt.wantRot)
			}
		})
	}
}

func TestComputeClip(t *testing.T) {
	src := newSet(nil, Vec3{0, 0, 0}, Vec3{0, 0, 0})
	dst := newSet(nil, Vec3{10, -7, 4.5}, Vec3{5, -5, 0})
	opts := DefaultComputeOptions()
	opts.Clip = &ClipRange{Low: -5, High: 5}

	recs, stats := Compute(src, dst, identityMapping(2), opts)
	assert.Equal(t, Vec3{5, -5, 4.5}, recs[0].Pos)
	// Values on the bounds are untouched.
	assert.Equal(t, Vec3{5, -5, 0}, recs[1].Pos)
	assert.Equal(t, 2, stats.Clipped)
}

func TestComputeClipAfterFlip(t *testing.T) {
	src := newSet(nil, Vec3{0, 0, 0})
	dst := newSet(nil, Vec3{0, 0, 8})
	opts := DefaultComputeOptions()
	opts.AxisFlip = AxisZ
	opts.Clip = &ClipRange{Low: -6, High: 1}

	recs, _ := Compute(src, dst, identityMapping(1), opts)
	if recs[0].Pos[2] != -6 {
		t.Errorf("z = %v, want -6 (flip before clip)", recs[0].Pos[2])
	}
}

func TestComputeAttenuationPerAttribute(t *testing.T) {
	src := newSet(nil, Vec3{0, 0, 0})
	src.Opacities[0] = 0
	dst := newSet(nil, Vec3{2, 4, 8})
	dst.Rotations[0] = Quat{1, 1, 1, 1}
	dst.Scales[0] = Vec3{3, 3, 3}
	dst.Opacities[0] = 1

	opts := DefaultComputeOptions()
	opts.Attenuation = Attenuation{Position: 0.5, Rotation: 0.25, Scale: 0, Opacity: 1}
	recs, _ := Compute(src, dst, identityMapping(1), opts)

	want := Record{
		Pos:     Vec3{1, 2, 4},
		Rot:     Quat{0.25, 0.25, 0.25, 0},
		Scale:   Vec3{0, 0, 0},
		Opacity: 1,
	}
	assert.Equal(t, want, recs[0])
}

func TestComputeSanitizesNonFinite(t *testing.T) {
	src := newSet(nil, Vec3{0, 0, 0}, Vec3{1, 1, 1})
	dst := newSet(nil, Vec3{float32NaN(), 1, 2}, Vec3{float32(math.Inf(1)), 1, 1})

	recs, stats := Compute(src, dst, identityMapping(2), DefaultComputeOptions())
	assert.Equal(t, Vec3{0, 1, 2}, recs[0].Pos)
	assert.Equal(t, Vec3{0, 0, 0}, recs[1].Pos)
	assert.Equal(t, 2, stats.NonFinite)
	assert.Equal(t, -1, CheckFinite(recs))

	decoded, err := Decode(Encode(recs))
	assert.NoError(t, err)
	for i, r := range decoded {
		for k, f := range r.floats() {
			if math.IsNaN(float64(f)) {
				t.Errorf("record %d float %d is NaN after encoding", i, k)
			}
		}
	}
}

func TestSanitizeRecord(t *testing.T) {
	r := Record{
		Pos:     Vec3{float32NaN(), 1, float32(math.Inf(-1))},
		Rot:     Quat{0, float32NaN(), 0, 0},
		Opacity: float32(math.Inf(1)),
		Pad:     7,
	}
	if n := SanitizeRecord(&r); n != 4 {
		t.Errorf("SanitizeRecord() = %d, want 4", n)
	}
	if r.Pos != (Vec3{0, 1, 0}) || r.Rot != (Quat{}) || r.Opacity != 0 || r.Pad != 0 {
		t.Errorf("sanitized record = %+v", r)
	}
}

func TestCheckFinite(t *testing.T) {
	recs := ZeroRecords(4)
	if got := CheckFinite(recs); got != -1 {
		t.Errorf("CheckFinite(zeros) = %d, want -1", got)
	}
	recs[2].Scale[1] = float32NaN()
	if got := CheckFinite(recs); got != 2 {
		t.Errorf("CheckFinite() = %d, want 2", got)
	}
	if n := SanitizeRecords(recs); n != 1 {
		t.Errorf("SanitizeRecords() = %d, want 1", n)
	}
}

func TestComputeParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	src := randomSet(rng, 12000, false)
	dst := randomSet(rng, 12000, false)
	m := identityMapping(12000)
	for i := 0; i < len(m.Target); i += 7 {
		m.Target[i] = -1
	}

	opts := DefaultComputeOptions()
	opts.Clip = &ClipRange{Low: -3, High: 3}
	opts.Workers = 1
	serial, serialStats := Compute(src, dst, m, opts)
	opts.Workers = 6
	parallel, parallelStats, err := ComputeContext(context.Background(), src, dst, m, opts)

	assert.NoError(t, err)
	assert.Equal(t, serialStats, parallelStats)
	assert.Equal(t, Encode(serial), Encode(parallel))
}
