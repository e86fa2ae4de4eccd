package delta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPLYRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, withIDs := range []bool{true, false} {
		want := randomSet(rng, 64, withIDs)

		var buf bytes.Buffer
		require.NoError(t, WritePLY(&buf, want))
		got, err := ReadPLY(&buf)
		require.NoError(t, err)

		assert.Equal(t, want.Positions, got.Positions)
		assert.Equal(t, want.Rotations, got.Rotations)
		assert.Equal(t, want.Scales, got.Scales)
		assert.Equal(t, want.Opacities, got.Opacities)
		assert.Equal(t, want.IDs, got.IDs)
	}
}

func TestReadPLYMixedTypes(t *testing.T) {
	var body bytes.Buffer
	hdr := strings.Join([]string{
		"ply",
		"format binary_little_endian 1.0",
		"comment exported by a scanner",
		"element camera 1",
		"property float fov",
		"element vertex 2",
		"property double x",
		"property double y",
		"property double z",
		"property uchar opacity",
		"property int id",
		"end_header",
		"",
	}, "\n")
	body.WriteString(hdr)
	// camera element, skipped
	_ = binary.Write(&body, binary.LittleEndian, float32(60))
	for i, v := range [][3]float64{{1.5, -2, 3}, {0, 0.25, -1}} {
		_ = binary.Write(&body, binary.LittleEndian, v)
		body.WriteByte(byte(200 + i))
		_ = binary.Write(&body, binary.LittleEndian, int32(-7+i))
	}

	ps, err := ReadPLY(&body)
	require.NoError(t, err)
	assert.Equal(t, []Vec3{{1.5, -2, 3}, {0, 0.25, -1}}, ps.Positions)
	assert.Equal(t, []float32{200, 201}, ps.Opacities, "values are taken as stored")
	assert.Equal(t, []int64{-7, -6}, ps.IDs)
	assert.Equal(t, []Quat{IdentityQuat, IdentityQuat}, ps.Rotations)
	assert.Equal(t, []Vec3{UnitScale, UnitScale}, ps.Scales)
	assert.NoError(t, ps.Validate())
}

func TestReadPLYErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no magic", "plx\nformat binary_little_endian 1.0\nend_header\n"},
		{"ascii", "ply\nformat ascii 1.0\nelement vertex 0\nproperty float x\nend_header\n"},
		{"no xyz", "ply\nformat binary_little_endian 1.0\nelement vertex 0\nproperty float x\nend_header\n"},
		{"no vertex", "ply\nformat binary_little_endian 1.0\nelement face 0\nproperty float a\nend_header\n"},
		{"list property", "ply\nformat binary_little_endian 1.0\nelement vertex 0\nproperty list uchar int idx\nproperty float x\nproperty float y\nproperty float z\nend_header\n"},
		{"unknown type", "ply\nformat binary_little_endian 1.0\nelement vertex 0\nproperty quad x\nend_header\n"},
		{"truncated body", "ply\nformat binary_little_endian 1.0\nelement vertex 2\nproperty float x\nproperty float y\nproperty float z\nend_header\n\x00\x00\x00\x00"},
		{"unterminated header", "ply\nformat binary_little_endian 1.0\nelement vertex 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPLY(strings.NewReader(tt.data))
			if !errors.Is(err, ErrSourceUnavailable) {
				t.Errorf("ReadPLY() error = %v, want ErrSourceUnavailable", err)
			}
		})
	}
}

// hugeVertexPLY declares far more vertices than the body holds.
const hugeVertexPLY = "ply\nformat binary_little_endian 1.0\nelement vertex 1099511627776\n" +
	"property float x\nproperty float y\nproperty float z\nend_header\n" +
	"\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

func TestReadPLYHugeVertexCount(t *testing.T) {
	_, err := ReadPLY(strings.NewReader(hugeVertexPLY))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("ReadPLY() error = %v, want ErrSourceUnavailable", err)
	}

	path := filepath.Join(t.TempDir(), "frame_0002.ply")
	require.NoError(t, os.WriteFile(path, []byte(hugeVertexPLY), 0o644))
	_, err = ReadPLYFile(path)
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "declares")
}

func TestWritePLYRejectsWideIDs(t *testing.T) {
	ps := newSet([]int64{math.MaxInt32 + 1}, Vec3{})
	if err := WritePLY(&bytes.Buffer{}, ps); err == nil {
		t.Error("WritePLY() accepted an id wider than int32")
	}
	bad := &PointSet{Positions: []Vec3{{}}}
	if err := WritePLY(&bytes.Buffer{}, bad); !errors.Is(err, ErrMalformedPointSet) {
		t.Errorf("WritePLY(malformed) error = %v, want ErrMalformedPointSet", err)
	}
}

func TestReadPLYFileMissing(t *testing.T) {
	_, err := ReadPLYFile(filepath.Join(t.TempDir(), "nope.ply"))
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("ReadPLYFile() error = %v, want ErrSourceUnavailable", err)
	}
}

func TestReadPLYFileNamesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ply")
	require.NoError(t, os.WriteFile(path, []byte("ply\nformat ascii 1.0\nend_header\n"), 0o644))

	_, err := ReadPLYFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.ply")
}
