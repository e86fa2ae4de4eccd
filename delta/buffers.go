package delta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
)

// Buffer file suffixes of a flat buffer set. Each file is a headerless
// little-endian array with one entry per point.
const (
	BufferIDs       = "_ids.bytes" // int32
	BufferPositions = "_pos.bytes" // 3 x float32
	BufferRotations = "_oth.bytes" // 4 x float32
	BufferScales    = "_scl.bytes" // 3 x float32
	BufferColors    = "_col.bytes" // 16 bytes, opacity in byte 3 as 0..255
)

const colorStride = 16

// ReadBufferSet loads the buffers sharing prefix. Positions are required;
// the other buffers are optional. Buffers whose point counts disagree with
// the positions are a malformed set.
func ReadBufferSet(prefix string) (*PointSet, error) {
	pos, err := readBuffer(prefix+BufferPositions, true)
	if err != nil {
		return nil, err
	}
	if len(pos)%12 != 0 {
		return nil, fmt.Errorf("%w: %s%s is %d bytes, not a multiple of 12", ErrMalformedPointSet, prefix, BufferPositions, len(pos))
	}
	n := len(pos) / 12
	ps := &PointSet{Positions: make([]Vec3, n)}
	for i := range n {
		ps.Positions[i] = vec3At(pos[i*12:])
	}

	checkCount := func(name string, data []byte, stride int) error {
		if len(data) != n*stride {
			return fmt.Errorf("%w: %s%s holds %d bytes, want %d for %d points", ErrMalformedPointSet, prefix, name, len(data), n*stride, n)
		}
		return nil
	}

	if ids, err := readBuffer(prefix+BufferIDs, false); err != nil {
		return nil, err
	} else if ids != nil {
		if err := checkCount(BufferIDs, ids, 4); err != nil {
			return nil, err
		}
		ps.IDs = make([]int64, n)
		for i := range n {
			ps.IDs[i] = int64(int32(binary.LittleEndian.Uint32(ids[i*4:])))
		}
	}

	if oth, err := readBuffer(prefix+BufferRotations, false); err != nil {
		return nil, err
	} else if oth != nil {
		if err := checkCount(BufferRotations, oth, 16); err != nil {
			return nil, err
		}
		ps.Rotations = make([]Quat, n)
		for i := range n {
			ps.Rotations[i] = quatAt(oth[i*16:])
		}
	}

	if scl, err := readBuffer(prefix+BufferScales, false); err != nil {
		return nil, err
	} else if scl != nil {
		if err := checkCount(BufferScales, scl, 12); err != nil {
			return nil, err
		}
		ps.Scales = make([]Vec3, n)
		for i := range n {
			ps.Scales[i] = vec3At(scl[i*12:])
		}
	}

	if col, err := readBuffer(prefix+BufferColors, false); err != nil {
		return nil, err
	} else if col != nil {
		if err := checkCount(BufferColors, col, colorStride); err != nil {
			return nil, err
		}
		ps.Opacities = make([]float32, n)
		for i := range n {
			ps.Opacities[i] = float32(col[i*colorStride+3]) / 255
		}
	}

	ps.FillDefaults()
	return ps, nil
}

// WriteBufferSet writes ps as a buffer set under prefix. Opacity is quantised
// to a byte and IDs are truncated to int32.
func WriteBufferSet(prefix string, ps *PointSet) error {
	if err := ps.Validate(); err != nil {
		return err
	}
	n := ps.Len()
	pos := make([]byte, 0, n*12)
	rot := make([]byte, 0, n*16)
	scl := make([]byte, 0, n*12)
	col := make([]byte, n*colorStride)
	for i := range n {
		pos = appendFloat32s(pos, ps.Positions[i][:]...)
		rot = appendFloat32s(rot, ps.Rotations[i][:]...)
		scl = appendFloat32s(scl, ps.Scales[i][:]...)
		col[i*colorStride+3] = byte(math.Round(float64(min(max(ps.Opacities[i], 0), 1)) * 255))
	}
	files := map[string][]byte{
		BufferPositions: pos,
		BufferRotations: rot,
		BufferScales:    scl,
		BufferColors:    col,
	}
	if ps.HasIDs() {
		ids := make([]byte, n*4)
		for i, id := range ps.IDs {
			binary.LittleEndian.PutUint32(ids[i*4:], uint32(int32(id)))
		}
		files[BufferIDs] = ids
	}
	for suffix, data := range files {
		if err := os.WriteFile(prefix+suffix, data, 0o644); err != nil {
			return fmt.Errorf("writing %s%s: %w", prefix, suffix, err)
		}
	}
	return nil
}

// readBuffer returns nil, nil for an absent optional buffer.
func readBuffer(path string, required bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if required {
			return nil, fmt.Errorf("%w: %s not found", ErrSourceUnavailable, path)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return data, nil
}

func float32At(b []byte, k int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[k*4:]))
}

func vec3At(b []byte) Vec3 {
	return Vec3{float32At(b, 0), float32At(b, 1), float32At(b, 2)}
}

func quatAt(b []byte) Quat {
	return Quat{float32At(b, 0), float32At(b, 1), float32At(b, 2), float32At(b, 3)}
}

func appendFloat32s(b []byte, vals ...float32) []byte {
	for _, f := range vals {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}
