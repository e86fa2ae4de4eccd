package delta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// plyProperty is one scalar vertex property and its byte offset in a vertex.
type plyProperty struct {
	name   string
	kind   string
	offset int
}

// plyElement describes an element block of the body.
type plyElement struct {
	name       string
	count      int
	stride     int
	properties []plyProperty
	hasList    bool
}

func plyTypeSize(kind string) int {
	switch kind {
	case "char", "int8", "uchar", "uint8":
		return 1
	case "short", "int16", "ushort", "uint16":
		return 2
	case "int", "int32", "uint", "uint32", "float", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

func plyValue(kind string, b []byte) float64 {
	switch kind {
	case "char", "int8":
		return float64(int8(b[0]))
	case "uchar", "uint8":
		return float64(b[0])
	case "short", "int16":
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case "ushort", "uint16":
		return float64(binary.LittleEndian.Uint16(b))
	case "int", "int32":
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case "uint", "uint32":
		return float64(binary.LittleEndian.Uint32(b))
	case "float", "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case "double", "float64":
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// maxPLYPrealloc bounds the vertex slices allocated from the header count
// before any vertex has been read.
const maxPLYPrealloc = 1 << 20

// readPLYHeader parses the header up to end_header and returns its length in
// bytes.
func readPLYHeader(r *bufio.Reader) ([]plyElement, int64, error) {
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return nil, 0, fmt.Errorf("missing ply magic")
	}
	n := int64(len(line))

	var (
		elements []plyElement
		binaryLE bool
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, 0, fmt.Errorf("reading header: %w", err)
		}
		n += int64(len(line))
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "end_header":
			if !binaryLE {
				return nil, 0, fmt.Errorf("only binary_little_endian 1.0 is supported")
			}
			return elements, n, nil
		case "format":
			binaryLE = len(tokens) == 3 && tokens[1] == "binary_little_endian" && tokens[2] == "1.0"
		case "element":
			if len(tokens) != 3 {
				return nil, 0, fmt.Errorf("bad element line %q", strings.TrimSpace(line))
			}
			count, err := strconv.Atoi(tokens[2])
			if err != nil || count < 0 {
				return nil, 0, fmt.Errorf("bad element count %q", tokens[2])
			}
			elements = append(elements, plyElement{name: tokens[1], count: count})
		case "property":
			if len(elements) == 0 {
				return nil, 0, fmt.Errorf("property before any element")
			}
			el := &elements[len(elements)-1]
			if len(tokens) >= 2 && tokens[1] == "list" {
				el.hasList = true
				continue
			}
			if len(tokens) != 3 {
				return nil, 0, fmt.Errorf("bad property line %q", strings.TrimSpace(line))
			}
			size := plyTypeSize(tokens[1])
			if size == 0 {
				return nil, 0, fmt.Errorf("unsupported property type %q", tokens[1])
			}
			el.properties = append(el.properties, plyProperty{name: tokens[2], kind: tokens[1], offset: el.stride})
			el.stride += size
		}
	}
}

// ReadPLY decodes the vertex element of a binary little-endian PLY stream.
// Recognised properties are x, y, z, rot_0..rot_3, scale_0..scale_2, opacity
// and vertex_id (or id). Values are taken as stored; absent rotation, scale
// and opacity fall back to the PointSet defaults.
func ReadPLY(rd io.Reader) (*PointSet, error) {
	return readPLY(rd, -1)
}

// readPLY decodes a PLY stream of size bytes. A negative size means unknown;
// otherwise element counts that cannot fit in the body are rejected up front.
func readPLY(rd io.Reader, size int64) (*PointSet, error) {
	r := bufio.NewReaderSize(rd, 1<<16)
	elements, headerLen, err := readPLYHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: ply: %v", ErrSourceUnavailable, err)
	}
	if size >= 0 {
		remaining := size - headerLen
		for _, el := range elements {
			if el.hasList {
				break
			}
			if el.stride > 0 && int64(el.count) > remaining/int64(el.stride) {
				return nil, fmt.Errorf("%w: ply: element %q declares %d entries but only %d body bytes remain",
					ErrSourceUnavailable, el.name, el.count, remaining)
			}
			remaining -= int64(el.count) * int64(el.stride)
			if el.name == "vertex" {
				break
			}
		}
	}

	var vertex *plyElement
	for i := range elements {
		el := &elements[i]
		if el.name == "vertex" {
			vertex = el
			break
		}
		if el.hasList {
			return nil, fmt.Errorf("%w: ply: list properties in element %q before vertex", ErrSourceUnavailable, el.name)
		}
		if _, err := io.CopyN(io.Discard, r, int64(el.count)*int64(el.stride)); err != nil {
			return nil, fmt.Errorf("%w: ply: skipping element %q: %v", ErrSourceUnavailable, el.name, err)
		}
	}
	if vertex == nil {
		return nil, fmt.Errorf("%w: ply: no vertex element", ErrSourceUnavailable)
	}
	if vertex.hasList {
		return nil, fmt.Errorf("%w: ply: list properties in vertex element", ErrSourceUnavailable)
	}

	props := make(map[string]plyProperty, len(vertex.properties))
	for _, p := range vertex.properties {
		props[p.name] = p
	}
	lookup := func(names ...string) ([]plyProperty, bool) {
		out := make([]plyProperty, len(names))
		for i, n := range names {
			p, ok := props[n]
			if !ok {
				return nil, false
			}
			out[i] = p
		}
		return out, true
	}

	pos, ok := lookup("x", "y", "z")
	if !ok {
		return nil, fmt.Errorf("%w: ply: vertex element lacks x/y/z", ErrSourceUnavailable)
	}
	rot, hasRot := lookup("rot_0", "rot_1", "rot_2", "rot_3")
	scl, hasScale := lookup("scale_0", "scale_1", "scale_2")
	opa, hasOpacity := lookup("opacity")
	ids, hasIDs := lookup("vertex_id")
	if !hasIDs {
		ids, hasIDs = lookup("id")
	}

	n := vertex.count
	capN := min(n, maxPLYPrealloc)
	ps := &PointSet{Positions: make([]Vec3, 0, capN)}
	if hasRot {
		ps.Rotations = make([]Quat, 0, capN)
	}
	if hasScale {
		ps.Scales = make([]Vec3, 0, capN)
	}
	if hasOpacity {
		ps.Opacities = make([]float32, 0, capN)
	}
	if hasIDs {
		ps.IDs = make([]int64, 0, capN)
	}

	buf := make([]byte, vertex.stride)
	get := func(p plyProperty) float64 { return plyValue(p.kind, buf[p.offset:]) }
	for i := range n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: ply: vertex %d of %d: %v", ErrSourceUnavailable, i, n, err)
		}
		ps.Positions = append(ps.Positions, Vec3{float32(get(pos[0])), float32(get(pos[1])), float32(get(pos[2]))})
		if hasRot {
			ps.Rotations = append(ps.Rotations, Quat{float32(get(rot[0])), float32(get(rot[1])), float32(get(rot[2])), float32(get(rot[3]))})
		}
		if hasScale {
			ps.Scales = append(ps.Scales, Vec3{float32(get(scl[0])), float32(get(scl[1])), float32(get(scl[2]))})
		}
		if hasOpacity {
			ps.Opacities = append(ps.Opacities, float32(get(opa[0])))
		}
		if hasIDs {
			ps.IDs = append(ps.IDs, int64(get(ids[0])))
		}
	}
	ps.FillDefaults()
	return ps, nil
}

// ReadPLYFile reads a PLY frame from disk.
func ReadPLYFile(path string) (*PointSet, error) {
	f, err := openSourceFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size := int64(-1)
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		size = fi.Size()
	}
	ps, err := readPLY(f, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// WritePLY writes ps as a binary little-endian PLY with float attributes and
// an int vertex_id property when the set carries IDs.
func WritePLY(w io.Writer, ps *PointSet) error {
	if err := ps.Validate(); err != nil {
		return err
	}
	for _, id := range ps.IDs {
		if id < math.MinInt32 || id > math.MaxInt32 {
			return fmt.Errorf("ply: id %d does not fit in an int property", id)
		}
	}

	bw := bufio.NewWriter(w)
	var hdr strings.Builder
	hdr.WriteString("ply\nformat binary_little_endian 1.0\n")
	fmt.Fprintf(&hdr, "element vertex %d\n", ps.Len())
	for _, name := range []string{"x", "y", "z", "rot_0", "rot_1", "rot_2", "rot_3", "scale_0", "scale_1", "scale_2", "opacity"} {
		fmt.Fprintf(&hdr, "property float %s\n", name)
	}
	if ps.HasIDs() {
		hdr.WriteString("property int vertex_id\n")
	}
	hdr.WriteString("end_header\n")
	if _, err := bw.WriteString(hdr.String()); err != nil {
		return err
	}

	var b [4]byte
	put := func(f float32) error {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		_, err := bw.Write(b[:])
		return err
	}
	for i := range ps.Len() {
		vals := make([]float32, 0, 11)
		vals = append(vals, ps.Positions[i][:]...)
		vals = append(vals, ps.Rotations[i][:]...)
		vals = append(vals, ps.Scales[i][:]...)
		vals = append(vals, ps.Opacities[i])
		for _, v := range vals {
			if err := put(v); err != nil {
				return err
			}
		}
		if ps.HasIDs() {
			binary.LittleEndian.PutUint32(b[:], uint32(int32(ps.IDs[i])))
			if _, err := bw.Write(b[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
