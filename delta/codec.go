package delta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Encode serialises records as consecutive 48-byte little-endian float32
// blocks with no header. Pad is always written as zero.
func Encode(recs []Record) []byte {
	buf := make([]byte, len(recs)*RecordSize)
	for i, r := range recs {
		putRecord(buf[i*RecordSize:], r)
	}
	return buf
}

func putRecord(dst []byte, r Record) {
	r.Pad = 0
	for k, f := range r.floats() {
		binary.LittleEndian.PutUint32(dst[k*4:], math.Float32bits(f))
	}
}

// Decode parses bytes produced by Encode. The pad slot is returned as read.
func Decode(data []byte) ([]Record, error) {
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrFormat, len(data), RecordSize)
	}
	recs := make([]Record, len(data)/RecordSize)
	for i := range recs {
		var f [RecordFloats]float32
		block := data[i*RecordSize:]
		for k := range f {
			f[k] = math.Float32frombits(binary.LittleEndian.Uint32(block[k*4:]))
		}
		recs[i] = recordFromFloats(f)
	}
	return recs, nil
}

// WriteRecords streams records to w in the encoded layout.
func WriteRecords(w io.Writer, recs []Record) error {
	bw := bufio.NewWriterSize(w, 64*RecordSize*16)
	var block [RecordSize]byte
	for _, r := range recs {
		putRecord(block[:], r)
		if _, err := bw.Write(block[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadRecordsFile decodes a delta file from disk.
func ReadRecordsFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading delta file: %w", err)
	}
	return Decode(data)
}
