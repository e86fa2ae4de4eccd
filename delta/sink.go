package delta

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultOutputPattern names delta files by zero-padded frame number.
const DefaultOutputPattern = "frame_%04d.delta"

// RecordSink receives the reference-ordered records of each frame.
type RecordSink interface {
	WriteFrame(frame int, recs []Record) error
}

// DirSink writes one file per frame into Dir.
type DirSink struct {
	Dir     string
	Pattern string // fmt pattern taking the frame number
}

// NewDirSink creates the output directory if needed.
func NewDirSink(dir, pattern string) (*DirSink, error) {
	if pattern == "" {
		pattern = DefaultOutputPattern
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating output directory: %v", ErrEncodeIO, err)
	}
	return &DirSink{Dir: dir, Pattern: pattern}, nil
}

// Path returns the file path used for frame.
func (s *DirSink) Path(frame int) string {
	return filepath.Join(s.Dir, fmt.Sprintf(s.Pattern, frame))
}

// WriteFrame writes to a temporary file and renames it into place so readers
// never observe a partially written frame.
func (s *DirSink) WriteFrame(frame int, recs []Record) error {
	final := s.Path(frame)
	tmp, err := os.CreateTemp(s.Dir, ".frame-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeIO, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := WriteRecords(tmp, recs); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: writing %s: %v", ErrEncodeIO, final, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: closing %s: %v", ErrEncodeIO, final, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return fmt.Errorf("%w: renaming to %s: %v", ErrEncodeIO, final, err)
	}
	return nil
}

// MemorySink keeps encoded frames in memory.
type MemorySink struct {
	mu     sync.Mutex
	Frames map[int][]byte
	Order  []int
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{Frames: make(map[int][]byte)}
}

// WriteFrame implements RecordSink.
func (s *MemorySink) WriteFrame(frame int, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames[frame] = Encode(recs)
	s.Order = append(s.Order, frame)
	return nil
}

// Records decodes the stored frame.
func (s *MemorySink) Records(frame int) ([]Record, bool) {
	s.mu.Lock()
	data, ok := s.Frames[frame]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	recs, err := Decode(data)
	if err != nil {
		return nil, false
	}
	return recs, true
}
