package delta

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FrameSource produces the point set of a frame. Implementations return an
// error wrapping ErrSourceUnavailable when the frame does not exist or cannot
// be read, and never return a set that fails Validate.
type FrameSource interface {
	LoadFrame(ctx context.Context, frame int) (*PointSet, error)
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func(ctx context.Context, frame int) (*PointSet, error)

func (f FrameSourceFunc) LoadFrame(ctx context.Context, frame int) (*PointSet, error) {
	return f(ctx, frame)
}

// SourceFormat names an on-disk frame encoding.
type SourceFormat string

const (
	FormatPLY     SourceFormat = "ply"
	FormatBuffers SourceFormat = "buffers"
	FormatHTTP    SourceFormat = "http"
)

// DefaultSourcePattern returns the frame file pattern used when none is configured.
func DefaultSourcePattern(format SourceFormat) string {
	switch format {
	case FormatBuffers:
		return "frame_%04d"
	default:
		return "frame_%04d.ply"
	}
}

// MemorySource serves frames from a map. Absent frames are unavailable.
type MemorySource map[int]*PointSet

func (m MemorySource) LoadFrame(_ context.Context, frame int) (*PointSet, error) {
	ps, ok := m[frame]
	if !ok || ps == nil {
		return nil, fmt.Errorf("%w: frame %d not present", ErrSourceUnavailable, frame)
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return ps, nil
}

// DirSource reads frames from a directory. For FormatPLY the pattern names a
// file; for FormatBuffers it names the prefix shared by the buffer files.
type DirSource struct {
	Dir     string
	Pattern string
	Format  SourceFormat
}

// NewDirSource returns a directory source, filling in the default pattern.
func NewDirSource(dir, pattern string, format SourceFormat) (*DirSource, error) {
	switch format {
	case "":
		format = FormatPLY
	case FormatPLY, FormatBuffers:
	default:
		return nil, fmt.Errorf("directory source does not support format %q", format)
	}
	if pattern == "" {
		pattern = DefaultSourcePattern(format)
	}
	if !strings.Contains(pattern, "%") {
		return nil, fmt.Errorf("source pattern %q has no frame verb", pattern)
	}
	return &DirSource{Dir: dir, Pattern: pattern, Format: format}, nil
}

// Path returns the file (or buffer prefix) for frame.
func (s *DirSource) Path(frame int) string {
	return filepath.Join(s.Dir, fmt.Sprintf(s.Pattern, frame))
}

// LoadFrame implements FrameSource.
func (s *DirSource) LoadFrame(ctx context.Context, frame int) (*PointSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		ps  *PointSet
		err error
	)
	switch s.Format {
	case FormatBuffers:
		ps, err = ReadBufferSet(s.Path(frame))
	default:
		ps, err = ReadPLYFile(s.Path(frame))
	}
	if err != nil {
		return nil, err
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return ps, nil
}

// openSourceFile opens path, mapping every failure to ErrSourceUnavailable.
func openSourceFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrSourceUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return f, nil
}
