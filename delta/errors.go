package delta

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is returned by frame sources when a frame cannot be found or read.
	ErrSourceUnavailable = errors.New("frame source unavailable")

	// ErrMalformedPointSet indicates attribute arrays of inconsistent length.
	ErrMalformedPointSet = errors.New("malformed point set")

	// ErrNoCorrespondenceTargets is returned when spatial matching is asked to
	// search an empty target set.
	ErrNoCorrespondenceTargets = errors.New("no correspondence targets")

	// ErrLowMatchRate is returned by the tracker when fewer points matched than
	// the configured minimum percentage.
	ErrLowMatchRate = errors.New("match rate below threshold")

	// ErrEncodeIO wraps failures writing delta output.
	ErrEncodeIO = errors.New("delta output write failed")

	// ErrFormat is returned when decoding bytes that are not a whole number of records.
	ErrFormat = errors.New("invalid delta format")
)

// FrameError attaches the frame index to a fatal pipeline error.
type FrameError struct {
	Frame int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// isDegradation reports whether err should degrade a single frame rather than
// abort the run.
func isDegradation(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrMalformedPointSet) ||
		errors.Is(err, ErrNoCorrespondenceTargets) ||
		errors.Is(err, ErrLowMatchRate)
}
