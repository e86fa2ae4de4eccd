package delta

import (
	"context"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Strategy selects what each frame is differenced against.
type Strategy string

const (
	// StrategyFrameToBase compares every frame with the reference frame.
	StrategyFrameToBase Strategy = "frame_to_base"
	// StrategyFrameToPrevious compares every frame with the last good frame
	// and remaps the result into reference order.
	StrategyFrameToPrevious Strategy = "frame_to_previous"
)

// ParseStrategy accepts the config spellings of a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(StrategyFrameToBase), "base":
		return StrategyFrameToBase, nil
	case string(StrategyFrameToPrevious), "previous":
		return StrategyFrameToPrevious, nil
	}
	return "", fmt.Errorf("unknown strategy %q (want frame_to_base or frame_to_previous)", s)
}

// FrameStats is the per-frame health summary.
type FrameStats struct {
	Strategy     MatchStrategy `json:"matchStrategy,omitempty"`
	SourceSize   int           `json:"sourceSize"`
	TargetSize   int           `json:"targetSize"`
	Matched      int           `json:"matched"`
	MatchPercent float64       `json:"matchPercent"`
	Emitted      int           `json:"emitted"` // matched records in reference order
	MeanDelta    float64       `json:"meanDelta"`
	MaxDelta     float64       `json:"maxDelta"`
	Clipped      int           `json:"clipped"`
	NonFinite    int           `json:"nonFinite"`
}

// FrameResult is the reference-ordered output of one frame.
type FrameResult struct {
	Frame   int
	Records []Record
	Stats   FrameStats
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	Strategy Strategy
	Compute  ComputeOptions
	// MinMatchPercent degrades frames whose match percentage falls below it.
	// Zero disables the check.
	MinMatchPercent float64
}

// Tracker owns the frame chain: the reference set that fixes the output
// index space and the last successfully processed set.
type Tracker struct {
	opts     TrackerOptions
	resolver *Resolver

	reference     *PointSet
	baseFrame     int
	previous      *PointSet
	previousFrame int

	// refToPrev maps reference indices to previous indices. nil means it must
	// be resolved again before use.
	refToPrev *Mapping
}

// NewTracker starts a chain at the reference frame.
func NewTracker(reference *PointSet, baseFrame int, resolver *Resolver, opts TrackerOptions) (*Tracker, error) {
	if err := reference.Validate(); err != nil {
		return nil, fmt.Errorf("reference frame %d: %w", baseFrame, err)
	}
	if resolver == nil {
		resolver = NewResolver(opts.Compute.Workers)
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyFrameToBase
	}
	identity := Mapping{Strategy: MatchByID, Target: make([]int, reference.Len())}
	for i := range identity.Target {
		identity.Target[i] = i
	}
	return &Tracker{
		opts:          opts,
		resolver:      resolver,
		reference:     reference,
		baseFrame:     baseFrame,
		previous:      reference,
		previousFrame: baseFrame,
		refToPrev:     &identity,
	}, nil
}

// ReferenceSize returns the number of records in every emitted frame.
func (t *Tracker) ReferenceSize() int { return t.reference.Len() }

// PreviousFrame returns the index of the frame currently held as previous.
func (t *Tracker) PreviousFrame() int { return t.previousFrame }

// Base returns the all-zero result for the reference frame.
func (t *Tracker) Base() FrameResult {
	return FrameResult{Frame: t.baseFrame, Records: ZeroRecords(t.reference.Len())}
}

// Missing returns the all-zero result for a frame whose source could not be
// used. The chain is left untouched.
func (t *Tracker) Missing(frame int) FrameResult {
	return FrameResult{Frame: frame, Records: ZeroRecords(t.reference.Len())}
}

// Advance computes the deltas for frame and, on success, makes current the
// new previous set.
func (t *Tracker) Advance(frame int, current *PointSet) (FrameResult, error) {
	return t.AdvanceContext(context.Background(), frame, current)
}

// AdvanceContext is Advance with cancellation of the per-point work. On any
// error the chain keeps its previous state.
func (t *Tracker) AdvanceContext(ctx context.Context, frame int, current *PointSet) (FrameResult, error) {
	if err := current.Validate(); err != nil {
		return FrameResult{}, err
	}

	var (
		res FrameResult
		err error
	)
	switch t.opts.Strategy {
	case StrategyFrameToPrevious:
		res, err = t.advanceFromPrevious(ctx, frame, current)
	default:
		res, err = t.advanceFromBase(ctx, frame, current)
	}
	if err != nil {
		return FrameResult{}, err
	}

	if floor := t.opts.MinMatchPercent; floor > 0 && res.Stats.MatchPercent < floor {
		return FrameResult{}, fmt.Errorf("%w: %.1f%% matched, need %.1f%%", ErrLowMatchRate, res.Stats.MatchPercent, floor)
	}

	t.previous = current
	t.previousFrame = frame
	t.refToPrev = nil
	return res, nil
}

func (t *Tracker) advanceFromBase(ctx context.Context, frame int, current *PointSet) (FrameResult, error) {
	m, err := t.resolver.ResolveContext(ctx, t.reference, current)
	if err != nil {
		return FrameResult{}, err
	}
	recs, cs, err := ComputeContext(ctx, t.reference, current, m, t.opts.Compute)
	if err != nil {
		return FrameResult{}, err
	}
	stats := newFrameStats(m, t.reference.Len(), current.Len(), cs)
	fillDeltaStats(&stats, recs, m)
	return FrameResult{Frame: frame, Records: recs, Stats: stats}, nil
}

func (t *Tracker) advanceFromPrevious(ctx context.Context, frame int, current *PointSet) (FrameResult, error) {
	step, err := t.resolver.ResolveContext(ctx, t.previous, current)
	if err != nil {
		return FrameResult{}, err
	}
	prevRecs, cs, err := ComputeContext(ctx, t.previous, current, step, t.opts.Compute)
	if err != nil {
		return FrameResult{}, err
	}

	refToPrev, err := t.referenceToPrevious(ctx)
	if err != nil {
		return FrameResult{}, err
	}

	recs := make([]Record, t.reference.Len())
	emitted := refToPrev.Compose(step)
	for i, j := range refToPrev.Target {
		if j >= 0 && step.Matched(j) {
			recs[i] = prevRecs[j]
		}
	}

	stats := newFrameStats(step, t.previous.Len(), current.Len(), cs)
	fillDeltaStats(&stats, recs, emitted)
	return FrameResult{Frame: frame, Records: recs, Stats: stats}, nil
}

// referenceToPrevious returns the cached reference→previous mapping,
// resolving it when previous has changed since the last call.
func (t *Tracker) referenceToPrevious(ctx context.Context) (Mapping, error) {
	if t.refToPrev != nil {
		return *t.refToPrev, nil
	}
	m, err := t.resolver.ResolveContext(ctx, t.reference, t.previous)
	if err != nil {
		return Mapping{}, fmt.Errorf("remapping frame %d into reference order: %w", t.previousFrame, err)
	}
	t.refToPrev = &m
	return m, nil
}

func newFrameStats(m Mapping, sourceSize, targetSize int, cs ComputeStats) FrameStats {
	stats := FrameStats{
		Strategy:   m.Strategy,
		SourceSize: sourceSize,
		TargetSize: targetSize,
		Matched:    m.Count(),
		Clipped:    cs.Clipped,
		NonFinite:  cs.NonFinite,
	}
	if sourceSize > 0 {
		stats.MatchPercent = 100 * float64(stats.Matched) / float64(sourceSize)
	}
	return stats
}

// fillDeltaStats records the magnitude of the emitted matched position deltas.
func fillDeltaStats(stats *FrameStats, recs []Record, emitted Mapping) {
	mags := make([]float64, 0, emitted.Count())
	for i := range recs {
		if emitted.Matched(i) {
			mags = append(mags, recs[i].Pos.Norm())
		}
	}
	stats.Emitted = len(mags)
	if len(mags) == 0 {
		return
	}
	stats.MeanDelta = stat.Mean(mags, nil)
	stats.MaxDelta = floats.Max(mags)
}
