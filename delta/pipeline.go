package delta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// FrameRange is the inclusive set of frame indices a run covers. Base must
// lie within [First, Last]; frames are processed from Base to Last.
type FrameRange struct {
	First int `yaml:"first" json:"first"`
	Last  int `yaml:"last" json:"last"`
	Base  int `yaml:"base" json:"base"`
}

// Validate checks First <= Base <= Last.
func (r FrameRange) Validate() error {
	if r.First > r.Last {
		return fmt.Errorf("frame range first %d is after last %d", r.First, r.Last)
	}
	if r.Base < r.First || r.Base > r.Last {
		return fmt.Errorf("base frame %d outside range [%d, %d]", r.Base, r.First, r.Last)
	}
	return nil
}

// Status is the outcome class of one frame.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFatal    Status = "fatal"
)

// FrameOutcome is what the driver reports for every frame it touched.
type FrameOutcome struct {
	Frame    int           `json:"frame"`
	Status   Status        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Stats    FrameStats    `json:"stats"`
	Previous int           `json:"previous"` // frame the delta was computed against
	Duration time.Duration `json:"durationNs"`
}

// RunResult lists the outcome of every processed frame in order.
type RunResult struct {
	ReferenceSize int            `json:"referenceSize"`
	Frames        []FrameOutcome `json:"frames"`
}

// Counts returns the number of frames per status.
func (r RunResult) Counts() map[Status]int {
	out := make(map[Status]int, 3)
	for _, f := range r.Frames {
		out[f.Status]++
	}
	return out
}

// FrameObserver is notified after each frame is written or fails.
type FrameObserver interface {
	ObserveFrame(FrameOutcome)
}

// FrameObserverFunc adapts a function to FrameObserver.
type FrameObserverFunc func(FrameOutcome)

func (f FrameObserverFunc) ObserveFrame(o FrameOutcome) { f(o) }

// Driver runs the frame loop: load, resolve, compute, write.
type Driver struct {
	Sink      RecordSink
	Tracker   TrackerOptions
	Resolver  *Resolver
	Log       logrus.FieldLogger
	Observers []FrameObserver
}

// NewDriver returns a driver writing to sink.
func NewDriver(sink RecordSink, opts TrackerOptions, resolver *Resolver, log logrus.FieldLogger) *Driver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if resolver == nil {
		resolver = NewResolver(opts.Compute.Workers)
	}
	return &Driver{Sink: sink, Tracker: opts, Resolver: resolver, Log: log}
}

// AddObserver registers o for frame outcomes.
func (d *Driver) AddObserver(o FrameObserver) {
	d.Observers = append(d.Observers, o)
}

// Run processes frames Base..Last in order. The reference set comes from
// refSource, every later frame from frameSource. Frames that cannot be loaded
// or matched are written as zeros and do not advance the chain. A sink
// failure stops the run and is returned as a *FrameError alongside the
// outcomes gathered so far. Cancellation is checked between frames.
func (d *Driver) Run(ctx context.Context, fr FrameRange, refSource, frameSource FrameSource) (RunResult, error) {
	var result RunResult
	if err := fr.Validate(); err != nil {
		return result, err
	}

	start := time.Now()
	reference, err := refSource.LoadFrame(ctx, fr.Base)
	if err != nil {
		return result, &FrameError{Frame: fr.Base, Err: fmt.Errorf("loading reference: %w", err)}
	}
	tracker, err := NewTracker(reference, fr.Base, d.Resolver, d.Tracker)
	if err != nil {
		return result, &FrameError{Frame: fr.Base, Err: err}
	}
	result.ReferenceSize = tracker.ReferenceSize()
	d.Log.WithFields(logrus.Fields{
		"base":     fr.Base,
		"last":     fr.Last,
		"points":   result.ReferenceSize,
		"strategy": d.Tracker.Strategy,
	}).Info("Starting delta run")

	base := tracker.Base()
	outcome := FrameOutcome{
		Frame:    fr.Base,
		Status:   StatusOK,
		Previous: fr.Base,
		Stats:    FrameStats{SourceSize: result.ReferenceSize, TargetSize: result.ReferenceSize, Matched: result.ReferenceSize},
	}
	if result.ReferenceSize > 0 {
		outcome.Stats.MatchPercent = 100
	}
	if err := d.write(base, &outcome, start); err != nil {
		result.Frames = append(result.Frames, outcome)
		return result, err
	}
	result.Frames = append(result.Frames, outcome)

	for frame := fr.Base + 1; frame <= fr.Last; frame++ {
		if err := ctx.Err(); err != nil {
			d.Log.WithField("frame", frame).Warn("Run cancelled")
			return result, err
		}

		outcome, err := d.step(ctx, tracker, frame, frameSource)
		result.Frames = append(result.Frames, outcome)
		if err != nil {
			return result, err
		}
	}

	counts := result.Counts()
	d.Log.WithFields(logrus.Fields{
		"ok":       counts[StatusOK],
		"degraded": counts[StatusDegraded],
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("Delta run complete")
	return result, nil
}

// step processes one non-base frame.
func (d *Driver) step(ctx context.Context, tracker *Tracker, frame int, src FrameSource) (FrameOutcome, error) {
	start := time.Now()
	outcome := FrameOutcome{Frame: frame, Status: StatusOK, Previous: tracker.PreviousFrame()}

	var res FrameResult
	current, err := src.LoadFrame(ctx, frame)
	if err == nil {
		res, err = tracker.AdvanceContext(ctx, frame, current)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return outcome, ctxErr
		}
		if !isDegradation(err) {
			// Loader errors outside the sentinel set still only cost this frame.
			err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		outcome.Status = StatusDegraded
		outcome.Reason = err.Error()
		res = tracker.Missing(frame)
	}
	outcome.Stats = res.Stats

	if err := d.write(res, &outcome, start); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// write sanitises, writes and reports a frame. A write failure turns the
// outcome fatal.
func (d *Driver) write(res FrameResult, outcome *FrameOutcome, start time.Time) error {
	if CheckFinite(res.Records) >= 0 {
		outcome.Stats.NonFinite += SanitizeRecords(res.Records)
	}

	if err := d.Sink.WriteFrame(res.Frame, res.Records); err != nil {
		outcome.Status = StatusFatal
		outcome.Reason = err.Error()
		outcome.Duration = time.Since(start)
		d.report(*outcome)
		return &FrameError{Frame: res.Frame, Err: err}
	}
	outcome.Duration = time.Since(start)
	d.report(*outcome)
	return nil
}

func (d *Driver) report(o FrameOutcome) {
	entry := d.Log.WithFields(logrus.Fields{
		"frame":      o.Frame,
		"status":     o.Status,
		"previous":   o.Previous,
		"matched":    o.Stats.Matched,
		"match_pct":  fmt.Sprintf("%.1f", o.Stats.MatchPercent),
		"mean_delta": o.Stats.MeanDelta,
	})
	switch o.Status {
	case StatusOK:
		entry.Debug("Frame written")
	case StatusDegraded:
		entry.WithField("reason", o.Reason).Warn("Frame degraded, wrote zero deltas")
	default:
		entry.WithField("reason", o.Reason).Error("Frame failed")
	}
	if o.Stats.NonFinite > 0 {
		entry.WithField("non_finite", o.Stats.NonFinite).Warn("Replaced non-finite delta components")
	}
	for _, obs := range d.Observers {
		obs.ObserveFrame(o)
	}
}
