package delta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RunReport is the persisted summary of one run.
type RunReport struct {
	RunID         string         `json:"runId"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt"`
	Range         FrameRange     `json:"range"`
	Strategy      Strategy       `json:"strategy"`
	ReferenceSize int            `json:"referenceSize"`
	OK            int            `json:"ok"`
	Degraded      int            `json:"degraded"`
	Fatal         int            `json:"fatal"`
	Error         string         `json:"error,omitempty"`
	Frames        []FrameOutcome `json:"frames"`
}

// NewRunReport starts a report with a fresh run ID.
func NewRunReport(fr FrameRange, strategy Strategy) *RunReport {
	return &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Range:     fr,
		Strategy:  strategy,
	}
}

// Finish copies the run result and error into the report.
func (r *RunReport) Finish(res RunResult, runErr error) {
	r.FinishedAt = time.Now().UTC()
	r.ReferenceSize = res.ReferenceSize
	r.Frames = res.Frames
	counts := res.Counts()
	r.OK = counts[StatusOK]
	r.Degraded = counts[StatusDegraded]
	r.Fatal = counts[StatusFatal]
	if runErr != nil {
		r.Error = runErr.Error()
	}
}

// Frame returns the outcome recorded for frame.
func (r *RunReport) Frame(frame int) (FrameOutcome, bool) {
	for _, f := range r.Frames {
		if f.Frame == frame {
			return f, true
		}
	}
	return FrameOutcome{}, false
}

// LoadRunReport reads a report written by SaveRunReport. A missing file
// returns nil, nil.
func LoadRunReport(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading run report: %w", err)
	}

	var r RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing run report: %w", err)
	}
	return &r, nil
}

// SaveRunReport writes r as indented JSON, creating the directory if needed.
func SaveRunReport(path string, r *RunReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing run report: %w", err)
	}
	return nil
}
