// Package export drives a survey response export to completion and streams
// the respondent records out of the downloaded archive.
//
// The flow is strictly ordered: start the export, poll its progress until the
// platform reports it complete, download the archive, decode it. Nothing here
// holds state between calls; every run owns its own handles.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/nyashahama/survey-report-backend/internal/apperr"
)

// StatusComplete is the only progress status that ends polling. Every other
// status, including "failed", means "check again".
const StatusComplete = "complete"

// Progress is one status check result. FileID is set once Status is complete.
type Progress struct {
	Status string
	FileID string
}

// CheckFunc performs one status round trip.
type CheckFunc func(ctx context.Context) (Progress, error)

// ─── POLLER ───────────────────────────────────────────────────────────────────

// Poller repeats a status check on a fixed interval until it reports
// complete or MaxWait elapses.
type Poller struct {
	// Interval is the pause between two checks. Default: 1500ms.
	Interval time.Duration

	// MaxWait is the wall-clock budget measured from the first check.
	// Default: 90s.
	MaxWait time.Duration
}

// DefaultPoller returns the production polling parameters.
func DefaultPoller() Poller {
	return Poller{
		Interval: 1500 * time.Millisecond,
		MaxWait:  90 * time.Second,
	}
}

// Wait checks immediately, then once per Interval. It returns the file id on
// the first complete status, an apperr Timeout once MaxWait has passed, or the
// first error returned by check. Cancelling ctx stops the loop with ctx.Err().
func (p Poller) Wait(ctx context.Context, check CheckFunc) (string, error) {
	if p.Interval <= 0 {
		p.Interval = DefaultPoller().Interval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultPoller().MaxWait
	}

	deadline := time.NewTimer(p.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		prog, err := check(ctx)
		if err != nil {
			return "", fmt.Errorf("export: check progress: %w", err)
		}
		if prog.Status == StatusComplete {
			return prog.FileID, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", apperr.Timeout("export: wait",
				fmt.Errorf("not complete after %s (%d checks, last status %q)", p.MaxWait, attempt, prog.Status))
		case <-ticker.C:
		}
	}
}
