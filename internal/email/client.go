// Package email defines the interface for report run notifications and
// provides a Resend-backed implementation.
package email

import "context"

// RunFinishedParams describes a report run that reached a terminal state.
type RunFinishedParams struct {
	RunID          string
	SurveyID       string
	SectionID      string
	Failed         bool
	TotalResponses int    // zero when the run failed
	HasPDF         bool   // a PDF artifact was stored
	Reason         string // failure reason; empty on success
}

// Sender is the interface the worker uses to announce finished runs.
// Tests inject a stub that records calls without hitting the network.
type Sender interface {
	// SendRunFinished mails the configured recipients a link to the run.
	SendRunFinished(ctx context.Context, p RunFinishedParams) error
}
