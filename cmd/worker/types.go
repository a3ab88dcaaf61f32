package main

import "github.com/imrishuroy/go-cryptopay-orderflow/internal/sweeper"

// SweepResult is what the scheduled invocation returns to Lambda.
type SweepResult struct {
	EventID    string `json:"event_id,omitempty"`
	Scanned    int    `json:"scanned"`
	Expired    int    `json:"expired"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Released   int    `json:"released"`
	DurationMS int64  `json:"duration_ms"`
}

func newSweepResult(eventID string, r sweeper.Report, durationMS int64) SweepResult {
	return SweepResult{
		EventID:    eventID,
		Scanned:    r.Scanned,
		Expired:    r.Expired,
		Skipped:    r.Skipped,
		Failed:     r.Failed,
		Released:   r.Released,
		DurationMS: durationMS,
	}
}
