package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/sweeper"
)

// --- mock implementations ---

type stubSweeper struct {
	report sweeper.Report
	err    error
	calls  int
}

func (s *stubSweeper) RunOnce(context.Context) (sweeper.Report, error) {
	s.calls++
	return s.report, s.err
}

// --- test cases ---

func TestWorkerProcess_Success(t *testing.T) {
	s := &stubSweeper{report: sweeper.Report{Scanned: 4, Expired: 2, Skipped: 1, Failed: 1, Released: 3}}
	flushed := 0
	core, logs := observer.New(zap.InfoLevel)
	p := NewProcessor(s, func(context.Context) { flushed++ }, zap.New(core))

	res, err := p.Handle(context.Background(), events.CloudWatchEvent{ID: "ev-1", Source: "aws.events", Time: time.Now()})
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if s.calls != 1 {
		t.Fatalf("expected one sweep, got %d", s.calls)
	}
	if res.EventID != "ev-1" || res.Expired != 2 || res.Released != 3 || res.Scanned != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if flushed != 1 {
		t.Fatalf("expected metrics flush, got %d", flushed)
	}
	if logs.FilterMessage("sweep completed").Len() != 1 {
		t.Fatalf("expected completion log, got %v", logs.All())
	}
}

func TestWorkerProcess_SweepErrorIsReturned(t *testing.T) {
	cause := errors.New("store unavailable")
	s := &stubSweeper{report: sweeper.Report{Scanned: 1, Failed: 1}, err: cause}
	flushed := 0
	p := NewProcessor(s, func(context.Context) { flushed++ }, nil)

	res, err := p.Handle(context.Background(), events.CloudWatchEvent{ID: "ev-2"})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped sweep error, got %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("partial report should still be returned: %+v", res)
	}
	if flushed != 1 {
		t.Fatalf("metrics should flush on failure too, got %d", flushed)
	}
}

func TestNewProcessor_NilFlush(t *testing.T) {
	p := NewProcessor(&stubSweeper{}, nil, nil)
	if _, err := p.Handle(context.Background(), events.CloudWatchEvent{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
