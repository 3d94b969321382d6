package consumer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestHandlerStatsTracksInFlightAndFailures(t *testing.T) {
	stats := newHandlerStats("h", "in", "out")

	stats.onMessageStart()
	stats.onMessageStart()
	if stats.MaxInFlight != 2 {
		t.Fatalf("expected max in flight 2, got %d", stats.MaxInFlight)
	}

	stats.onMessageFinish(time.Millisecond, nil, nil)
	stats.onMessageFinish(time.Millisecond, Retryable(errors.New("flaky")), nil)

	if stats.InFlight != 0 {
		t.Fatalf("expected in flight 0, got %d", stats.InFlight)
	}
	if stats.MessagesProcessed != 2 || stats.MessagesFailed != 1 {
		t.Fatalf("unexpected counters: %d processed, %d failed", stats.MessagesProcessed, stats.MessagesFailed)
	}
	if stats.Errors.Transient != 1 {
		t.Fatalf("expected one transient error, got %d", stats.Errors.Transient)
	}
	if stats.Errors.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestHandlerStatsMarshalJSON(t *testing.T) {
	stats := newHandlerStats("h", "in", "out")
	stats.onMessageStart()
	stats.onMessageFinish(time.Millisecond, NewUnprocessableEventError("{}", errors.New("bad")), nil)

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["messages_failed"].(float64) != 1 {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

func TestErrorBreakdownRecord(t *testing.T) {
	var b ErrorBreakdown

	b.Record(ErrorCategoryValidation, errors.New("v"))
	b.Record(ErrorCategoryDownstream, errors.New("d"))
	b.Record(ErrorCategoryNone, nil)

	if b.Validation != 1 || b.Downstream != 1 || b.Other != 0 {
		t.Fatalf("unexpected breakdown: %+v", b)
	}
	if b.LastError != "d" {
		t.Fatalf("unexpected last error: %s", b.LastError)
	}
}
