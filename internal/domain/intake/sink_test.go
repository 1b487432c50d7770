package intake

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestFanOut_AllSinksAttempted(t *testing.T) {
	first := &recordingSink{err: errors.New("offline")}
	second := &recordingSink{}
	sink := FanOut(
		NamedSink{Name: "primary", Sink: first},
		NamedSink{Name: "audit", Sink: second},
	)

	err := sink.Accept(context.Background(), NewRecord(uuid.New(), filledState(), date(2026, 3, 1)))
	if err == nil || !strings.Contains(err.Error(), "primary: offline") {
		t.Fatalf("expected named failure, got %v", err)
	}
	if second.count() != 1 {
		t.Error("later sinks must still receive the record")
	}
}

func TestFanOut_Empty(t *testing.T) {
	if err := FanOut().Accept(context.Background(), &Record{}); err != nil {
		t.Errorf("empty fan-out should accept, got %v", err)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecord(uuid.New(), filledState(), date(2026, 3, 1))
	if err := LogSink(zerolog.New(&buf)).Accept(context.Background(), rec); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	out := buf.String()
	for _, want := range []string{rec.ID.String(), `"patientName":"张三"`, "intake record submitted"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}
