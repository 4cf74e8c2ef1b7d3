package log

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestFilterSuppressesBelowThreshold(t *testing.T) {
	var records []string
	prev := SetHandler(func(_ time.Time, s Severity, tag string, msg string) {
		records = append(records, msg)
	})
	defer SetHandler(prev)

	prevFilter := filter
	SetFilter(Warning)
	defer SetFilter(prevFilter)

	ctx := context.Background()
	D(ctx, "debug message should be dropped")
	W(ctx, "warning message should pass")

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d: %v", len(records), records)
	}
	if !strings.Contains(records[0], "warning message") {
		t.Fatalf("unexpected record: %q", records[0])
	}
}

func TestErrWrapsCauseAndUnwraps(t *testing.T) {
	cause := Const("boom")
	ctx := context.Background()
	err := Err(ctx, cause, "commit failed")
	if !strings.Contains(err.Error(), "commit failed") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected error text: %v", err)
	}
	if w, ok := err.(*wrapped); !ok || w.Unwrap() != cause {
		t.Fatalf("expected Unwrap to return cause, got %v", err)
	}
}

func TestWithTagIsCarriedToHandler(t *testing.T) {
	var gotTag string
	prev := SetHandler(func(_ time.Time, _ Severity, tag string, _ string) { gotTag = tag })
	defer SetHandler(prev)

	ctx := WithTag(context.Background(), "rank-3")
	I(ctx, "hello")
	if gotTag != "rank-3" {
		t.Fatalf("expected tag rank-3, got %q", gotTag)
	}
}

// Const is a tiny local sentinel used only by this test file so it does not
// need to import core/fault.
type Const string

func (c Const) Error() string { return string(c) }
