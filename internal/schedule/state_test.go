package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestRunRecordStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		generated []string
		errors    []string
		want      Status
	}{
		{name: "completed", generated: []string{"a"}, want: StatusCompleted},
		{name: "partial", generated: []string{"a"}, errors: []string{"x"}, want: StatusPartial},
		{name: "failed", errors: []string{"x"}, want: StatusFailed},
		{name: "skipped", want: StatusSkipped},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := RunRecord{Generated: tt.generated, Errors: tt.errors}
			if got := r.Status(); got != tt.want {
				t.Fatalf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAppendHistoryCapAndOrder(t *testing.T) {
	t.Parallel()
	var history []RunRecord
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < HistoryCap+5; i++ {
		history = appendHistory(history, RunRecord{
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
			Generated:   []string{fmt.Sprintf("artifact-%d", i)},
		})
		if len(history) > HistoryCap {
			t.Fatalf("history grew past cap: %d", len(history))
		}
	}

	if len(history) != HistoryCap {
		t.Fatalf("len = %d, want %d", len(history), HistoryCap)
	}
	// Newest first; the oldest five were evicted.
	if history[0].Generated[0] != fmt.Sprintf("artifact-%d", HistoryCap+4) {
		t.Fatalf("newest = %s", history[0].Generated[0])
	}
	if history[HistoryCap-1].Generated[0] != "artifact-5" {
		t.Fatalf("oldest kept = %s, want artifact-5", history[HistoryCap-1].Generated[0])
	}
}
