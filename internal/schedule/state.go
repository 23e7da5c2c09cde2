package schedule

import "time"

// HistoryCap bounds the persisted run history. Appending past the cap evicts
// the oldest record.
const HistoryCap = 10

// Status classifies one completed run batch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// RunRecord summarizes one due cycle: every target attempted that cycle,
// never one record per target.
type RunRecord struct {
	CompletedAt time.Time
	Generated   []string // artifact references
	Errors      []string
}

// Status derives the batch outcome from what was generated and what failed.
func (r RunRecord) Status() Status {
	switch {
	case len(r.Errors) > 0 && len(r.Generated) == 0:
		return StatusFailed
	case len(r.Errors) > 0:
		return StatusPartial
	case len(r.Generated) > 0:
		return StatusCompleted
	default:
		return StatusSkipped
	}
}

// State is the single persisted schedule document.
//
// IntervalSeconds == 0 means the schedule is disabled. NextRun, whenever set
// by a write, is strictly in the future relative to the time it was computed.
// History is ordered newest first and never exceeds HistoryCap.
type State struct {
	IntervalSeconds int64
	NextRun         *time.Time
	History         []RunRecord
}

// appendHistory prepends r and trims to HistoryCap (FIFO eviction).
func appendHistory(history []RunRecord, r RunRecord) []RunRecord {
	out := make([]RunRecord, 0, len(history)+1)
	out = append(out, r)
	out = append(out, history...)
	if len(out) > HistoryCap {
		out = out[:HistoryCap]
	}
	return out
}
