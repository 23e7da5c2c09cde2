package schedule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	logx "opsdash/pkg/logx"
)

// Store persists the schedule document as a single JSON file with timestamps
// as numeric seconds-since-epoch.
//
// Every method must be called while holding the schedule lock; the store does
// no locking of its own.
type Store struct {
	path string
	log  logx.Logger
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

// Wire format. next_run and completed_at are epoch seconds (fractional).
type stateDoc struct {
	NextRun         *float64 `json:"next_run"`
	IntervalSeconds int64    `json:"interval_seconds"`
	History         []runDoc `json:"history"`
}

type runDoc struct {
	CompletedAt float64  `json:"completed_at"`
	Generated   []string `json:"generated"`
	Errors      []string `json:"errors"`
}

func toEpoch(t time.Time) float64     { return float64(t.UnixMilli()) / 1000 }
func fromEpoch(sec float64) time.Time { return time.UnixMilli(int64(sec * 1000)) }

// Load returns nil when the backing file is absent. A present but unparsable
// file is deleted and treated as absent so one corrupt write can never wedge
// the scheduler. I/O failures degrade to nil with a log line.
func (s *Store) Load() (*State, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.log.Warn("schedule state unreadable", logx.String("path", s.path), logx.Err(err))
		return nil, nil
	}

	var doc stateDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		s.log.Warn("schedule state corrupt; discarding", logx.String("path", s.path), logx.Err(err))
		_ = os.Remove(s.path)
		return nil, nil
	}

	st := &State{IntervalSeconds: doc.IntervalSeconds}
	if doc.NextRun != nil {
		t := fromEpoch(*doc.NextRun)
		st.NextRun = &t
	}
	for _, r := range doc.History {
		st.History = append(st.History, RunRecord{
			CompletedAt: fromEpoch(r.CompletedAt),
			Generated:   r.Generated,
			Errors:      r.Errors,
		})
	}
	return st, nil
}

// Save serializes the whole state and replaces the file via tmp+rename.
func (s *Store) Save(st *State) error {
	doc := stateDoc{IntervalSeconds: st.IntervalSeconds, History: []runDoc{}}
	if st.NextRun != nil {
		e := toEpoch(*st.NextRun)
		doc.NextRun = &e
	}
	for _, r := range st.History {
		gen := r.Generated
		if gen == nil {
			gen = []string{}
		}
		errs := r.Errors
		if errs == nil {
			errs = []string{}
		}
		doc.History = append(doc.History, runDoc{CompletedAt: toEpoch(r.CompletedAt), Generated: gen, Errors: errs})
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Clear resets the document to the disabled default.
func (s *Store) Clear() error {
	return s.Save(&State{})
}
