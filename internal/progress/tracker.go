package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunState is the lifecycle state of a run.
type RunState string

// Run states.
const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
	StateDone    RunState = "done"
	StateFailed  RunState = "failed"
)

// Snapshot is the aggregated view of a run.
type Snapshot struct {
	RunID        string     `json:"run_id,omitempty"`
	State        RunState   `json:"state"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LastUpdate   *time.Time `json:"last_update,omitempty"`
	ListingPages int        `json:"listing_pages"`
	Cards        int        `json:"cards"`
	Records      int        `json:"records"`
	Eligible     int        `json:"eligible"`
	Mismatches   int        `json:"mismatches"`
	Skipped      int        `json:"skipped"`
	LastWorkURL  string     `json:"last_work_url,omitempty"`
	Note         string     `json:"note,omitempty"`
}

// Tracker folds events into a Snapshot. It is safe for concurrent use; the
// status server reads while the orchestrator writes.
type Tracker struct {
	mu     sync.RWMutex
	snap   Snapshot
	logger *zap.Logger
}

// NewTracker returns an idle Tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{snap: Snapshot{State: StateIdle}, logger: logger}
}

// Emit implements Emitter. Invalid events are dropped.
func (t *Tracker) Emit(evt Event) {
	if t == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		t.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	ts := evt.TS.UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.snap
	if evt.Stage == StageRunStart {
		*s = Snapshot{RunID: evt.RunID, State: StateRunning, StartedAt: &ts}
	} else if s.RunID != "" && s.RunID != evt.RunID {
		t.logger.Debug("discarding event for another run", zap.String("run_id", evt.RunID))
		return
	}
	s.LastUpdate = &ts

	switch evt.Stage {
	case StageListingPage:
		s.ListingPages++
		s.Cards += evt.Cards
	case StageWorkDone:
		s.Records++
		s.LastWorkURL = evt.URL
		switch evt.Verdict {
		case VerdictEligible:
			s.Eligible++
		case VerdictMismatch:
			s.Mismatches++
		}
	case StageWorkSkipped:
		s.Skipped++
	case StageRunDone:
		s.State = StateDone
		s.FinishedAt = &ts
		s.Note = evt.Note
	case StageRunError:
		s.State = StateFailed
		s.FinishedAt = &ts
		s.Note = evt.Note
	}
}

// Snapshot returns a copy of the current view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
