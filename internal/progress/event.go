package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageListingPage Stage = "LISTING_PAGE"
	StageWorkDone    Stage = "WORK_DONE"
	StageWorkSkipped Stage = "WORK_SKIPPED"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
)

// Verdict labels a finalized work.
type Verdict string

// Verdicts recorded on WORK_DONE events.
const (
	VerdictEligible   Verdict = "eligible"
	VerdictIneligible Verdict = "ineligible"
	VerdictMismatch   Verdict = "mismatch"
)

// Event captures a single component of crawl progress.
type Event struct {
	// RunID identifies the crawl run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Page is the listing page index for LISTING_PAGE and WORK_* events.
	Page int
	// URL is the work or page URL.
	URL string
	// Cards counts cards seen on a listing page.
	Cards int
	// Verdict classifies a WORK_DONE event.
	Verdict Verdict
	// Note carries low-volume context such as a skip reason or stop reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageListingPage:
		if e.Page <= 0 {
			return errors.New("listing page requires a page index")
		}
	case StageWorkDone:
		if e.URL == "" {
			return errors.New("work done requires url")
		}
		if e.Verdict == "" {
			return errors.New("work done requires verdict")
		}
	case StageWorkSkipped:
		if e.URL == "" {
			return errors.New("work skipped requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that drops every event.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(Event) {}
