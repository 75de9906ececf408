// Package pairing turns SentinelOne threats into ConnectWise tickets and links
// each ticket back to its threat through the external ticket id.
//
// The external ticket id is the only record of "already ticketed": threats are
// fetched with externalTicketExists=false, so a threat whose link write fails
// is fetched and ticketed again on the next run.
package pairing

import (
	"errors"
	"time"
)

var (
	// ErrSourceUnavailable means the threat list could not be read. An empty
	// result is never reported this way.
	ErrSourceUnavailable = errors.New("threat source unavailable")
	// ErrTicketCreationFailed means the PSA rejected or never answered the create call.
	ErrTicketCreationFailed = errors.New("ticket creation failed")
	// ErrLinkWriteFailed means a ticket exists but the threat was not marked with it.
	ErrLinkWriteFailed = errors.New("link write failed")
)

// Stage records how far a threat's pipeline got.
type Stage int

const (
	StageDone   Stage = iota // ticket created and linked
	StageDryRun              // company resolved, nothing written
	StageTicket              // failed creating the ticket
	StageLink                // ticket created, link write failed
)

// String returns a short label for the stage.
func (s Stage) String() string {
	switch s {
	case StageDone:
		return "done"
	case StageDryRun:
		return "dry_run"
	case StageTicket:
		return "ticket"
	case StageLink:
		return "link"
	default:
		return "unknown"
	}
}

// Outcome is the result of one threat's pipeline.
type Outcome struct {
	EventID          string
	SiteName         string
	CompanyID        int
	CompanyDefaulted bool
	CompanyReason    DefaultReason
	// TicketID is set once a ticket exists, even if linking then failed.
	TicketID int
	Stage    Stage
	Err      error
	Duration time.Duration
}

// Failed reports whether the pipeline stopped on an error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// RunSummary aggregates one batch.
type RunSummary struct {
	WindowStart time.Time
	StartedAt   time.Time
	Duration    time.Duration
	Fetched     int
	Ticketed    int
	Linked      int
	Defaulted   int
	Failed      int
	Outcomes    []Outcome
}

// Failures returns the outcomes that ended in an error.
func (s *RunSummary) Failures() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

func summarize(outcomes []Outcome) (ticketed, linked, defaulted, failed int) {
	for _, o := range outcomes {
		if o.TicketID != 0 {
			ticketed++
		}
		if o.Stage == StageDone {
			linked++
		}
		if o.CompanyDefaulted {
			defaulted++
		}
		if o.Failed() {
			failed++
		}
	}
	return
}
