package pairing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iyulab/threatlink/internal/sentinelone"
)

// ThreatSource lists threats that have no ticket yet.
type ThreatSource interface {
	FetchUnlinkedThreats(ctx context.Context, windowStart time.Time) ([]sentinelone.Threat, error)
}

// LinkWriter records a ticket id on its threat.
type LinkWriter interface {
	LinkTicket(ctx context.Context, ticketID int, eventID string) error
}

// Observer receives pipeline events, typically to update metrics.
type Observer interface {
	ThreatsFetched(n int)
	CompanyDefaulted(reason string)
	TicketCreated()
	LinkWritten()
	PipelineFailed(stage string)
}

type nopObserver struct{}

func (nopObserver) ThreatsFetched(int)      {}
func (nopObserver) CompanyDefaulted(string) {}
func (nopObserver) TicketCreated()          {}
func (nopObserver) LinkWritten()            {}
func (nopObserver) PipelineFailed(string)   {}

// Options tunes a RunLoop.
type Options struct {
	// Concurrency bounds how many threat pipelines run at once.
	Concurrency int
	// DryRun resolves companies but creates and links nothing.
	DryRun   bool
	Observer Observer
}

// RunLoop runs resolve → create → link for every unlinked threat.
type RunLoop struct {
	source   ThreatSource
	resolver *CompanyResolver
	creator  *TicketCreator
	links    LinkWriter
	opts     Options
	logger   *zap.Logger
}

// NewRunLoop wires a RunLoop.
func NewRunLoop(source ThreatSource, resolver *CompanyResolver, creator *TicketCreator, links LinkWriter, opts Options, logger *zap.Logger) *RunLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &RunLoop{
		source:   source,
		resolver: resolver,
		creator:  creator,
		links:    links,
		opts:     opts,
		logger:   logger,
	}
}

// Run processes one batch. The only error it returns wraps ErrSourceUnavailable;
// per-threat failures are reported in the summary and never stop siblings.
func (l *RunLoop) Run(ctx context.Context, windowStart time.Time) (*RunSummary, error) {
	start := time.Now()

	threats, err := l.source.FetchUnlinkedThreats(ctx, windowStart)
	if err != nil {
		l.logger.Error("failed to get threats", zap.Time("window_start", windowStart), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	l.opts.Observer.ThreatsFetched(len(threats))
	l.logger.Info("fetched unlinked threats",
		zap.Int("count", len(threats)),
		zap.Time("window_start", windowStart),
	)

	outcomes := make([]Outcome, len(threats))
	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)
	for i, t := range threats {
		i, t := i, t
		g.Go(func() error {
			outcomes[i] = l.process(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	summary := &RunSummary{
		WindowStart: windowStart,
		StartedAt:   start,
		Duration:    time.Since(start),
		Fetched:     len(threats),
		Outcomes:    outcomes,
	}
	summary.Ticketed, summary.Linked, summary.Defaulted, summary.Failed = summarize(outcomes)
	return summary, nil
}

// process runs one threat's pipeline. Steps are strictly sequential.
func (l *RunLoop) process(ctx context.Context, t sentinelone.Threat) Outcome {
	start := time.Now()
	log := l.logger.With(zap.String("event_id", t.EventID), zap.String("site", t.SiteName))

	res := l.resolver.Resolve(ctx, t.SiteName)
	out := Outcome{
		EventID:          t.EventID,
		SiteName:         t.SiteName,
		CompanyID:        res.CompanyID,
		CompanyDefaulted: res.Defaulted,
		CompanyReason:    res.Reason,
	}
	if res.Defaulted {
		l.opts.Observer.CompanyDefaulted(string(res.Reason))
	}

	if l.opts.DryRun {
		out.Stage = StageDryRun
		out.Duration = time.Since(start)
		log.Info("dry run: would create ticket",
			zap.Int("company_id", res.CompanyID),
			zap.String("summary", TicketSummary(l.creator.opts.Platform, t)),
		)
		return out
	}

	ticket, err := l.creator.Create(ctx, t, res.CompanyID)
	if err != nil {
		out.Stage = StageTicket
		out.Err = err
		out.Duration = time.Since(start)
		l.opts.Observer.PipelineFailed(out.Stage.String())
		log.Error("failed to create ticket", zap.Error(err))
		return out
	}
	out.TicketID = ticket.ID
	l.opts.Observer.TicketCreated()
	log.Info("ticket created", zap.Int("ticket_id", ticket.ID), zap.Int("company_id", res.CompanyID))

	if err := l.links.LinkTicket(ctx, ticket.ID, t.EventID); err != nil {
		out.Stage = StageLink
		out.Err = fmt.Errorf("%w: %w", ErrLinkWriteFailed, err)
		out.Duration = time.Since(start)
		l.opts.Observer.PipelineFailed(out.Stage.String())
		// The ticket stays; the threat is still unlinked and the next run files another one.
		log.Error("failed to link ticket to threat, threat will be ticketed again next run",
			zap.Int("ticket_id", ticket.ID),
			zap.Error(err),
		)
		return out
	}

	out.Stage = StageDone
	out.Duration = time.Since(start)
	l.opts.Observer.LinkWritten()
	log.Info("threat linked to ticket", zap.Int("ticket_id", ticket.ID))
	return out
}
