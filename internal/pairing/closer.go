package pairing

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iyulab/threatlink/internal/connectwise"
	"github.com/iyulab/threatlink/internal/sentinelone"
)

// ResolvedSource lists resolved threats that already carry a ticket id.
type ResolvedSource interface {
	FetchResolvedLinked(ctx context.Context) ([]sentinelone.Threat, error)
}

// TicketStatusService reads and moves ticket status.
type TicketStatusService interface {
	GetTicket(ctx context.Context, id int) (connectwise.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id int, status string) (connectwise.Ticket, error)
}

// CloseSummary aggregates one close-out run.
type CloseSummary struct {
	Checked       int
	Closed        int
	AlreadyClosed int
	Failed        int
}

// Closer moves the tickets of resolved threats to the completed status.
type Closer struct {
	source          ResolvedSource
	tickets         TicketStatusService
	completedStatus string
	concurrency     int
	logger          *zap.Logger
}

// NewCloser creates a Closer.
func NewCloser(source ResolvedSource, tickets TicketStatusService, completedStatus string, concurrency int, logger *zap.Logger) *Closer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Closer{
		source:          source,
		tickets:         tickets,
		completedStatus: completedStatus,
		concurrency:     concurrency,
		logger:          logger,
	}
}

// Run closes the tickets of every resolved, linked threat. It is not bounded
// by the processing window: a threat may be resolved long after it was created.
func (c *Closer) Run(ctx context.Context) (CloseSummary, error) {
	threats, err := c.source.FetchResolvedLinked(ctx)
	if err != nil {
		return CloseSummary{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	var (
		mu      sync.Mutex
		summary CloseSummary
		g       errgroup.Group
	)
	g.SetLimit(c.concurrency)
	for _, t := range threats {
		t := t
		g.Go(func() error {
			closed, already, err := c.closeOne(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			switch {
			case err != nil:
				summary.Failed++
				c.logger.Error("failed to close ticket",
					zap.String("event_id", t.EventID),
					zap.String("ticket_id", t.ExternalTicketID),
					zap.Error(err),
				)
			case already:
				summary.AlreadyClosed++
			case closed:
				summary.Closed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary, nil
}

func (c *Closer) closeOne(ctx context.Context, t sentinelone.Threat) (closed, already bool, err error) {
	id, err := strconv.Atoi(t.ExternalTicketID)
	if err != nil {
		return false, false, fmt.Errorf("external ticket id %q is not a ticket number", t.ExternalTicketID)
	}

	ticket, err := c.tickets.GetTicket(ctx, id)
	if err != nil {
		return false, false, err
	}
	if ticket.Status.Name == c.completedStatus {
		return false, true, nil
	}

	if _, err := c.tickets.UpdateTicketStatus(ctx, id, c.completedStatus); err != nil {
		return false, false, err
	}
	c.logger.Info("ticket closed",
		zap.Int("ticket_id", id),
		zap.String("event_id", t.EventID),
		zap.String("status", c.completedStatus),
	)
	return true, false, nil
}
