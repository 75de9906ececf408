package pairing

import (
	"context"
	"fmt"

	"github.com/iyulab/threatlink/internal/connectwise"
	"github.com/iyulab/threatlink/internal/sentinelone"
)

// DefaultPriorityID is used when no priority is configured.
const DefaultPriorityID = 1

// TicketService creates PSA tickets.
type TicketService interface {
	CreateTicket(ctx context.Context, nt connectwise.NewTicket) (connectwise.Ticket, error)
}

// TicketOptions are the fixed fields of every ticket.
type TicketOptions struct {
	Platform    string // summary prefix, e.g. "Sentinel One"
	ConsoleHost string // for the incident deep link
	Board       string
	Status      string
	PriorityID  int
}

// TicketCreator files one ticket per threat.
type TicketCreator struct {
	tickets TicketService
	opts    TicketOptions
}

// NewTicketCreator creates a TicketCreator.
func NewTicketCreator(tickets TicketService, opts TicketOptions) *TicketCreator {
	if opts.PriorityID <= 0 {
		opts.PriorityID = DefaultPriorityID
	}
	return &TicketCreator{tickets: tickets, opts: opts}
}

// Build returns the request Create would send.
func (c *TicketCreator) Build(t sentinelone.Threat, companyID, priorityID int) connectwise.NewTicket {
	return connectwise.NewTicket{
		Summary:     TicketSummary(c.opts.Platform, t),
		Description: TicketDescription(t, c.opts.ConsoleHost),
		Board:       c.opts.Board,
		Status:      c.opts.Status,
		PriorityID:  priorityID,
		CompanyID:   companyID,
	}
}

// Create files a ticket for t under companyID at the configured priority.
func (c *TicketCreator) Create(ctx context.Context, t sentinelone.Threat, companyID int) (connectwise.Ticket, error) {
	return c.CreateWithPriority(ctx, t, companyID, c.opts.PriorityID)
}

// CreateWithPriority files a ticket at an explicit priority.
func (c *TicketCreator) CreateWithPriority(ctx context.Context, t sentinelone.Threat, companyID, priorityID int) (connectwise.Ticket, error) {
	ticket, err := c.tickets.CreateTicket(ctx, c.Build(t, companyID, priorityID))
	if err != nil {
		return connectwise.Ticket{}, fmt.Errorf("%w: threat %s: %w", ErrTicketCreationFailed, t.EventID, err)
	}
	return ticket, nil
}
