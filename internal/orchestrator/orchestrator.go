// Package orchestrator wires config, API clients and the pairing core into
// the operations the CLI exposes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/threatlink/internal/config"
	"github.com/iyulab/threatlink/internal/connectwise"
	"github.com/iyulab/threatlink/internal/metrics"
	"github.com/iyulab/threatlink/internal/pairing"
	"github.com/iyulab/threatlink/internal/sentinelone"
)

// ErrPipelineFailures is returned by Run in strict mode when any threat failed.
var ErrPipelineFailures = errors.New("threat pipelines failed")

// Options holds CLI flags for the orchestrator.
type Options struct {
	DryRun  bool
	Strict  bool
	Version string
	// Out receives the human-readable progress lines. Defaults to stderr.
	Out io.Writer
	// Now is the clock used for the window start. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the API clients for one process run.
type Orchestrator struct {
	cfg     *config.Config
	opts    Options
	logger  *zap.Logger
	s1      *sentinelone.Client
	cw      *connectwise.Client
	metrics *metrics.Metrics
}

// New builds both API clients from cfg.
func New(cfg *config.Config, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s1 := sentinelone.New(
		sentinelone.BaseURL(cfg.SentinelOne.Host, cfg.SentinelOne.APIVersion),
		cfg.SentinelOne.APIKey,
		sentinelone.Options{
			PageLimit:      cfg.SentinelOne.PageLimit,
			UnresolvedOnly: cfg.SentinelOne.UnresolvedOnly,
			Timeout:        cfg.SentinelOneTimeout(),
			Retries:        cfg.Run.Retries,
		},
		logger,
	)
	cw := connectwise.New(
		connectwise.BaseURL(cfg.ConnectWise.Host, cfg.ConnectWise.EntryPoint),
		connectwise.Credentials{
			CompanyID:  cfg.ConnectWise.CompanyID,
			PublicKey:  cfg.ConnectWise.PublicKey,
			PrivateKey: cfg.ConnectWise.PrivateKey,
			ClientID:   cfg.ConnectWise.ClientID,
		},
		cfg.ConnectWiseTimeout(),
		cfg.Run.Retries,
		logger,
	)

	return &Orchestrator{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		s1:      s1,
		cw:      cw,
		metrics: metrics.New(),
	}
}

// SetHTTPClient overrides the http.Client of both API clients (used in tests).
func (o *Orchestrator) SetHTTPClient(hc *http.Client) {
	o.s1.WithHTTPClient(hc)
	o.cw.WithHTTPClient(hc)
}

// Metrics returns the run's collectors.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// WindowStart is the createdAt lower bound for this run.
func (o *Orchestrator) WindowStart() time.Time {
	return sentinelone.WindowStart(o.opts.Now(), o.cfg.Run.WindowHour)
}

// Run pairs every unlinked threat in the current window with a new ticket.
func (o *Orchestrator) Run(ctx context.Context) (*pairing.RunSummary, error) {
	window := o.WindowStart()
	if o.opts.Version != "" {
		fmt.Fprintf(o.opts.Out, "[*] threatlink %s\n", o.opts.Version)
	}
	fmt.Fprintf(o.opts.Out, "[*] Fetching unlinked threats since %s\n", sentinelone.FormatTimestamp(window))

	priorityID, err := o.priorityID(ctx)
	if err != nil {
		o.finish(ctx)
		fmt.Fprintf(o.opts.Out, "[!] %v\n", err)
		return nil, err
	}

	resolver := pairing.NewCompanyResolver(o.cw, o.cfg.ConnectWise.CatchAllCompanyID, 0, o.logger)
	creator := pairing.NewTicketCreator(o.cw, pairing.TicketOptions{
		Platform:    o.cfg.Run.PlatformName,
		ConsoleHost: o.cfg.SentinelOne.Host,
		Board:       o.cfg.ConnectWise.Board,
		Status:      o.cfg.ConnectWise.NewStatus,
		PriorityID:  priorityID,
	})
	loop := pairing.NewRunLoop(o.s1, resolver, creator, o.s1, pairing.Options{
		Concurrency: o.cfg.Run.Concurrency,
		DryRun:      o.opts.DryRun,
		Observer:    o.metrics,
	}, o.logger)

	summary, err := loop.Run(ctx, window)
	o.finish(ctx)
	if err != nil {
		fmt.Fprintf(o.opts.Out, "[!] %v\n", err)
		return nil, err
	}

	o.printSummary(summary)
	if o.opts.Strict && summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d", ErrPipelineFailures, summary.Failed, summary.Fetched)
	}
	return summary, nil
}

// priorityID resolves priority_name when set, else returns priority_id.
func (o *Orchestrator) priorityID(ctx context.Context) (int, error) {
	name := o.cfg.ConnectWise.PriorityName
	if name == "" {
		return o.cfg.ConnectWise.PriorityID, nil
	}
	id, err := o.cw.FindPriorityID(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("resolve priority %q: %w", name, err)
	}
	o.logger.Debug("priority resolved", zap.String("name", name), zap.Int("priority_id", id))
	return id, nil
}

// Sync moves the tickets of resolved threats to the completed status.
func (o *Orchestrator) Sync(ctx context.Context) (pairing.CloseSummary, error) {
	if err := o.cfg.RequireCompletedStatus(); err != nil {
		return pairing.CloseSummary{}, err
	}
	fmt.Fprintf(o.opts.Out, "[*] Closing tickets of resolved threats\n")

	closer := pairing.NewCloser(o.s1, o.cw, o.cfg.ConnectWise.CompletedStatus, o.cfg.Run.Concurrency, o.logger)
	summary, err := closer.Run(ctx)
	o.finish(ctx)
	if err != nil {
		return summary, err
	}

	fmt.Fprintf(o.opts.Out, "[*] Checked %d, closed %d, already closed %d, failed %d\n",
		summary.Checked, summary.Closed, summary.AlreadyClosed, summary.Failed)
	if o.opts.Strict && summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d", ErrPipelineFailures, summary.Failed, summary.Checked)
	}
	return summary, nil
}

// Verdict records an analyst verdict and incident status on the threat
// linked to ticketID.
func (o *Orchestrator) Verdict(ctx context.Context, ticketID int, incidentStatus, analystVerdict string) error {
	t, err := o.s1.ThreatByTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	n, err := o.s1.UpdateIncident(ctx, ticketID, incidentStatus, analystVerdict)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ticket %d: %w", ticketID, sentinelone.ErrThreatNotFound)
	}
	o.logger.Info("incident updated",
		zap.Int("ticket_id", ticketID),
		zap.String("event_id", t.EventID),
		zap.String("incident_status", incidentStatus),
		zap.String("analyst_verdict", analystVerdict),
	)
	fmt.Fprintf(o.opts.Out, "[+] Threat %s: status=%s verdict=%s\n", t.EventID, incidentStatus, analystVerdict)
	return nil
}

// Mitigate runs a mitigation action on the threat linked to ticketID.
func (o *Orchestrator) Mitigate(ctx context.Context, ticketID int, action string) error {
	n, err := o.s1.Mitigate(ctx, ticketID, action)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ticket %d: %w", ticketID, sentinelone.ErrThreatNotFound)
	}
	o.logger.Info("mitigation started", zap.Int("ticket_id", ticketID), zap.String("action", action), zap.Int("affected", n))
	fmt.Fprintf(o.opts.Out, "[+] %s started on %d threat(s)\n", action, n)
	return nil
}

// finish stamps and pushes the run's metrics. A failed push only warns.
func (o *Orchestrator) finish(ctx context.Context) {
	o.metrics.MarkRun(o.opts.Now())
	_ = o.metrics.Push(ctx, o.cfg.Metrics.Pushgateway, o.cfg.Metrics.Job, o.logger)
}

func (o *Orchestrator) printSummary(s *pairing.RunSummary) {
	if s.Fetched == 0 {
		fmt.Fprintf(o.opts.Out, "[*] No unlinked threats (%s)\n", s.Duration.Round(time.Millisecond))
		return
	}
	for _, out := range s.Outcomes {
		status := "✓"
		if out.Failed() {
			status = "✗"
		}
		ticket := "-"
		if out.TicketID != 0 {
			ticket = fmt.Sprintf("#%d", out.TicketID)
		}
		fmt.Fprintf(o.opts.Out, "  %s %-36s %-8s %-8s %s\n", status, out.EventID, ticket, out.Stage, out.SiteName)
	}
	fmt.Fprintf(o.opts.Out, "[*] Fetched %d, ticketed %d, linked %d, defaulted %d, failed %d (%s)\n",
		s.Fetched, s.Ticketed, s.Linked, s.Defaulted, s.Failed, s.Duration.Round(time.Millisecond))
	if s.Failed > 0 && !o.opts.DryRun {
		fmt.Fprintf(o.opts.Out, "[!] %d threat(s) failed; see the log for details\n", s.Failed)
	}
}
