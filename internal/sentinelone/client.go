package sentinelone

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/threatlink/internal/transport"
)

// ErrThreatNotFound is returned when no threat carries the requested ticket id.
var ErrThreatNotFound = errors.New("no matching threat found")

// maxPages guards against a cursor that never terminates.
const maxPages = 100

// MitigationActions lists the actions accepted by Mitigate.
var MitigationActions = map[string]bool{
	"kill":                 true,
	"quarantine":           true,
	"un-quarantine":        true,
	"remediate":            true,
	"rollback-remediation": true,
}

// Options configures a Client.
type Options struct {
	PageLimit      int
	UnresolvedOnly bool
	Timeout        time.Duration
	Retries        int
}

// Client is a SentinelOne management API client.
type Client struct {
	http           *transport.Client
	pageLimit      int
	unresolvedOnly bool
	logger         *zap.Logger
}

// BaseURL returns the API root for a console host.
func BaseURL(host, apiVersion string) string {
	return "https://" + host + "/web/api/" + apiVersion
}

// New creates a Client against baseURL (see BaseURL).
func New(baseURL, apiKey string, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 300
	}
	token := apiKey
	if !strings.HasPrefix(token, "ApiToken ") {
		token = "ApiToken " + token
	}
	auth := func(req *http.Request) {
		req.Header.Set("Authorization", token)
	}
	return &Client{
		http:           transport.New(baseURL, opts.Timeout, auth, opts.Retries, logger),
		pageLimit:      opts.PageLimit,
		unresolvedOnly: opts.UnresolvedOnly,
		logger:         logger.Named("sentinelone"),
	}
}

// WithHTTPClient replaces the underlying http.Client (used in tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http.WithHTTPClient(hc)
	return c
}

type threatsPage struct {
	Data       []rawThreat `json:"data"`
	Pagination struct {
		NextCursor *string `json:"nextCursor"`
		TotalItems int     `json:"totalItems"`
	} `json:"pagination"`
}

// FetchUnlinkedThreats returns threats created at or after windowStart that
// have no external ticket id yet. The filter is applied by the API.
func (c *Client) FetchUnlinkedThreats(ctx context.Context, windowStart time.Time) ([]Threat, error) {
	q := url.Values{}
	q.Set("externalTicketExists", "false")
	q.Set("createdAt__gte", FormatTimestamp(windowStart))
	if c.unresolvedOnly {
		q.Set("resolved", "false")
		q.Set("incidentStatuses", "unresolved")
		q.Set("mitigationStatuses", "not_mitigated")
		q.Set("sortOrder", "desc")
	}
	threats, err := c.listThreats(ctx, q)
	if err != nil {
		return nil, err
	}
	// the query already excludes linked threats; a stale index can still return one
	out := threats[:0]
	for _, t := range threats {
		if t.Linked() {
			c.logger.Warn("skipping threat that already has a ticket",
				zap.String("event_id", t.EventID),
				zap.String("external_ticket_id", t.ExternalTicketID),
			)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// FetchResolvedLinked returns every resolved threat that already carries an
// external ticket id, regardless of when it was created.
func (c *Client) FetchResolvedLinked(ctx context.Context) ([]Threat, error) {
	q := url.Values{}
	q.Set("resolved", "true")
	q.Set("externalTicketExists", "true")
	q.Set("sortOrder", "desc")
	return c.listThreats(ctx, q)
}

// ThreatByTicket returns the threat linked to ticketID.
func (c *Client) ThreatByTicket(ctx context.Context, ticketID int) (Threat, error) {
	q := url.Values{}
	q.Set("externalTicketIds", strconv.Itoa(ticketID))
	q.Set("limit", "1")

	var page threatsPage
	if err := c.http.Do(ctx, http.MethodGet, "threats", q, nil, &page); err != nil {
		return Threat{}, fmt.Errorf("get threat for ticket %d: %w", ticketID, err)
	}
	if len(page.Data) == 0 {
		return Threat{}, fmt.Errorf("ticket %d: %w", ticketID, ErrThreatNotFound)
	}
	return page.Data[0].toThreat(), nil
}

func (c *Client) listThreats(ctx context.Context, q url.Values) ([]Threat, error) {
	q.Set("limit", strconv.Itoa(c.pageLimit))

	var threats []Threat
	for page := 0; page < maxPages; page++ {
		var resp threatsPage
		if err := c.http.Do(ctx, http.MethodGet, "threats", q, nil, &resp); err != nil {
			return nil, fmt.Errorf("list threats: %w", err)
		}
		if resp.Data == nil {
			return nil, fmt.Errorf("list threats: response has no data field")
		}
		for _, r := range resp.Data {
			threats = append(threats, r.toThreat())
		}
		if page == 0 && resp.Pagination.TotalItems == 0 {
			c.logger.Info("no threats in window", zap.String("created_after", q.Get("createdAt__gte")))
		}
		if resp.Pagination.NextCursor == nil || *resp.Pagination.NextCursor == "" {
			return threats, nil
		}
		q.Set("cursor", *resp.Pagination.NextCursor)
	}
	return nil, fmt.Errorf("list threats: more than %d pages", maxPages)
}

type affectedResponse struct {
	Data *struct {
		Affected int `json:"affected"`
	} `json:"data"`
}

func (r affectedResponse) affected() int {
	if r.Data == nil {
		return 0
	}
	return r.Data.Affected
}

// LinkTicket stores ticketID as the external ticket id of threat eventID.
// The call succeeds only if the API reports the threat as updated.
func (c *Client) LinkTicket(ctx context.Context, ticketID int, eventID string) error {
	body := map[string]any{
		"data":   map[string]string{"externalTicketId": strconv.Itoa(ticketID)},
		"filter": map[string][]string{"ids": {eventID}},
	}
	var resp affectedResponse
	if err := c.http.Do(ctx, http.MethodPost, "threats/external-ticket-id", nil, body, &resp); err != nil {
		return fmt.Errorf("link ticket %d to threat %s: %w", ticketID, eventID, err)
	}
	if resp.affected() == 0 {
		return fmt.Errorf("link ticket %d to threat %s: no threat updated", ticketID, eventID)
	}
	return nil
}

// UpdateIncident sets incident status and analyst verdict on the threats
// linked to ticketID. It returns the number of threats updated.
func (c *Client) UpdateIncident(ctx context.Context, ticketID int, incidentStatus, analystVerdict string) (int, error) {
	body := map[string]any{
		"filter": map[string][]string{"externalTicketIds": {strconv.Itoa(ticketID)}},
		"data": map[string]string{
			"incidentStatus": incidentStatus,
			"analystVerdict": analystVerdict,
		},
	}
	var resp affectedResponse
	if err := c.http.Do(ctx, http.MethodPost, "threats/analyst-verdict", nil, body, &resp); err != nil {
		return 0, fmt.Errorf("update incident for ticket %d: %w", ticketID, err)
	}
	return resp.affected(), nil
}

// Mitigate runs a mitigation action against the threats linked to ticketID.
func (c *Client) Mitigate(ctx context.Context, ticketID int, action string) (int, error) {
	if !MitigationActions[action] {
		return 0, fmt.Errorf("unsupported mitigation action: %q", action)
	}
	body := map[string]any{
		"filter": map[string][]string{"externalTicketIds": {strconv.Itoa(ticketID)}},
	}
	var resp affectedResponse
	if err := c.http.Do(ctx, http.MethodPost, "threats/mitigate/"+action, nil, body, &resp); err != nil {
		return 0, fmt.Errorf("mitigate %s for ticket %d: %w", action, ticketID, err)
	}
	return resp.affected(), nil
}
