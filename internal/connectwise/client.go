// Package connectwise is a minimal ConnectWise Manage REST client covering
// companies, priorities and service tickets.
package connectwise

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iyulab/threatlink/internal/transport"
)

// Company is a billing company record.
type Company struct {
	ID         int    `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// Ticket is a service ticket as returned by the API.
type Ticket struct {
	ID                 int    `json:"id"`
	Summary            string `json:"summary"`
	InitialDescription string `json:"initialDescription,omitempty"`
	Board              Ref    `json:"board"`
	Priority           Ref    `json:"priority"`
	Status             Ref    `json:"status"`
	Company            Ref    `json:"company"`
}

// Ref is the {id, name} reference object used throughout the API.
type Ref struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// NewTicket holds the fields sent when creating a ticket.
type NewTicket struct {
	Summary     string
	Description string
	Board       string
	Status      string
	PriorityID  int
	CompanyID   int
}

// Credentials authenticate against a ConnectWise Manage instance.
type Credentials struct {
	CompanyID  string
	PublicKey  string
	PrivateKey string
	ClientID   string
}

// Client is a ConnectWise Manage API client.
type Client struct {
	http   *transport.Client
	logger *zap.Logger
}

// BaseURL returns the REST root for a host and release entry point.
func BaseURL(host, entryPoint string) string {
	return "https://" + host + "/" + entryPoint + "/apis/3.0"
}

// New creates a Client against baseURL (see BaseURL).
func New(baseURL string, creds Credentials, timeout time.Duration, retries int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	basic := base64.StdEncoding.EncodeToString([]byte(creds.CompanyID + "+" + creds.PublicKey + ":" + creds.PrivateKey))
	auth := func(req *http.Request) {
		req.Header.Set("Authorization", "Basic "+basic)
		req.Header.Set("clientId", creds.ClientID)
	}
	return &Client{
		http:   transport.New(baseURL, timeout, auth, retries, logger),
		logger: logger.Named("connectwise"),
	}
}

// WithHTTPClient replaces the underlying http.Client (used in tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http.WithHTTPClient(hc)
	return c
}

// FindCompanies returns every company whose name equals name exactly.
func (c *Client) FindCompanies(ctx context.Context, name string) ([]Company, error) {
	q := url.Values{}
	q.Set("conditions", nameCondition(name))
	q.Set("fields", "id,identifier,name")

	var companies []Company
	if err := c.http.Do(ctx, http.MethodGet, "company/companies", q, nil, &companies); err != nil {
		return nil, fmt.Errorf("find company %q: %w", name, err)
	}
	// conditions matching is case-insensitive server side
	exact := companies[:0]
	for _, co := range companies {
		if co.Name == name {
			exact = append(exact, co)
		}
	}
	return exact, nil
}

// FindPriorityID resolves a priority name to its id. Exactly one match is required.
func (c *Client) FindPriorityID(ctx context.Context, name string) (int, error) {
	q := url.Values{}
	q.Set("conditions", nameCondition(name))
	q.Set("fields", "id,name")

	var priorities []Ref
	if err := c.http.Do(ctx, http.MethodGet, "service/priorities", q, nil, &priorities); err != nil {
		return 0, fmt.Errorf("find priority %q: %w", name, err)
	}
	if len(priorities) != 1 {
		return 0, fmt.Errorf("find priority %q: expected 1 match, got %d", name, len(priorities))
	}
	return priorities[0].ID, nil
}

// CreateTicket creates a service ticket. A response without an id is an error.
func (c *Client) CreateTicket(ctx context.Context, nt NewTicket) (Ticket, error) {
	body := map[string]any{
		"summary":            nt.Summary,
		"board":              Ref{Name: nt.Board},
		"priority":           Ref{ID: nt.PriorityID},
		"status":             Ref{Name: nt.Status},
		"company":            Ref{ID: nt.CompanyID},
		"initialDescription": nt.Description,
		"recordType":         "ServiceTicket",
	}

	var t Ticket
	if err := c.http.Do(ctx, http.MethodPost, "service/tickets", nil, body, &t); err != nil {
		return Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	if t.ID == 0 {
		return Ticket{}, fmt.Errorf("create ticket: response has no ticket id")
	}
	return t, nil
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, id int) (Ticket, error) {
	var t Ticket
	if err := c.http.Do(ctx, http.MethodGet, "service/tickets/"+strconv.Itoa(id), nil, nil, &t); err != nil {
		return Ticket{}, fmt.Errorf("get ticket %d: %w", id, err)
	}
	return t, nil
}

// UpdateTicketStatus moves a ticket to the named status.
func (c *Client) UpdateTicketStatus(ctx context.Context, id int, status string) (Ticket, error) {
	patch := []map[string]any{{
		"op":    "replace",
		"path":  "status",
		"value": Ref{Name: status},
	}}
	var t Ticket
	if err := c.http.Do(ctx, http.MethodPatch, "service/tickets/"+strconv.Itoa(id), nil, patch, &t); err != nil {
		return Ticket{}, fmt.Errorf("update ticket %d status: %w", id, err)
	}
	return t, nil
}

// nameCondition builds a conditions expression matching name exactly.
func nameCondition(name string) string {
	escaped := strings.ReplaceAll(name, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `name = "` + escaped + `"`
}
