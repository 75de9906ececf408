package pairing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iyulab/threatlink/internal/connectwise"
	"github.com/iyulab/threatlink/internal/sentinelone"
)

// fakeSentinel is an in-memory detection platform. Fetch honors the
// externalTicketExists=false filter the real API applies.
type fakeSentinel struct {
	mu        sync.Mutex
	order     []string
	threats   map[string]*sentinelone.Threat
	fetchErr  error
	failLinks map[string]bool
	linkCalls int
}

func newFakeSentinel(threats ...sentinelone.Threat) *fakeSentinel {
	f := &fakeSentinel{threats: map[string]*sentinelone.Threat{}, failLinks: map[string]bool{}}
	for _, t := range threats {
		t := t
		f.order = append(f.order, t.EventID)
		f.threats[t.EventID] = &t
	}
	return f
}

func (f *fakeSentinel) FetchUnlinkedThreats(ctx context.Context, windowStart time.Time) ([]sentinelone.Threat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []sentinelone.Threat
	for _, id := range f.order {
		t := f.threats[id]
		if t.Linked() || t.CreatedAt.Before(windowStart) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeSentinel) FetchResolvedLinked(ctx context.Context) ([]sentinelone.Threat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []sentinelone.Threat
	for _, id := range f.order {
		t := f.threats[id]
		if t.Linked() && t.IncidentStatus == "resolved" {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeSentinel) LinkTicket(ctx context.Context, ticketID int, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	if f.failLinks[eventID] {
		return errors.New("503 service unavailable")
	}
	t, ok := f.threats[eventID]
	if !ok {
		return errors.New("no threat updated")
	}
	t.ExternalTicketID = strconv.Itoa(ticketID)
	return nil
}

func (f *fakeSentinel) ticketOf(eventID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threats[eventID].ExternalTicketID
}

// fakeManage is an in-memory PSA.
type fakeManage struct {
	mu         sync.Mutex
	companies  map[string][]connectwise.Company
	lookupErr  error
	lookups    int
	nextID     int
	created    []connectwise.NewTicket
	tickets    map[int]*connectwise.Ticket
	failCreate func(connectwise.NewTicket) bool
	failUpdate map[int]bool
}

func newFakeManage() *fakeManage {
	return &fakeManage{
		companies:  map[string][]connectwise.Company{},
		nextID:     555,
		tickets:    map[int]*connectwise.Ticket{},
		failUpdate: map[int]bool{},
	}
}

func (f *fakeManage) FindCompanies(ctx context.Context, name string) ([]connectwise.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.companies[name], nil
}

func (f *fakeManage) CreateTicket(ctx context.Context, nt connectwise.NewTicket) (connectwise.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil && f.failCreate(nt) {
		return connectwise.Ticket{}, errors.New("400 board is invalid")
	}
	id := f.nextID
	f.nextID++
	f.created = append(f.created, nt)
	t := &connectwise.Ticket{
		ID:      id,
		Summary: nt.Summary,
		Status:  connectwise.Ref{Name: nt.Status},
		Company: connectwise.Ref{ID: nt.CompanyID},
	}
	f.tickets[id] = t
	return *t, nil
}

func (f *fakeManage) GetTicket(ctx context.Context, id int) (connectwise.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return connectwise.Ticket{}, errors.New("404 ticket not found")
	}
	return *t, nil
}

func (f *fakeManage) UpdateTicketStatus(ctx context.Context, id int, status string) (connectwise.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate[id] {
		return connectwise.Ticket{}, errors.New("500 internal error")
	}
	t, ok := f.tickets[id]
	if !ok {
		return connectwise.Ticket{}, errors.New("404 ticket not found")
	}
	t.Status.Name = status
	return *t, nil
}

func (f *fakeManage) createdFor(computer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, nt := range f.created {
		if strings.Contains(nt.Summary, " on "+computer+" ") {
			n++
		}
	}
	return n
}

// recordingObserver counts Observer events.
type recordingObserver struct {
	mu        sync.Mutex
	fetched   int
	defaulted map[string]int
	created   int
	linked    int
	failed    map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{defaulted: map[string]int{}, failed: map[string]int{}}
}

func (o *recordingObserver) ThreatsFetched(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetched += n
}

func (o *recordingObserver) CompanyDefaulted(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaulted[reason]++
}

func (o *recordingObserver) TicketCreated() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *recordingObserver) LinkWritten() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.linked++
}

func (o *recordingObserver) PipelineFailed(stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[stage]++
}
