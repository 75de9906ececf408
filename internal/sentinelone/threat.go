// Package sentinelone talks to the SentinelOne management API: listing
// threats, writing external ticket ids back, and pushing verdicts.
package sentinelone

import "time"

// Threat is a detection record flattened to the fields the ticket needs.
// EventID is its identity.
type Threat struct {
	EventID           string
	AgentUUID         string
	LoggedInUser      string
	IPv4              string
	SiteID            string
	SiteName          string
	AgentComputerName string
	MitigationStatus  string
	FilePath          string
	ProcessUser       string
	AnalystVerdict    string
	IncidentStatus    string
	// Details is the first indicator on the threat; nil when the API has none.
	Details *Indicator
	// ExternalTicketID is empty until a ticket has been linked.
	ExternalTicketID string
	CreatedAt        time.Time
}

// Indicator carries the optional category/description pair.
type Indicator struct {
	Category    string
	Description string
}

// Linked reports whether the threat already carries a ticket id.
func (t Threat) Linked() bool {
	return t.ExternalTicketID != ""
}

// rawThreat mirrors the subset of the /threats response that is used.
type rawThreat struct {
	ID                 string `json:"id"`
	AgentDetectionInfo struct {
		AgentUUID                 string `json:"agentUuid"`
		AgentLastLoggedInUserName string `json:"agentLastLoggedInUserName"`
		AgentIPv4                 string `json:"agentIpV4"`
		SiteID                    string `json:"siteId"`
		SiteName                  string `json:"siteName"`
	} `json:"agentDetectionInfo"`
	AgentRealtimeInfo struct {
		AgentComputerName string `json:"agentComputerName"`
	} `json:"agentRealtimeInfo"`
	Indicators []struct {
		Category    string `json:"category"`
		Description string `json:"description"`
	} `json:"indicators"`
	ThreatInfo struct {
		FilePath         string    `json:"filePath"`
		ProcessUser      string    `json:"processUser"`
		MitigationStatus string    `json:"mitigationStatus"`
		AnalystVerdict   string    `json:"analystVerdict"`
		IncidentStatus   string    `json:"incidentStatus"`
		ExternalTicketID *string   `json:"externalTicketId"`
		CreatedAt        time.Time `json:"createdAt"`
	} `json:"threatInfo"`
}

func (r rawThreat) toThreat() Threat {
	t := Threat{
		EventID:           r.ID,
		AgentUUID:         r.AgentDetectionInfo.AgentUUID,
		LoggedInUser:      r.AgentDetectionInfo.AgentLastLoggedInUserName,
		IPv4:              r.AgentDetectionInfo.AgentIPv4,
		SiteID:            r.AgentDetectionInfo.SiteID,
		SiteName:          r.AgentDetectionInfo.SiteName,
		AgentComputerName: r.AgentRealtimeInfo.AgentComputerName,
		MitigationStatus:  r.ThreatInfo.MitigationStatus,
		FilePath:          r.ThreatInfo.FilePath,
		ProcessUser:       r.ThreatInfo.ProcessUser,
		AnalystVerdict:    r.ThreatInfo.AnalystVerdict,
		IncidentStatus:    r.ThreatInfo.IncidentStatus,
		CreatedAt:         r.ThreatInfo.CreatedAt,
	}
	if r.ThreatInfo.ExternalTicketID != nil {
		t.ExternalTicketID = *r.ThreatInfo.ExternalTicketID
	}
	if len(r.Indicators) > 0 {
		t.Details = &Indicator{
			Category:    r.Indicators[0].Category,
			Description: r.Indicators[0].Description,
		}
	}
	return t
}

// WindowStart returns the first instant of the processing window containing
// now: day one of now's month at hour:00:00 UTC.
func WindowStart(now time.Time, hour int) time.Time {
	return time.Date(now.Year(), now.Month(), 1, hour, 0, 0, 0, time.UTC)
}

// FormatTimestamp renders t the way the createdAt filters expect (2018-01-01T06:00:00Z).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
