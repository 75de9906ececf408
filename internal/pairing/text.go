package pairing

import (
	"fmt"
	"strings"

	"github.com/iyulab/threatlink/internal/sentinelone"
)

// NoDetailsMarker replaces the category line when the threat has no indicator.
const NoDetailsMarker = "No Specific Details Available via API"

// TicketSummary is the one-line ticket title.
func TicketSummary(platform string, t sentinelone.Threat) string {
	return fmt.Sprintf("%s Incident on %s for %s", platform, t.AgentComputerName, t.SiteName)
}

// TicketDescription renders the ticket body. Downstream automations parse
// these lines, so labels and order must not change.
func TicketDescription(t sentinelone.Threat, consoleHost string) string {
	lines := []string{
		"Host: " + t.AgentComputerName,
		"Logged In User: " + t.LoggedInUser,
		"Process User: " + t.ProcessUser,
		"File Path: " + t.FilePath,
		"Mitigation Status: " + t.MitigationStatus,
	}
	if t.Details != nil {
		lines = append(lines, "Category: "+t.Details.Category)
	} else {
		lines = append(lines, NoDetailsMarker)
	}
	lines = append(lines, "Sentinel Agent UUID: "+t.AgentUUID)
	if t.Details != nil {
		lines = append(lines, "Description: "+t.Details.Description)
	}
	lines = append(lines, "Direct Incident Link: "+IncidentLink(consoleHost, t.EventID))
	return strings.Join(lines, "\n\n")
}

// IncidentLink is the console deep link to a threat's overview page.
func IncidentLink(consoleHost, eventID string) string {
	return "https://" + consoleHost + "/incidents/threats/" + eventID + "/overview"
}
