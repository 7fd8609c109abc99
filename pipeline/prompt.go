package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/pyama86/mixstatus/domain/entity"
)

const summarySystemPrompt = `You turn incident and maintenance notices from third-party status pages into structured JSON.

Fields:
- title: a short, plain-language title for the event.
- description: one to three sentences describing what happened and where things stand now. Do not include links.
- severity: one of critical, major, minor, maintenance. Judge it as accurately as the description allows.
  - critical: very high impact, such as a complete outage, a confidentiality or privacy breach, or customer data loss.
  - major: high impact, such as a partial outage, a significant performance degradation, a data integrity issue, or a customer-facing service unavailable for a large subset of customers.
  - minor: low impact, such as a minor performance degradation, or a non-customer-facing service unavailable for a smaller subset of customers.
  - maintenance: planned work, such as a deployment, a database migration or a network configuration change.
- parsed_events: every dated update found in the notice, oldest first.
  - status is one of ongoing, resolved, maintenance. Investigating, identified, monitoring and update all mean ongoing.
  - timestamp is ISO-8601 in UTC. When a date is relative or missing, anchor it to the original publish date.
- recent_status: the status of the latest update, using the same values as parsed_events.
- affected_components: every affected component found in the notice, as lowercase strings. Include specific services, service names, carrier names and network providers mentioned in the description in addition to the general components and regions affected.
  - service "AT&T" gives ["at&t", "sms", "carrier"].
  - feature "Webhook notifications" delayed gives ["webhook notifications", "webhooks", "notifications"].
- affected_region: one of north-america, europe, asia, australasia, south-america, global. Use global when more than one region is affected or no region is stated.
- maintenance_minutes: only for maintenance. Use the stated duration, otherwise the minutes between the update saying work is in progress and the update saying it completed. Use null when unknown or when the event is not maintenance.

Answer with the JSON object only.`

const exampleUser = `Original publish date: 2024-03-12T09:40:00.000Z
Title: Elevated error rates for image uploads
Description:
Resolved - Uploads are succeeding again and error rates are back to normal.
Mar 12, 10:25 UTC
Monitoring - A fix has been rolled out to the storage nodes in Amsterdam. We are monitoring the results.
Mar 12, 10:05 UTC
Investigating - Some customers are seeing failures when uploading images through the API and dashboard.
Mar 12, 09:40 UTC`

const exampleAssistant = `{"title":"Image upload failures","description":"Image uploads through the API and dashboard failed for some customers because of a problem with storage nodes in Amsterdam. A fix was rolled out and uploads have recovered.","severity":"minor","recent_status":"resolved","maintenance_minutes":null,"parsed_events":[{"status":"ongoing","description":"Some customers are seeing failures when uploading images through the API and dashboard.","timestamp":"2024-03-12T09:40:00.000Z"},{"status":"ongoing","description":"A fix has been rolled out to the storage nodes in Amsterdam and is being monitored.","timestamp":"2024-03-12T10:05:00.000Z"},{"status":"resolved","description":"Uploads are succeeding again and error rates are back to normal.","timestamp":"2024-03-12T10:25:00.000Z"}],"affected_components":["image uploads","api","dashboard","amsterdam"],"affected_region":"europe"}`

const timespanSystemPrompt = `You calculate how long a third-party status page event lasted.

Return calculated_minutes as the whole number of minutes between the first update and the update that resolved or completed the event.
For maintenance, use the stated duration of the work if there is one.
Use null when the event is still ongoing or the notice has no usable time information.

Answer with the JSON object only.`

var statusEnum = []any{"ongoing", "resolved", "maintenance"}

var summarySchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required": []any{
		"title", "description", "severity", "recent_status", "maintenance_minutes",
		"parsed_events", "affected_components", "affected_region",
	},
	"properties": map[string]any{
		"title":         map[string]any{"type": "string"},
		"description":   map[string]any{"type": "string"},
		"severity":      map[string]any{"type": "string", "enum": []any{"critical", "major", "minor", "maintenance"}},
		"recent_status": map[string]any{"type": "string", "enum": statusEnum},
		"maintenance_minutes": map[string]any{
			"type": []any{"integer", "null"},
		},
		"parsed_events": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []any{"status", "description", "timestamp"},
				"properties": map[string]any{
					"status":      map[string]any{"type": "string", "enum": statusEnum},
					"description": map[string]any{"type": "string"},
					"timestamp":   map[string]any{"type": "string"},
				},
			},
		},
		"affected_components": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"affected_region": map[string]any{
			"type": "string",
			"enum": []any{"north-america", "europe", "asia", "australasia", "south-america", "global"},
		},
	},
}

var timespanSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []any{"calculated_minutes"},
	"properties": map[string]any{
		"calculated_minutes": map[string]any{"type": []any{"integer", "null"}},
	},
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func eventInput(ev *entity.ServiceEvent, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original publish date: %s\n", formatTimestamp(ev.OriginalPubDate))
	fmt.Fprintf(&b, "Title: %s\n", ev.Title)
	b.WriteString("Description:\n")
	b.WriteString(body)
	return b.String()
}

func timespanInput(ev *entity.ServiceEvent, body string) string {
	var b strings.Builder
	b.WriteString(eventInput(ev, body))
	if len(ev.ParsedEvents) > 0 {
		b.WriteString("\n\nKnown updates:\n")
		for _, p := range ev.ParsedEvents {
			fmt.Fprintf(&b, "- %s [%s] %s\n", formatTimestamp(p.Timestamp), p.Status, p.Description)
		}
	}
	return b.String()
}
