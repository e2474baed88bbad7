package serialmux

import "strings"

const (
	EventTypeSample  = "sample"
	EventTypeStatus  = "status"
	EventTypeConfig  = "config"
	EventTypeUnknown = "unknown"
)

// ClassifyPayload inspects a bridge line and returns a simple event type
// token. The classification is intentionally conservative: sample lines are
// the hot path at 60 Hz, so they are matched on field names rather than
// parsed.
func ClassifyPayload(payload string) string {
	if !strings.HasPrefix(payload, "{") {
		return EventTypeUnknown
	}
	if strings.Contains(payload, `"x"`) && strings.Contains(payload, `"y"`) {
		return EventTypeSample
	}
	if strings.Contains(payload, "uptime") || strings.Contains(payload, "vcc") {
		return EventTypeStatus
	}
	return EventTypeConfig
}
