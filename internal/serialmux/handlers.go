package serialmux

import (
	"encoding/json"
	"fmt"

	"github.com/helmworks/steadystick/internal/monitoring"
)

// CurrentState holds the latest config values received from the bridge
// and is intentionally package-level so admin routes or tests can inspect it.
// It is updated only from the housekeeping subscriber goroutine.
var CurrentState map[string]any

// LastStatus holds the most recent status report from the bridge (uptime,
// supply voltage, dropped-sample counters).
var LastStatus map[string]any

// HandleStatus records a bridge status report.
func HandleStatus(payload string) error {
	var status map[string]any

	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %v", err)
	}

	LastStatus = status
	monitoring.Logf("Bridge Status Line: %+v", payload)

	return nil
}

// HandleConfigResponse merges a config echo from the bridge into CurrentState.
func HandleConfigResponse(payload string) error {
	var configValues map[string]any

	if err := json.Unmarshal([]byte(payload), &configValues); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %v", err)
	}

	// update the current state with the new config values
	if CurrentState == nil {
		CurrentState = make(map[string]any)
	}
	for k, v := range configValues {
		CurrentState[k] = v
	}

	// log the current line
	monitoring.Logf("Config Line: %+v", payload)

	return nil
}

// HandleEvent routes housekeeping lines from the bridge. Sample lines are
// deliberately skipped here: they reach the conditioning pipeline through the
// sample source's own subscription, and double-handling them at 60 Hz would
// just burn log volume.
func HandleEvent(payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypeSample:
		return nil
	case EventTypeStatus:
		if err := HandleStatus(payload); err != nil {
			return fmt.Errorf("failed to handle status event: %v", err)
		}
	case EventTypeConfig:
		if err := HandleConfigResponse(payload); err != nil {
			return fmt.Errorf("failed to handle config response: %v", err)
		}
	default:
		monitoring.Logf("unknown event type: %s", payload)
	}
	return nil
}
