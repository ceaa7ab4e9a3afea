// Package alert derives alerts from alert-class events and stores them
// with per-device, per-metric deduplication.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/event"
)

// Severity ranks how urgent an alert is.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a raised condition on a device.
type Alert struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	EventID   string    `json:"eventId"`
	Severity  Severity  `json:"severity"`
	Metric    string    `json:"metric"`
	Value     *float64  `json:"value,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

var defaultSeverity = map[event.Type]Severity{
	event.TypeAlertTriggered: SeverityHigh,
	event.TypeErrorReported:  SeverityHigh,
	event.TypeAccessDenied:   SeverityMedium,
}

// FromEvent builds the alert an event raises, or nil for event types
// that never raise one.
//
// Recognised payload keys: severity, metric, value, threshold, message.
func FromEvent(deviceID, eventID string, t event.Type, payload map[string]any) *Alert {
	if !t.IsAlert() {
		return nil
	}

	a := &Alert{
		DeviceID: deviceID,
		EventID:  eventID,
		Severity: defaultSeverity[t],
		Metric:   strings.ToLower(string(t)),
	}
	if s, ok := payload["severity"].(string); ok {
		if sev, known := parseSeverity(s); known {
			a.Severity = sev
		}
	}
	if m, ok := payload["metric"].(string); ok && m != "" {
		a.Metric = m
	}
	a.Value = number(payload["value"])
	a.Threshold = number(payload["threshold"])

	if msg, ok := payload["message"].(string); ok && msg != "" {
		a.Message = msg
	} else {
		a.Message = defaultMessage(t, a)
	}
	return a
}

func parseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToUpper(s)); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	}
	return "", false
}

func number(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	}
	return nil
}

func defaultMessage(t event.Type, a *Alert) string {
	if a.Value != nil && a.Threshold != nil {
		return fmt.Sprintf("%s: %s %g exceeds threshold %g", t, a.Metric, *a.Value, *a.Threshold)
	}
	return fmt.Sprintf("%s on device %s", t, a.DeviceID)
}
