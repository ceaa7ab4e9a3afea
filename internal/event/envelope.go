package event

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Envelope field names on the wire.
const (
	fieldEventUUID      = "eventUuid"
	fieldIdempotencyKey = "idempotencyKey"
	fieldDeviceUUID     = "deviceUuid"
	fieldEventType      = "eventType"
	fieldPayload        = "payload"
	fieldTimestamp      = "timestamp"
)

var (
	errNotString  = validation.NewError("validation_not_string", "must be a string")
	errNotObject  = validation.NewError("validation_not_object", "must be a JSON object")
	errUnknown    = validation.NewError("validation_unknown_event_type", "is not a known event type")
	errBadInstant = validation.NewError("validation_bad_timestamp", "must be an ISO-8601 timestamp or epoch milliseconds")
)

// envelopeRules validates a decoded JSON object. Extra keys are ignored.
var envelopeRules = validation.Map(
	validation.Key(fieldEventUUID, validation.By(isString), validation.Required),
	validation.Key(fieldIdempotencyKey, validation.By(isString), validation.Required),
	validation.Key(fieldDeviceUUID, validation.By(isString), validation.Required),
	validation.Key(fieldEventType, validation.By(isString), validation.By(isKnownType)),
	validation.Key(fieldPayload, validation.By(isObject)),
	validation.Key(fieldTimestamp, validation.By(isTimestamp)).Optional(),
).AllowExtraKeys()

// ParseEnvelope validates a decoded broker body into an IncomingEvent.
//
// raw is whatever encoding/json produced for the body. Any rejection is a
// *ValidationError. A missing timestamp defaults to now.
func ParseEnvelope(raw any, now time.Time) (IncomingEvent, error) {
	obj, ok := raw.(map[string]any)
	if !ok || obj == nil {
		return IncomingEvent{}, &ValidationError{Reason: "envelope must be a JSON object"}
	}

	if err := envelopeRules.Validate(obj); err != nil {
		var internal validation.InternalError
		if errors.As(err, &internal) {
			return IncomingEvent{}, fmt.Errorf("validating envelope: %w", err)
		}
		return IncomingEvent{}, &ValidationError{Reason: "envelope rejected", Err: err}
	}

	evt := IncomingEvent{
		EventUUID:      obj[fieldEventUUID].(string),
		IdempotencyKey: obj[fieldIdempotencyKey].(string),
		DeviceUUID:     obj[fieldDeviceUUID].(string),
		EventType:      Type(obj[fieldEventType].(string)),
		Payload:        obj[fieldPayload].(map[string]any),
		Timestamp:      now.UTC(),
	}

	if ts, present := obj[fieldTimestamp]; present && ts != nil {
		parsed, err := parseInstant(ts)
		if err != nil {
			return IncomingEvent{}, &ValidationError{Reason: "timestamp", Err: err}
		}
		evt.Timestamp = parsed
	}

	return evt, nil
}

func isString(value any) error {
	if _, ok := value.(string); !ok {
		return errNotString
	}
	return nil
}

func isKnownType(value any) error {
	s, _ := value.(string)
	if !Type(s).Valid() {
		return errUnknown
	}
	return nil
}

func isObject(value any) error {
	if m, ok := value.(map[string]any); !ok || m == nil {
		return errNotObject
	}
	return nil
}

func isTimestamp(value any) error {
	if value == nil {
		return nil
	}
	if _, err := parseInstant(value); err != nil {
		return errBadInstant
	}
	return nil
}

// parseInstant accepts RFC 3339 strings (with or without fractional
// seconds) and JSON numbers holding epoch milliseconds.
func parseInstant(value any) (time.Time, error) {
	switch v := value.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, errBadInstant
	}
}
