// Package telemetry provides OpenTelemetry wiring and semantic conventions for tickwire.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by tickwire instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrConnectionState labels connection lifecycle signals (connecting, open, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrEventType is the bus event kind (open, message, close, error).
	AttrEventType = attribute.Key("event.type")
	// AttrMessageType is the server msg_type of a decoded frame.
	AttrMessageType = attribute.Key("message.type")
	// AttrSymbol captures the instrument symbol of a tick subscription.
	AttrSymbol = attribute.Key("symbol")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides free-form context for failures.
	AttrReason = attribute.Key("reason")
	// AttrErrorType categorizes failures by errs.Code.
	AttrErrorType = attribute.Key("error.type")
	// AttrAccountPool distinguishes real and demo accounts.
	AttrAccountPool = attribute.Key("account.pool")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultCancel  = "cancelled"
)

// ConnectionAttributes returns attributes for connection lifecycle metrics.
func ConnectionAttributes(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnectionState.String(state),
	}
}

// EventAttributes returns attributes for bus metrics.
func EventAttributes(eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventType.String(eventType),
	}
}

// RequestAttributes returns attributes for correlated request metrics.
func RequestAttributes(messageType, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrResult.String(result),
	}
	if messageType != "" {
		attrs = append(attrs, AttrMessageType.String(messageType))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(errorType, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrErrorType.String(errorType),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}
