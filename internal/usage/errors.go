package usage

import (
	"errors"
	"strings"
)

var (
	// ErrRequestFailed is returned when every attempt to reach the usage API failed.
	ErrRequestFailed = errors.New("usage request failed")
	// ErrResponseMalformed is returned when the response body is not valid JSON.
	ErrResponseMalformed = errors.New("usage response is not valid JSON")
	// ErrUnrecognizedResponse is returned when the JSON body does not have the
	// expected usage_metrics shape.
	ErrUnrecognizedResponse = errors.New("unrecognized usage response")
	// ErrMetricsNotConfigured is returned when the API reports metrics that
	// have no entry in the configured usage metrics.
	ErrMetricsNotConfigured = errors.New("usage metrics not configured")
)

// MetricsNotConfiguredError lists the reported metrics that are missing from
// the configuration, in the order they were first seen.
type MetricsNotConfiguredError struct {
	Metrics []string
}

func (e *MetricsNotConfiguredError) Error() string {
	return ErrMetricsNotConfigured.Error() + ": " + strings.Join(e.Metrics, ", ")
}

func (e *MetricsNotConfiguredError) Unwrap() error {
	return ErrMetricsNotConfigured
}

// Reason returns a short label for err suitable for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRequestFailed):
		return "request_failed"
	case errors.Is(err, ErrResponseMalformed):
		return "response_malformed"
	case errors.Is(err, ErrUnrecognizedResponse):
		return "unrecognized_response"
	case errors.Is(err, ErrMetricsNotConfigured):
		return "metrics_not_configured"
	default:
		return "other"
	}
}
