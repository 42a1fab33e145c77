package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const usageMetricsKey = "usage_metrics"

// Record maps a usage metric name to its reported count.
type Record map[string]int64

// Snapshot is a Record together with the time it was collected.
type Snapshot struct {
	Metrics       Record    `json:"metrics"`
	ReportingTime time.Time `json:"reporting_time"`
}

// usageEntry is one element of the usage_metrics list.
type usageEntry struct {
	UsageMetric *string      `json:"usage_metric"`
	Count       *json.Number `json:"count"`
}

// Extract parses an API response body into a Record. Every reported metric
// must appear in expected; entries without a count are recorded as 0.
func Extract(body []byte, expected []string, logger *logrus.Entry) (Record, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s", ErrResponseMalformed, summarizeBody(body))
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrUnrecognizedResponse)
	}

	raw, ok := top[usageMetricsKey]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: missing %q in %s", ErrUnrecognizedResponse, usageMetricsKey, summarizeBody(body))
	}

	var entries []usageEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %q is not a list of usage metrics: %w", ErrUnrecognizedResponse, usageMetricsKey, err)
	}

	allowed := make(map[string]struct{}, len(expected))
	for _, name := range expected {
		allowed[name] = struct{}{}
	}

	record := make(Record, len(entries))
	seen := make(map[string]struct{})
	var unconfigured []string

	for i, entry := range entries {
		if entry.UsageMetric == nil || *entry.UsageMetric == "" {
			return nil, fmt.Errorf("%w: entry %d has no usage_metric", ErrUnrecognizedResponse, i)
		}
		name := *entry.UsageMetric

		var count int64
		if entry.Count == nil {
			logger.WithField("usage_metric", name).Warn("usage metric reported without a count, recording 0")
		} else {
			n, err := entry.Count.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: count %q of %s is not an integer", ErrUnrecognizedResponse, entry.Count.String(), name)
			}
			count = n
		}
		record[name] = count

		if _, ok := allowed[name]; ok {
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			unconfigured = append(unconfigured, name)
		}
	}

	if len(unconfigured) > 0 {
		return nil, &MetricsNotConfiguredError{Metrics: unconfigured}
	}

	return record, nil
}

// summarizeBody returns a short summary of an HTTP response body suitable for
// error messages.
func summarizeBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty body"
	}
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
