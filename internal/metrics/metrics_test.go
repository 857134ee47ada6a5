package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeMethod(t *testing.T) {
	tests := []struct {
		method   string
		expected string
	}{
		{method: "get", expected: "GET"},
		{method: "POST", expected: "POST"},
		{method: "OPTIONS", expected: "OPTIONS"},
		{method: "connect", expected: "CONNECT"},
		{method: "trace", expected: "TRACE"},
		{method: "UNKNOWN", expected: "OTHER"},
		{method: strings.Repeat("ohno", 9999), expected: "OTHER"},
	}

	for _, d := range tests {
		actual := SanitizeMethod(d.method)
		if actual != d.expected {
			t.Errorf("Not same: expected %#v, but got %#v", d.expected, actual)
		}
	}
}

func TestHostMetrics_UpdateIncrementsNodeRequests(t *testing.T) {
	h := NewHostMetrics("node-metrics-test.example")
	before := testutil.ToFloat64(NodeRequests.WithLabelValues(h.node, "GET", "2xx"))

	h.Update("get", "2xx", 15*time.Millisecond)

	after := testutil.ToFloat64(NodeRequests.WithLabelValues(h.node, "GET", "2xx"))
	if after != before+1 {
		t.Errorf("expected NodeRequests to increment by 1, got %v -> %v", before, after)
	}
}

func TestHostMetrics_UpdateIOErrorIncrementsNodeIOErrors(t *testing.T) {
	h := NewHostMetrics("node-ioerror-test.example")
	before := testutil.ToFloat64(NodeIOErrors.WithLabelValues(h.node))

	h.UpdateIOError()

	after := testutil.ToFloat64(NodeIOErrors.WithLabelValues(h.node))
	if after != before+1 {
		t.Errorf("expected NodeIOErrors to increment by 1, got %v -> %v", before, after)
	}
}
