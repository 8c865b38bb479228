// Package observability provides OpenTelemetry metrics exported to Prometheus.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrSuccess = "success"
	attrSweep   = "sweep"
	attrAction  = "action"
	attrOp      = "op"
	attrState   = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func sweepAttr(sweep string) attribute.KeyValue {
	return attribute.String(attrSweep, sweep)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// normalizePath replaces job ids with a placeholder to bound cardinality.
// /v1/jobs/abc@x/requeue -> /v1/jobs/{jobId}/requeue
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + action
	}
	return prefix + "{jobId}"
}
