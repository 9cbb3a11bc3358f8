// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrImage      = "image"
	attrSuccess    = "success"
	attrAgent      = "agent"
	attrState      = "state"
	attrActionType = "type"
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

func imageAttr(image string) attribute.KeyValue {
	return attribute.String(attrImage, image)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func agentAttr(id string) attribute.KeyValue {
	return attribute.String(attrAgent, id)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func actionTypeAttr(t string) attribute.KeyValue {
	return attribute.String(attrActionType, t)
}

// normalizePath replaces agent ids with a placeholder to bound cardinality.
// Routers that know their route pattern should pass it instead.
func normalizePath(path string) string {
	const prefix = "/v1/agents/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{agentId}" + rest[i:]
	}
	return prefix + "{agentId}"
}
