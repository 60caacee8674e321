// Package fhirpath implements the restricted path grammar used by search
// parameter expressions: `Kind.field[.field]*` with optional unions (`|`),
// `.where(...)` predicates, `.as(T)` casts, `.resolve()` and trailing `[N]`
// indexers. It walks a resource's JSON along such a path and yields the leaf
// values the indexer turns into rows and columns.
//
// This is deliberately not a full FHIRPath evaluator. Predicates are dropped
// (only the path shape matters for extraction), casts collapse to the
// concrete choice field, and resolve() is a no-op.
package fhirpath

import (
	"strconv"
	"strings"

	"github.com/vitalbase/vitalbase/fhir"
)

// step is one dot-separated segment of a path: a field name plus an optional
// array indexer.
type step struct {
	field string
	index int // -1 when no indexer
}

// Extract evaluates the expression against the resource and returns the leaf
// values in document order. Leaves are primitives (string, float64, bool) or
// object leaves such as Coding, Reference and HumanName maps. A nil return
// means the path matched nothing.
func Extract(resource fhir.Resource, expression string) []interface{} {
	var out []interface{}
	for _, segment := range splitUnion(expression) {
		steps, ok := compile(segment, resource.Kind())
		if !ok {
			continue
		}
		out = append(out, walk(map[string]interface{}(resource), steps)...)
	}
	return out
}

// ExtractStrings extracts leaves and keeps only the string values.
func ExtractStrings(resource fhir.Resource, expression string) []string {
	leaves := Extract(resource, expression)
	out := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		if s, ok := leaf.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitUnion splits an expression on `|` at parenthesis depth zero.
func splitUnion(expression string) []string {
	var segments []string
	depth := 0
	start := 0
	for i := 0; i < len(expression); i++ {
		switch expression[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '|':
			if depth == 0 {
				segments = append(segments, strings.TrimSpace(expression[start:i]))
				start = i + 1
			}
		}
	}
	segments = append(segments, strings.TrimSpace(expression[start:]))
	return segments
}

// compile turns one union segment into walkable steps. The first identifier
// must equal the resource kind or the segment is discarded. where() is
// stripped, as(T) collapses into the preceding field, resolve() vanishes.
func compile(segment, kind string) ([]step, bool) {
	parts := splitPath(segment)
	if len(parts) == 0 || parts[0] != kind {
		return nil, false
	}
	var steps []step
	for _, part := range parts[1:] {
		switch {
		case part == "" || part == "resolve()":
			continue
		case strings.HasPrefix(part, "where("):
			continue
		case strings.HasPrefix(part, "as(") && strings.HasSuffix(part, ")"):
			if len(steps) == 0 {
				return nil, false
			}
			cast := part[len("as(") : len(part)-1]
			steps[len(steps)-1].field += capitalize(strings.TrimSpace(cast))
		default:
			steps = append(steps, parseStep(part))
		}
	}
	if len(steps) == 0 {
		return nil, false
	}
	return steps, true
}

// splitPath splits a segment on `.` at parenthesis depth zero.
func splitPath(segment string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(segment); i++ {
		switch segment[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '.':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(segment[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(segment[start:]))
	return parts
}

// parseStep splits a trailing `[N]` indexer off a field name.
func parseStep(part string) step {
	s := step{field: part, index: -1}
	open := strings.IndexByte(part, '[')
	if open < 0 || !strings.HasSuffix(part, "]") {
		return s
	}
	n, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil || n < 0 {
		return s
	}
	s.field = part[:open]
	s.index = n
	return s
}

// walk descends the JSON value along the steps, flattening arrays at every
// level and applying indexers where present.
func walk(value interface{}, steps []step) []interface{} {
	current := []interface{}{value}
	for _, st := range steps {
		var next []interface{}
		for _, v := range current {
			obj, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			child, ok := obj[st.field]
			if !ok || child == nil {
				continue
			}
			if list, ok := child.([]interface{}); ok {
				if st.index >= 0 {
					if st.index < len(list) {
						next = append(next, list[st.index])
					}
					continue
				}
				next = append(next, list...)
				continue
			}
			if st.index > 0 {
				continue
			}
			next = append(next, child)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	out := make([]interface{}, 0, len(current))
	for _, v := range current {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
