package fhir

import (
	"fmt"
	"strings"
)

// Reference is a parsed "Kind/id" resource pointer.
type Reference struct {
	Kind string
	ID   string
}

// String renders the reference in its canonical "Kind/id" wire form.
func (ref Reference) String() string {
	return ref.Kind + "/" + ref.ID
}

// ParseReference splits a reference string into kind and id. Absolute URLs
// are reduced to their trailing Kind/id segments. Placeholder (urn:) and
// fragment (#) references do not parse.
func ParseReference(value string) (Reference, bool) {
	if value == "" || strings.HasPrefix(value, "urn:") || strings.HasPrefix(value, "#") {
		return Reference{}, false
	}
	parts := strings.Split(value, "/")
	if len(parts) < 2 {
		return Reference{}, false
	}
	kind := parts[len(parts)-2]
	id := parts[len(parts)-1]
	if kind == "" || id == "" {
		return Reference{}, false
	}
	return Reference{Kind: kind, ID: id}, true
}

// ReferenceValue extracts the reference string from an extracted leaf: either
// a {reference: "Kind/id"} object or a plain string.
func ReferenceValue(leaf interface{}) (string, bool) {
	switch v := leaf.(type) {
	case string:
		return v, v != ""
	case map[string]interface{}:
		ref, _ := v["reference"].(string)
		return ref, ref != ""
	default:
		return "", false
	}
}

// MakeReference builds a reference object for embedding in resource content.
func MakeReference(kind, id string) map[string]interface{} {
	return map[string]interface{}{
		"reference": fmt.Sprintf("%s/%s", kind, id),
	}
}

// WalkReferences visits every {reference: "..."} substructure in the value,
// including nested objects and arrays.
func WalkReferences(value interface{}, visit func(ref string)) {
	switch v := value.(type) {
	case map[string]interface{}:
		if ref, ok := v["reference"].(string); ok && ref != "" {
			visit(ref)
		}
		for _, child := range v {
			WalkReferences(child, visit)
		}
	case []interface{}:
		for _, child := range v {
			WalkReferences(child, visit)
		}
	}
}
