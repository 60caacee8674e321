// Package fhir defines the resource model shared by every layer of the server:
// a resource is a JSON-shaped record with a declared kind, a server-assigned
// identity and a monotonically changing version. The package also provides the
// operation outcome error taxonomy and the identifier/token hash utilities.
package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is a generic resource handle: a JSON object carrying a required
// "kind" field plus arbitrary content. Per-kind logic never materializes
// typed structs; it consults declared paths through the search registry.
type Resource map[string]interface{}

// ParseResource decodes a JSON document into a Resource and verifies that a
// kind is declared.
func ParseResource(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, BadRequest("invalid resource JSON: %v", err)
	}
	if r.Kind() == "" {
		return nil, BadRequest("resource is missing the required kind field")
	}
	return r, nil
}

// Kind returns the declared resource kind, or "" when absent.
func (r Resource) Kind() string {
	kind, _ := r["kind"].(string)
	return kind
}

// ID returns the resource id, or "" when not yet assigned.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// SetID assigns the resource id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// Meta returns the meta block, creating it when absent.
func (r Resource) Meta() map[string]interface{} {
	if meta, ok := r["meta"].(map[string]interface{}); ok {
		return meta
	}
	meta := map[string]interface{}{}
	r["meta"] = meta
	return meta
}

// VersionID returns meta.versionId, or "" when absent.
func (r Resource) VersionID() string {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return ""
	}
	vid, _ := meta["versionId"].(string)
	return vid
}

// LastUpdated returns meta.lastUpdated as an instant.
func (r Resource) LastUpdated() (time.Time, bool) {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return time.Time{}, false
	}
	raw, _ := meta["lastUpdated"].(string)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Stamp sets meta.versionId and meta.lastUpdated. The instant is rendered in
// UTC with millisecond precision, the canonical wire form for lastUpdated.
func (r Resource) Stamp(versionID string, lastUpdated time.Time) {
	meta := r.Meta()
	meta["versionId"] = versionID
	meta["lastUpdated"] = lastUpdated.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Source returns meta.source, or "".
func (r Resource) Source() string {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return ""
	}
	src, _ := meta["source"].(string)
	return src
}

// Profiles returns meta.profile as a string slice.
func (r Resource) Profiles() []string {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	return toStrings(meta["profile"])
}

// Tags returns meta.tag entries.
func (r Resource) Tags() []interface{} {
	return metaList(r, "tag")
}

// SecurityLabels returns meta.security entries.
func (r Resource) SecurityLabels() []interface{} {
	return metaList(r, "security")
}

func metaList(r Resource, key string) []interface{} {
	meta, ok := r["meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	list, _ := meta[key].([]interface{})
	return list
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return Resource(deepCopyMap(r))
}

// JSON renders the resource as compact JSON.
func (r Resource) JSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource: %w", err)
	}
	return data, nil
}

// Equal reports whether two resources encode to the same JSON value.
func (r Resource) Equal(other Resource) bool {
	a, err := json.Marshal(r)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func toStrings(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
