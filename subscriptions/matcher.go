package subscriptions

import (
	"strings"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/fhirpath"
	"github.com/vitalbase/vitalbase/search"
)

// Matches evaluates a parsed criteria request against a resource in process,
// without touching the database. Criteria are static filters: every
// parameter must match (AND), any of its values may match (OR).
func Matches(req *search.Request, resource fhir.Resource) bool {
	if req == nil || resource == nil || resource.Kind() != req.Kind {
		return false
	}
	for _, p := range req.Params {
		if !paramMatches(p, resource) {
			return false
		}
	}
	return true
}

func paramMatches(p *search.Param, resource fhir.Resource) bool {
	if p.Code == search.ParamID {
		return anyValue(p, func(v string) bool { return v == resource.ID() })
	}
	impl := p.Impl
	if impl == nil || p.Chained() {
		// Filters the in-process matcher cannot evaluate never match.
		return false
	}

	leaves := fhirpath.Extract(resource, impl.Expression)
	switch impl.Type {
	case search.TypeToken:
		tokens := leafTokens(leaves)
		return anyValue(p, func(v string) bool { return tokenMatches(tokens, v) })
	case search.TypeString:
		texts := leafStrings(leaves)
		return anyValue(p, func(v string) bool { return stringMatches(texts, v) })
	case search.TypeReference:
		refs := leafReferences(leaves)
		return anyValue(p, func(v string) bool { return referenceMatches(refs, v) })
	case search.TypeDate:
		days := leafStrings(leaves)
		return anyValue(p, func(v string) bool { return dateMatches(days, v) })
	case search.TypeURI:
		texts := leafStrings(leaves)
		return anyValue(p, func(v string) bool { return contains(texts, v) })
	default:
		return false
	}
}

func anyValue(p *search.Param, match func(string) bool) bool {
	for _, v := range p.Values {
		if match(v.Raw) {
			return true
		}
	}
	return false
}

// tokenMatches checks "system|code" membership: a qualified value matches
// exactly, a bare code matches regardless of system.
func tokenMatches(pairs []string, value string) bool {
	_, _, qualified := strings.Cut(value, "|")
	for _, pair := range pairs {
		if qualified {
			if pair == value {
				return true
			}
			continue
		}
		if pair == value || strings.HasSuffix(pair, "|"+value) {
			return true
		}
	}
	return false
}

// stringMatches applies the default case-folded prefix semantics.
func stringMatches(texts []string, value string) bool {
	folded := strings.ToLower(value)
	for _, text := range texts {
		if strings.HasPrefix(strings.ToLower(text), folded) {
			return true
		}
	}
	return false
}

func referenceMatches(refs []string, value string) bool {
	for _, ref := range refs {
		if ref == value {
			return true
		}
		// a bare id matches any kind qualification
		if !strings.Contains(value, "/") && strings.HasSuffix(ref, "/"+value) {
			return true
		}
	}
	return false
}

// dateMatches compares at day precision.
func dateMatches(values []string, value string) bool {
	day := truncateDay(value)
	if day == "" {
		return false
	}
	for _, v := range values {
		if truncateDay(v) == day {
			return true
		}
	}
	return false
}

func truncateDay(v string) string {
	if len(v) < 10 {
		return ""
	}
	return v[:10]
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// leafTokens flattens extracted values to "system|code" pairs, handling
// primitive codes, Coding, CodeableConcept, Identifier and ContactPoint
// shapes.
func leafTokens(leaves []interface{}) []string {
	var pairs []string
	for _, leaf := range leaves {
		switch v := leaf.(type) {
		case string:
			pairs = append(pairs, v)
		case bool:
			if v {
				pairs = append(pairs, "true")
			} else {
				pairs = append(pairs, "false")
			}
		case map[string]interface{}:
			if codings, ok := v["coding"].([]interface{}); ok {
				for _, c := range codings {
					if coding, ok := c.(map[string]interface{}); ok {
						pairs = append(pairs, codingPair(coding))
					}
				}
				continue
			}
			pairs = append(pairs, codingPair(v))
		}
	}
	return pairs
}

func codingPair(coding map[string]interface{}) string {
	system, _ := coding["system"].(string)
	code, _ := coding["code"].(string)
	if code == "" {
		code, _ = coding["value"].(string)
	}
	if system == "" {
		return code
	}
	return system + "|" + code
}

func leafStrings(leaves []interface{}) []string {
	var out []string
	for _, leaf := range leaves {
		switch v := leaf.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			for _, key := range []string{"text", "family", "city", "value"} {
				if s, ok := v[key].(string); ok {
					out = append(out, s)
				}
			}
			if given, ok := v["given"].([]interface{}); ok {
				for _, g := range given {
					if s, ok := g.(string); ok {
						out = append(out, s)
					}
				}
			}
		}
	}
	return out
}

func leafReferences(leaves []interface{}) []string {
	var out []string
	for _, leaf := range leaves {
		switch v := leaf.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if s, ok := v["reference"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
