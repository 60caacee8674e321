package bundle

import (
	"strings"

	"github.com/vitalbase/vitalbase/fhir"
)

// executionOrder topologically orders transaction entries so that every
// placeholder producer runs before its consumers. A cycle falls back to the
// input order; responses are always reported in input order regardless.
func executionOrder(entries []Entry) []int {
	producers := map[string]int{}
	for i, entry := range entries {
		if isPlaceholder(entry.FullURL) {
			producers[entry.FullURL] = i
		}
	}

	// dependents[p] lists the entries that must wait for producer p.
	indegree := make([]int, len(entries))
	dependents := make([][]int, len(entries))
	for i, entry := range entries {
		for placeholder := range referencedPlaceholders(entry.Resource, producers) {
			producer := producers[placeholder]
			if producer == i {
				continue
			}
			dependents[producer] = append(dependents[producer], i)
			indegree[i]++
		}
	}

	var queue []int
	for i := range entries {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	var order []int
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(entries) {
		order = order[:0]
		for i := range entries {
			order = append(order, i)
		}
	}
	return order
}

// mintPlaceholders assigns a concrete "Kind/id" to every placeholder fullUrl:
// POST entries get a freshly minted id, PUT entries resolve to the id their
// url names.
func mintPlaceholders(entries []Entry) (map[string]string, error) {
	substitutions := map[string]string{}
	for i := range entries {
		entry := &entries[i]
		if !isPlaceholder(entry.FullURL) {
			continue
		}
		kind, id, _, err := splitEntryURL(entry.URL)
		if err != nil {
			return nil, err
		}
		switch strings.ToUpper(entry.Method) {
		case "POST":
			minted := fhir.NewID()
			if entry.Resource != nil {
				entry.Resource = entry.Resource.Clone()
				entry.Resource.SetID(minted)
			}
			substitutions[entry.FullURL] = kind + "/" + minted
		case "PUT":
			if id != "" {
				substitutions[entry.FullURL] = kind + "/" + id
			}
		}
	}
	return substitutions, nil
}

// substitute rewrites every placeholder occurrence in string positions of the
// resource to its minted "Kind/id" form.
func substitute(resource fhir.Resource, substitutions map[string]string) fhir.Resource {
	if resource == nil || len(substitutions) == 0 {
		return resource
	}
	return fhir.Resource(substituteValue(map[string]interface{}(resource), substitutions).(map[string]interface{}))
}

func substituteValue(value interface{}, substitutions map[string]string) interface{} {
	switch v := value.(type) {
	case string:
		if replacement, ok := substitutions[v]; ok {
			return replacement
		}
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = substituteValue(item, substitutions)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = substituteValue(item, substitutions)
		}
		return out
	default:
		return v
	}
}

// referencedPlaceholders collects the producer placeholders a resource
// mentions.
func referencedPlaceholders(resource fhir.Resource, producers map[string]int) map[string]bool {
	found := map[string]bool{}
	if resource == nil {
		return found
	}
	collectPlaceholders(map[string]interface{}(resource), producers, found)
	return found
}

func collectPlaceholders(value interface{}, producers map[string]int, found map[string]bool) {
	switch v := value.(type) {
	case string:
		if _, ok := producers[v]; ok {
			found[v] = true
		}
	case map[string]interface{}:
		for _, item := range v {
			collectPlaceholders(item, producers, found)
		}
	case []interface{}:
		for _, item := range v {
			collectPlaceholders(item, producers, found)
		}
	}
}

func isPlaceholder(fullURL string) bool {
	return strings.HasPrefix(fullURL, placeholderPrefix)
}
