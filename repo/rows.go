package repo

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/fhirpath"
	"github.com/vitalbase/vitalbase/search"
)

// Token is a (system, code) pair with an optional human-readable display.
type Token struct {
	System  string
	Code    string
	Display string
}

// Pair renders the token in its stored "system|code" form, or the bare code
// when the system is empty.
func (t Token) Pair() string {
	if t.System == "" {
		return t.Code
	}
	return t.System + "|" + t.Code
}

// Hash returns the deterministic fixed-width digest of the token.
func (t Token) Hash() string {
	return fhir.TokenHash(t.System, t.Code)
}

// ReferenceRow is one row of the per-kind references table.
type ReferenceRow struct {
	TargetID string
	Code     string
}

// Row is the complete write image of a resource: the main-table column
// values, the reference rows and the lookup-table rows derived from it.
type Row struct {
	Columns    map[string]interface{}
	References []ReferenceRow
	Lookups    map[search.LookupTable][]map[string]interface{}
}

// patientCompartment maps kinds to the reference parameters whose Patient
// targets place the resource in that patient's compartment. Patient itself
// is its own compartment.
var patientCompartment = map[string][]string{
	"Observation": {"subject"},
	"Encounter":   {"subject"},
	"Condition":   {"subject"},
}

// buildRow composes the full write image from the stamped resource and its
// declared search parameters.
func buildRow(registry *search.Registry, resource fhir.Resource, content []byte, projectID string) (*Row, error) {
	kind := resource.Kind()
	lastUpdated, ok := resource.LastUpdated()
	if !ok {
		return nil, fhir.BadRequest("resource %s/%s has no meta.lastUpdated", kind, resource.ID())
	}

	row := &Row{
		Columns: map[string]interface{}{
			"id":          resource.ID(),
			"content":     string(content),
			"lastUpdated": lastUpdated,
			"deleted":     false,
			"projectId":   nullableUUID(projectID),
			"__version":   db.SchemaVersion,
			"_source":     nullableText(resource.Source()),
			"_profile":    nullableTextArray(resource.Profiles()),
		},
		Lookups: map[search.LookupTable][]map[string]interface{}{},
	}

	shared := map[string]Token{}
	applyMetaTokens(row, "tag", resource.Tags(), shared)
	applyMetaTokens(row, "security", resource.SecurityLabels(), shared)

	for _, p := range registry.Parameters(kind) {
		leaves := fhirpath.Extract(resource, p.Expression)
		switch p.Strategy {
		case search.StrategyColumn:
			applyColumn(row, p, leaves)
		case search.StrategyTokenColumn:
			applyTokenColumns(row, p, leaves, shared)
		case search.StrategyLookupTable:
			applyLookup(row, p, leaves, shared)
		}
		if p.Type == search.TypeReference {
			applyReferences(row, p, leaves)
		}
	}

	row.Columns["__sharedTokens"], row.Columns["__sharedTokensText"] = sharedColumns(shared)

	if kind != "Binary" {
		row.Columns["compartments"] = compartments(resource)
	}
	return row, nil
}

// deletedRow composes the tombstone image written by delete: empty content,
// deleted flag set, every derived column cleared.
func deletedRow(registry *search.Registry, kind, id, projectID string, lastUpdated time.Time) *Row {
	row := &Row{
		Columns: map[string]interface{}{
			"id":          id,
			"content":     "",
			"lastUpdated": lastUpdated,
			"deleted":     true,
			"projectId":   nullableUUID(projectID),
			"__version":   db.SchemaVersion,
			"_source":     nil,
			"_profile":    nil,
		},
		Lookups: map[search.LookupTable][]map[string]interface{}{},
	}
	for _, name := range []string{"__tag", "__tagText", "__tagSort", "__security",
		"__securityText", "__securitySort", "__sharedTokens", "__sharedTokensText"} {
		row.Columns[name] = nil
	}
	for _, p := range registry.Parameters(kind) {
		switch p.Strategy {
		case search.StrategyColumn:
			row.Columns[p.ColumnName()] = nil
		case search.StrategyTokenColumn:
			row.Columns[p.TokenColumn()] = nil
			row.Columns[p.TokenTextColumn()] = nil
			row.Columns[p.SortColumn()] = nil
		case search.StrategyLookupTable:
			row.Columns[p.SortColumn()] = nil
		}
	}
	if kind != "Binary" {
		row.Columns["compartments"] = nil
	}
	return row
}

// compartments computes the UUID array of compartments the resource belongs
// to: a Patient belongs to its own compartment, clinical resources join the
// compartment of the Patient their subject references.
func compartments(resource fhir.Resource) []string {
	kind := resource.Kind()
	if kind == "Patient" {
		return []string{resource.ID()}
	}
	codes, ok := patientCompartment[kind]
	if !ok {
		return []string{}
	}
	var out []string
	seen := map[string]bool{}
	for _, code := range codes {
		for _, leaf := range fhirpath.Extract(resource, kind+"."+code) {
			raw, ok := fhir.ReferenceValue(leaf)
			if !ok {
				continue
			}
			ref, ok := fhir.ParseReference(raw)
			if !ok || ref.Kind != "Patient" || !fhir.IsID(ref.ID) || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			out = append(out, ref.ID)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// applyColumn stores a column-strategy parameter: a single primitive or an
// array of primitives in the parameter's canonical column.
func applyColumn(row *Row, p *search.Parameter, leaves []interface{}) {
	name := p.ColumnName()
	if _, exists := row.Columns[name]; exists && row.Columns[name] != nil {
		// Aliased parameters (patient/subject) write the same column once.
		return
	}
	if len(leaves) == 0 {
		row.Columns[name] = nil
		return
	}
	switch p.Type {
	case search.TypeDate:
		if r, ok := parseDateValue(primString(leaves[0])); ok {
			row.Columns[name] = r.Start
		} else {
			row.Columns[name] = nil
		}
	case search.TypeNumber, search.TypeQuantity:
		if f, ok := primFloat(leaves[0]); ok {
			row.Columns[name] = f
		} else {
			row.Columns[name] = nil
		}
	case search.TypeReference:
		values := referenceStrings(leaves)
		if p.Array {
			row.Columns[name] = values
		} else if len(values) > 0 {
			row.Columns[name] = values[0]
		} else {
			row.Columns[name] = nil
		}
	default:
		if p.Array {
			values := make([]string, 0, len(leaves))
			for _, leaf := range leaves {
				if s := primString(leaf); s != "" {
					values = append(values, s)
				}
			}
			row.Columns[name] = values
		} else {
			row.Columns[name] = nullableText(primString(leaves[0]))
		}
	}
}

// applyTokenColumns stores a token-column parameter: the hash array, the
// parallel "system|code" array and the scalar sort/display column.
func applyTokenColumns(row *Row, p *search.Parameter, leaves []interface{}, shared map[string]Token) {
	tokens := tokensFromLeaves(leaves)
	hashes := make([]string, 0, len(tokens))
	pairs := make([]string, 0, len(tokens))
	sort := ""
	for _, tok := range tokens {
		hashes = append(hashes, tok.Hash())
		pairs = append(pairs, tok.Pair())
		if sort == "" {
			if tok.Display != "" {
				sort = tok.Display
			} else {
				sort = tok.Pair()
			}
		}
		shared[tok.Hash()] = tok
	}
	row.Columns[p.TokenColumn()] = hashes
	row.Columns[p.TokenTextColumn()] = pairs
	row.Columns[p.SortColumn()] = nullableText(sort)
}

// applyLookup stores a lookup-table parameter: the scalar sort column on the
// main row plus the full rows for the shared table. Parameters sharing an
// expression (name/family/given) produce identical row sets; duplicates are
// collapsed.
func applyLookup(row *Row, p *search.Parameter, leaves []interface{}, shared map[string]Token) {
	rows, sortValue := lookupRows(p.Lookup, leaves)
	row.Columns[p.SortColumn()] = nullableText(sortValue)
	if p.Type == search.TypeToken {
		for _, tok := range tokensFromLeaves(leaves) {
			shared[tok.Hash()] = tok
		}
	}
	existing := row.Lookups[p.Lookup]
	for _, lr := range rows {
		if !containsRow(existing, lr) {
			existing = append(existing, lr)
		}
	}
	row.Lookups[p.Lookup] = existing
}

// applyReferences appends reference rows for UUID targets; non-UUID targets
// are skipped.
func applyReferences(row *Row, p *search.Parameter, leaves []interface{}) {
	for _, raw := range referenceStrings(leaves) {
		ref, ok := fhir.ParseReference(raw)
		if !ok || !fhir.IsID(ref.ID) {
			continue
		}
		next := ReferenceRow{TargetID: ref.ID, Code: p.Code}
		dup := false
		for _, existing := range row.References {
			if existing == next {
				dup = true
				break
			}
		}
		if !dup {
			row.References = append(row.References, next)
		}
	}
}

// applyMetaTokens populates the fixed __tag* / __security* columns exactly
// as token-column would.
func applyMetaTokens(row *Row, name string, entries []interface{}, shared map[string]Token) {
	p := &search.Parameter{Code: name, Name: name, Type: search.TypeToken, Strategy: search.StrategyTokenColumn}
	applyTokenColumns(row, p, entries, shared)
}

// sharedColumns composes the union of every token value on the row.
func sharedColumns(shared map[string]Token) ([]string, []string) {
	hashes := make([]string, 0, len(shared))
	pairs := make([]string, 0, len(shared))
	for hash, tok := range shared {
		hashes = append(hashes, hash)
		pairs = append(pairs, tok.Pair())
	}
	return hashes, pairs
}

// lookupRows converts extracted leaves into rows for the shared table and
// the concatenated ORDER BY string for the main-row sort column.
func lookupRows(table search.LookupTable, leaves []interface{}) ([]map[string]interface{}, string) {
	var rows []map[string]interface{}
	var sortParts []string
	for _, leaf := range leaves {
		obj, ok := leaf.(map[string]interface{})
		if !ok {
			continue
		}
		switch table {
		case search.LookupHumanName:
			given := strings.Join(stringList(obj["given"]), " ")
			family, _ := obj["family"].(string)
			name := humanNameText(obj, given, family)
			rows = append(rows, map[string]interface{}{
				"name": nullableText(name), "given": nullableText(given), "family": nullableText(family),
			})
			sortParts = append(sortParts, name)
		case search.LookupAddress:
			city, _ := obj["city"].(string)
			country, _ := obj["country"].(string)
			postal, _ := obj["postalCode"].(string)
			state, _ := obj["state"].(string)
			use, _ := obj["use"].(string)
			address := addressText(obj, city, state, postal, country)
			rows = append(rows, map[string]interface{}{
				"address": nullableText(address), "city": nullableText(city),
				"country": nullableText(country), "postalCode": nullableText(postal),
				"state": nullableText(state), "use": nullableText(use),
			})
			sortParts = append(sortParts, address)
		case search.LookupContactPoint:
			system, _ := obj["system"].(string)
			value, _ := obj["value"].(string)
			use, _ := obj["use"].(string)
			rows = append(rows, map[string]interface{}{
				"system": nullableText(system), "value": nullableText(value), "use": nullableText(use),
			})
			sortParts = append(sortParts, value)
		case search.LookupIdentifier:
			system, _ := obj["system"].(string)
			value, _ := obj["value"].(string)
			rows = append(rows, map[string]interface{}{
				"system": nullableText(system), "value": nullableText(value),
			})
			sortParts = append(sortParts, value)
		}
	}
	return rows, strings.Join(nonEmpty(sortParts), " ")
}

func humanNameText(obj map[string]interface{}, given, family string) string {
	if text, ok := obj["text"].(string); ok && text != "" {
		return text
	}
	return strings.TrimSpace(given + " " + family)
}

func addressText(obj map[string]interface{}, city, state, postal, country string) string {
	if text, ok := obj["text"].(string); ok && text != "" {
		return text
	}
	parts := stringList(obj["line"])
	parts = append(parts, city, state, postal, country)
	return strings.Join(nonEmpty(parts), " ")
}

// tokensFromLeaves converts extracted leaves into tokens. Leaves may be
// primitives (code values), Coding / CodeableConcept / Identifier /
// ContactPoint objects, or arrays thereof.
func tokensFromLeaves(leaves []interface{}) []Token {
	var out []Token
	seen := map[string]bool{}
	add := func(tok Token) {
		if tok.Code == "" && tok.System == "" {
			return
		}
		if key := tok.Pair(); !seen[key] {
			seen[key] = true
			out = append(out, tok)
		}
	}
	for _, leaf := range leaves {
		switch v := leaf.(type) {
		case string:
			add(Token{Code: v})
		case bool:
			add(Token{Code: strconv.FormatBool(v)})
		case float64:
			add(Token{Code: formatFloat(v)})
		case map[string]interface{}:
			if codings, ok := v["coding"].([]interface{}); ok {
				text, _ := v["text"].(string)
				for _, c := range codings {
					if coding, ok := c.(map[string]interface{}); ok {
						tok := codingToken(coding)
						if tok.Display == "" {
							tok.Display = text
						}
						add(tok)
					}
				}
				continue
			}
			if _, ok := v["code"]; ok {
				add(codingToken(v))
				continue
			}
			if value, ok := v["value"].(string); ok {
				system, _ := v["system"].(string)
				add(Token{System: system, Code: value})
			}
		}
	}
	return out
}

func codingToken(coding map[string]interface{}) Token {
	system, _ := coding["system"].(string)
	code, _ := coding["code"].(string)
	display, _ := coding["display"].(string)
	return Token{System: system, Code: code, Display: display}
}

func referenceStrings(leaves []interface{}) []string {
	var out []string
	for _, leaf := range leaves {
		if raw, ok := fhir.ReferenceValue(leaf); ok {
			out = append(out, raw)
		}
	}
	return out
}

func primString(leaf interface{}) string {
	switch v := leaf.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return formatFloat(v)
	default:
		return ""
	}
}

func primFloat(leaf interface{}) (float64, bool) {
	switch v := leaf.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func stringList(v interface{}) []string {
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

func nonEmpty(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableUUID(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTextArray(values []string) interface{} {
	if len(values) == 0 {
		return nil
	}
	return values
}

func containsRow(rows []map[string]interface{}, row map[string]interface{}) bool {
	for _, existing := range rows {
		if len(existing) != len(row) {
			continue
		}
		same := true
		for k, v := range row {
			if existing[k] != v {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// dateRange is a half-open [Start, End) interval a date value denotes at its
// precision.
type dateRange struct {
	Start time.Time
	End   time.Time
}

// parseDateValue parses a date at year, month, day or instant precision into
// its half-open range.
func parseDateValue(raw string) (dateRange, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return dateRange{}, false
	}
	if t, err := time.Parse("2006", raw); err == nil {
		return dateRange{Start: t, End: t.AddDate(1, 0, 0)}, true
	}
	if t, err := time.Parse("2006-01", raw); err == nil {
		return dateRange{Start: t, End: t.AddDate(0, 1, 0)}, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return dateRange{Start: t, End: t.AddDate(0, 0, 1)}, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return dateRange{Start: t, End: t.Add(time.Millisecond)}, true
	}
	if t, err := time.Parse("2006-01-02T15:04", raw); err == nil {
		return dateRange{Start: t, End: t.Add(time.Minute)}, true
	}
	return dateRange{}, false
}

func parseNumberValue(raw string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	return f, nil
}
