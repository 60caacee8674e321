package search

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/vitalbase/vitalbase/fhir"
)

// Modifier is a parameter suffix altering match semantics.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierMissing  Modifier = "missing"
	ModifierNot      Modifier = "not"
	ModifierText     Modifier = "text"
)

// Prefix is a two-letter comparison prefix lifted off date, number and
// quantity values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

var prefixes = map[Prefix]bool{
	PrefixEq: true, PrefixNe: true, PrefixGt: true, PrefixLt: true,
	PrefixGe: true, PrefixLe: true, PrefixSa: true, PrefixEb: true, PrefixAp: true,
}

// Value is one OR alternative of a parameter, with its lifted prefix.
type Value struct {
	Prefix Prefix
	Raw    string
}

// Param is one parsed search parameter: AND-combined with its siblings,
// OR-combined across its values.
type Param struct {
	Code     string
	Modifier Modifier
	Values   []Value

	// ChainKind / ChainCode are set for chained reference parameters
	// (code:TargetKind.targetCode).
	ChainKind string
	ChainCode string

	// Impl is the resolved implementation; nil only for _id and
	// _compartment, which the planner handles on fixed columns.
	Impl *Parameter
}

// Chained reports whether the parameter carries a chain.
func (p *Param) Chained() bool { return p.ChainCode != "" }

// SortRule is one _sort entry in order of appearance.
type SortRule struct {
	Code       string
	Descending bool
}

// Include is one _include or _revinclude rule.
type Include struct {
	Kind     string
	Code     string
	Iterate  bool
	Wildcard bool
}

// Total selects how the result total is computed.
type Total string

const (
	TotalNone     Total = "none"
	TotalEstimate Total = "estimate"
	TotalAccurate Total = "accurate"
)

// Request is a fully parsed search.
type Request struct {
	Kind        string
	Params      []*Param
	Count       int
	Offset      int
	Sort        []SortRule
	Total       Total
	Includes    []Include
	RevIncludes []Include

	// Compartment scopes the search to resources whose compartments array
	// contains the focal resource's id ("Patient/<uuid>" form).
	Compartment string
}

// Options configures parsing.
type Options struct {
	Registry *Registry

	// Strict rejects unknown search parameters; otherwise they are dropped.
	Strict bool

	// DefaultCount is used when _count is absent or zero; MaxCount caps it.
	DefaultCount int
	MaxCount     int
}

func (o Options) defaults() Options {
	if o.DefaultCount <= 0 {
		o.DefaultCount = 20
	}
	if o.MaxCount <= 0 {
		o.MaxCount = 1000
	}
	return o
}

// Parse turns query values for a kind into a structured request. Keys may
// repeat (AND); comma-separated values within a key are OR alternatives.
func Parse(kind string, query url.Values, opts Options) (*Request, error) {
	opts = opts.defaults()
	req := &Request{Kind: kind, Count: opts.DefaultCount, Total: TotalNone}

	for key, values := range query {
		code, suffix := splitKey(key)
		if strings.HasPrefix(code, "_") && !Special(code) {
			if err := parseResultParam(req, code, suffix, values, opts); err != nil {
				return nil, err
			}
			continue
		}
		for _, raw := range values {
			param, err := parseParam(kind, code, suffix, raw, opts)
			if err != nil {
				return nil, err
			}
			if param != nil {
				req.Params = append(req.Params, param)
			}
		}
	}
	return req, nil
}

// ParseQuery parses a raw query string (the part after `?`).
func ParseQuery(kind, rawQuery string, opts Options) (*Request, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fhir.InvalidParameter("malformed query string: %v", err)
	}
	return Parse(kind, values, opts)
}

// ParseCriteria parses a subscription criteria string of the form
// `Kind?param=value&...` (the query part may be absent).
func ParseCriteria(criteria string, opts Options) (*Request, error) {
	kind, rawQuery, _ := strings.Cut(criteria, "?")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, fhir.InvalidParameter("subscription criteria is missing a resource kind")
	}
	return ParseQuery(kind, rawQuery, opts)
}

// splitKey separates a query key into code and suffix (modifier or chain).
func splitKey(key string) (string, string) {
	code, suffix, _ := strings.Cut(key, ":")
	return code, suffix
}

func parseResultParam(req *Request, code, suffix string, values []string, opts Options) error {
	last := func() string {
		if len(values) == 0 {
			return ""
		}
		return values[len(values)-1]
	}
	switch code {
	case "_count":
		n, err := strconv.Atoi(last())
		if err != nil || n < 0 {
			return fhir.InvalidParameter("_count must be a non-negative integer, got %q", last())
		}
		if n == 0 {
			n = opts.DefaultCount
		}
		if n > opts.MaxCount {
			n = opts.MaxCount
		}
		req.Count = n
	case "_offset":
		n, err := strconv.Atoi(last())
		if err != nil || n < 0 {
			return fhir.InvalidParameter("_offset must be a non-negative integer, got %q", last())
		}
		req.Offset = n
	case "_sort":
		for _, value := range values {
			for _, part := range strings.Split(value, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				rule := SortRule{Code: part}
				if strings.HasPrefix(part, "-") {
					rule = SortRule{Code: part[1:], Descending: true}
				}
				req.Sort = append(req.Sort, rule)
			}
		}
	case "_total":
		switch Total(last()) {
		case TotalNone, TotalEstimate, TotalAccurate:
			req.Total = Total(last())
		default:
			return fhir.InvalidParameter("_total must be none, estimate or accurate, got %q", last())
		}
	case "_include", "_revinclude":
		iterate := suffix == "iterate"
		for _, value := range values {
			inc, err := parseInclude(value, iterate)
			if err != nil {
				return err
			}
			if code == "_include" {
				req.Includes = append(req.Includes, inc)
			} else {
				req.RevIncludes = append(req.RevIncludes, inc)
			}
		}
	default:
		// Unknown result parameters are ignored.
	}
	return nil
}

func parseInclude(value string, iterate bool) (Include, error) {
	if value == "*" {
		return Include{Wildcard: true, Iterate: iterate}, nil
	}
	kind, rest, ok := strings.Cut(value, ":")
	if !ok || kind == "" || rest == "" {
		return Include{}, fhir.InvalidParameter("include must be Kind:parameter or *, got %q", value)
	}
	// A trailing :TargetKind qualifier is accepted and ignored.
	code, _, _ := strings.Cut(rest, ":")
	return Include{Kind: kind, Code: code, Iterate: iterate}, nil
}

func parseParam(kind, code, suffix, raw string, opts Options) (*Param, error) {
	impl, known := opts.Registry.Lookup(kind, code)
	if !known {
		if opts.Strict {
			return nil, fhir.InvalidParameter("unknown search parameter %s for %s", code, kind)
		}
		return nil, nil
	}

	param := &Param{Code: code, Impl: impl}
	if code == ParamID || code == ParamCompartment {
		param.Impl = nil
	}

	if suffix != "" {
		switch Modifier(suffix) {
		case ModifierExact, ModifierContains, ModifierMissing, ModifierNot, ModifierText:
			param.Modifier = Modifier(suffix)
		default:
			if impl == nil || impl.Type != TypeReference {
				return nil, fhir.InvalidParameter("unknown modifier %q on parameter %s", suffix, code)
			}
			chainKind, chainCode, ok := strings.Cut(suffix, ".")
			if !ok || chainKind == "" || chainCode == "" {
				return nil, fhir.InvalidParameter("chained parameter must be %s:TargetKind.code, got %s:%s", code, code, suffix)
			}
			if !opts.Registry.HasKind(chainKind) {
				return nil, fhir.InvalidParameter("unknown chain target kind %q on parameter %s", chainKind, code)
			}
			param.ChainKind = chainKind
			param.ChainCode = chainCode
		}
	}

	prefixed := impl != nil &&
		(impl.Type == TypeDate || impl.Type == TypeNumber || impl.Type == TypeQuantity)
	for _, alt := range splitOr(raw) {
		value := Value{Prefix: PrefixEq, Raw: alt}
		if prefixed && len(alt) > 2 {
			if p := Prefix(alt[:2]); prefixes[p] {
				value = Value{Prefix: p, Raw: alt[2:]}
			}
		}
		param.Values = append(param.Values, value)
	}
	if len(param.Values) == 0 && param.Modifier != ModifierMissing {
		return nil, fhir.InvalidParameter("parameter %s has no value", code)
	}
	return param, nil
}

// splitOr splits a value on unescaped commas; `\,` escapes a literal comma
// and `\\` a literal backslash.
func splitOr(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	var sb strings.Builder
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			sb.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ',':
			out = append(out, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(c)
		}
	}
	out = append(out, sb.String())
	return out
}
