package repo

import (
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

// planSelect compiles a parsed request into the primary result query.
func planSelect(registry *search.Registry, req *search.Request, scope Scope) (string, []interface{}, error) {
	where, err := buildWhere(registry, req, scope)
	if err != nil {
		return "", nil, err
	}
	builder := psql.Select(db.Quote("id"), db.Quote("content")).
		From(db.Quote(db.MainTable(req.Kind))).
		Where(where).
		OrderBy(orderBy(registry, req)...).
		Limit(uint64(req.Count)).
		Offset(uint64(req.Offset))
	return builder.ToSql()
}

// planCount compiles the COUNT(*) variant with identical WHERE, issued for
// _total=accurate (and estimate, which executes the accurate count).
func planCount(registry *search.Registry, req *search.Request, scope Scope) (string, []interface{}, error) {
	where, err := buildWhere(registry, req, scope)
	if err != nil {
		return "", nil, err
	}
	return psql.Select("COUNT(*)").
		From(db.Quote(db.MainTable(req.Kind))).
		Where(where).
		ToSql()
}

// buildWhere combines every parsed parameter with AND, appends the tenant
// and compartment scope, and unconditionally filters soft-deleted rows.
func buildWhere(registry *search.Registry, req *search.Request, scope Scope) (sq.Sqlizer, error) {
	and := sq.And{}
	for _, p := range req.Params {
		fragment, err := paramWhere(registry, req.Kind, p)
		if err != nil {
			return nil, err
		}
		and = append(and, fragment)
	}
	if compartment := firstNonEmpty(req.Compartment, scope.Compartment); compartment != "" {
		and = append(and, compartmentWhere(compartment))
	}
	if scope.ProjectID != "" {
		and = append(and, sq.Eq{db.Quote("projectId"): scope.ProjectID})
	}
	and = append(and, sq.Eq{db.Quote("deleted"): false})
	return and, nil
}

// paramWhere emits the WHERE fragment for one parameter: OR across its
// values, honoring its modifier and storage strategy.
func paramWhere(registry *search.Registry, kind string, p *search.Param) (sq.Sqlizer, error) {
	switch p.Code {
	case search.ParamID:
		return idWhere(p), nil
	case search.ParamCompartment:
		or := sq.Or{}
		for _, v := range p.Values {
			or = append(or, compartmentWhere(v.Raw))
		}
		return or, nil
	}

	impl := p.Impl
	if impl == nil {
		return nil, fhir.InvalidParameter("parameter %s has no implementation for %s", p.Code, kind)
	}

	if p.Modifier == search.ModifierMissing {
		return missingWhere(impl, p)
	}
	if p.Chained() {
		return chainWhere(registry, impl, p)
	}
	if p.Code == search.ParamProfile {
		or := sq.Or{}
		for _, v := range p.Values {
			or = append(or, sq.Expr(db.Quote("_profile")+" @> ?::text[]", []string{v.Raw}))
		}
		return or, nil
	}

	switch impl.Type {
	case search.TypeToken:
		return tokenWhere(impl, p)
	case search.TypeString:
		return stringWhere(impl, p)
	case search.TypeDate:
		return dateWhere(impl, p)
	case search.TypeReference:
		return referenceWhere(impl, p)
	case search.TypeNumber, search.TypeQuantity:
		return numberWhere(impl, p)
	case search.TypeURI:
		return uriWhere(impl, p), nil
	default:
		return nil, fhir.InvalidParameter("parameter %s of type %s is not searchable", p.Code, impl.Type)
	}
}

func idWhere(p *search.Param) sq.Sqlizer {
	var ids []string
	for _, v := range p.Values {
		if fhir.IsID(v.Raw) {
			ids = append(ids, v.Raw)
		}
	}
	if len(ids) == 0 {
		// No valid UUID among the values: matches nothing.
		return sq.Expr("FALSE")
	}
	return sq.Eq{db.Quote("id"): ids}
}

func compartmentWhere(compartment string) sq.Sqlizer {
	id := compartment
	if _, rest, ok := strings.Cut(compartment, "/"); ok {
		id = rest
	}
	if !fhir.IsID(id) {
		return sq.Expr("FALSE")
	}
	return sq.Expr(db.Quote("compartments")+" @> ?::uuid[]", []string{id})
}

func missingWhere(impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	var col string
	switch impl.Strategy {
	case search.StrategyTokenColumn:
		col = impl.TokenTextColumn()
	case search.StrategyLookupTable:
		col = impl.SortColumn()
	default:
		col = impl.ColumnName()
	}
	missing := true
	if len(p.Values) > 0 {
		missing = p.Values[0].Raw != "false"
	}
	if missing {
		return sq.Expr(db.Quote(col) + " IS NULL"), nil
	}
	return sq.Expr(db.Quote(col) + " IS NOT NULL"), nil
}

// chainWhere replaces a chained reference with a recursive subquery against
// the target kind's main table.
func chainWhere(registry *search.Registry, impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	nestedImpl, ok := registry.Lookup(p.ChainKind, p.ChainCode)
	if !ok {
		return nil, fhir.InvalidParameter("unknown chained parameter %s.%s", p.ChainKind, p.ChainCode)
	}
	nested := &search.Param{Code: p.ChainCode, Impl: nestedImpl, Values: p.Values}
	if p.ChainCode == search.ParamID || p.ChainCode == search.ParamCompartment {
		nested.Impl = nil
	}
	nestedWhere, err := paramWhere(registry, p.ChainKind, nested)
	if err != nil {
		return nil, err
	}

	sub := sq.Select("'"+p.ChainKind+"/' || "+db.Quote("id")+"::text").
		From(db.Quote(db.MainTable(p.ChainKind))).
		Where(nestedWhere).
		Where(sq.Eq{db.Quote("deleted"): false})

	col := db.Quote(impl.ColumnName())
	if impl.Array {
		return sq.Expr(col+" && ARRAY(?)", sub), nil
	}
	return sq.Expr(col+" IN (?)", sub), nil
}

// tokenWhere handles token parameters. Token-column storage matches against
// the "system|code" text array; lookup-table storage issues a subquery on
// (system, value).
func tokenWhere(impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	if impl.Strategy == search.StrategyLookupTable {
		return tokenLookupWhere(impl, p)
	}

	if p.Modifier == search.ModifierText {
		or := sq.Or{}
		for _, v := range p.Values {
			or = append(or, sq.Expr(db.Quote(impl.SortColumn())+" ILIKE ?", "%"+escapeLike(v.Raw)+"%"))
		}
		return or, nil
	}

	col := db.Quote(impl.TokenTextColumn())
	or := sq.Or{}
	for _, v := range p.Values {
		system, code, qualified := strings.Cut(v.Raw, "|")
		switch {
		case qualified && code == "":
			// "system|" matches any code within the system.
			or = append(or, sq.Expr(
				"EXISTS (SELECT 1 FROM unnest("+col+") AS t(v) WHERE t.v LIKE ?)",
				escapeLike(system)+"|%"))
		case qualified:
			or = append(or, sq.Expr(col+" && ?::text[]", []string{v.Raw}))
		default:
			// A bare code matches entries with or without a system.
			or = append(or, sq.Or{
				sq.Expr(col+" && ?::text[]", []string{v.Raw}),
				sq.Expr("EXISTS (SELECT 1 FROM unnest("+col+") AS t(v) WHERE t.v LIKE ?)",
					"%|"+escapeLike(v.Raw)),
			})
		}
	}
	if p.Modifier == search.ModifierNot {
		return sq.Expr("NOT COALESCE(?, FALSE)", or), nil
	}
	return or, nil
}

func tokenLookupWhere(impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	or := sq.Or{}
	for _, v := range p.Values {
		system, code, qualified := strings.Cut(v.Raw, "|")
		var match sq.Sqlizer
		switch {
		case qualified && code == "":
			match = sq.Eq{db.Quote("system"): system}
		case qualified:
			match = sq.And{sq.Eq{db.Quote("system"): system}, sq.Eq{db.Quote("value"): code}}
		default:
			match = sq.Eq{db.Quote("value"): v.Raw}
		}
		or = append(or, lookupSubquery(impl, match))
	}
	if p.Modifier == search.ModifierNot {
		return sq.Expr("NOT COALESCE(?, FALSE)", or), nil
	}
	return or, nil
}

// stringWhere handles string parameters: prefix-insensitive by default,
// equality with :exact, infix with :contains. Lookup-table strings issue a
// subquery against the shared table.
func stringWhere(impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	if impl.Strategy == search.StrategyLookupTable {
		col := db.Quote(lookupColumn(impl))
		or := sq.Or{}
		for _, v := range p.Values {
			var match sq.Sqlizer
			switch p.Modifier {
			case search.ModifierExact:
				match = sq.Expr(col+" = ?", v.Raw)
			case search.ModifierContains:
				match = sq.Expr(col+" ILIKE ?", "%"+escapeLike(v.Raw)+"%")
			default:
				match = sq.Expr(col+" ILIKE ?", escapeLike(v.Raw)+"%")
			}
			or = append(or, lookupSubquery(impl, match))
		}
		return or, nil
	}

	col := db.Quote(impl.ColumnName())
	or := sq.Or{}
	for _, v := range p.Values {
		switch p.Modifier {
		case search.ModifierExact:
			or = append(or, sq.Expr(col+" = ?", v.Raw))
		case search.ModifierContains:
			or = append(or, sq.Expr("LOWER("+col+") LIKE ?", "%"+strings.ToLower(escapeLike(v.Raw))+"%"))
		default:
			or = append(or, sq.Expr("LOWER("+col+") LIKE ?", strings.ToLower(escapeLike(v.Raw))+"%"))
		}
	}
	return or, nil
}

func dateWhere(impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	col := db.Quote(impl.ColumnName())
	or := sq.Or{}
	for _, v := range p.Values {
		r, ok := parseDateValue(v.Raw)
		if !ok {
			return nil, fhir.InvalidParameter("invalid date value %q for parameter %s", v.Raw, p.Code)
		}
		var fragment sq.Sqlizer
		switch v.Prefix {
		case search.PrefixEq, search.PrefixAp:
			fragment = sq.And{sq.Expr(col+" >= ?", r.Start), sq.Expr(col+" < ?", r.End)}
		case search.PrefixNe:
			fragment = sq.Or{sq.Expr(col+" < ?", r.Start), sq.Expr(col+" >= ?", r.End)}
		case search.PrefixGt, search.PrefixSa:
			fragment = sq.Expr(col+" >= ?", r.End)
		case search.PrefixLt, search.PrefixEb:
			fragment = sq.Expr(col+" < ?", r.Start)
		case search.PrefixGe:
			fragment = sq.Expr(col+" >= ?", r.Start)
		case search.PrefixLe:
			fragment = sq.Expr(col+" < ?", r.End)
		default:
			return nil, fhir.InvalidParameter("unsupported prefix %q on parameter %s", v.Prefix, p.Code)
		}
		or = append(or, fragment)
	}
	return or, nil
}

func referenceWhere(impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	col := db.Quote(impl.ColumnName())
	or := sq.Or{}
	for _, v := range p.Values {
		for _, candidate := range referenceCandidates(impl, v.Raw) {
			if impl.Array {
				or = append(or, sq.Expr("? = ANY("+col+")", candidate))
			} else {
				or = append(or, sq.Expr(col+" = ?", candidate))
			}
		}
	}
	if len(or) == 0 {
		return sq.Expr("FALSE"), nil
	}
	return or, nil
}

// referenceCandidates expands a reference value to the stored "Kind/id"
// forms it may match: a qualified value matches itself, a bare id is
// qualified with each declared target kind.
func referenceCandidates(impl *search.Parameter, raw string) []string {
	if strings.Contains(raw, "/") {
		return []string{raw}
	}
	out := make([]string, 0, len(impl.Targets))
	for _, target := range impl.Targets {
		out = append(out, target+"/"+raw)
	}
	return out
}

func numberWhere(impl *search.Parameter, p *search.Param) (sq.Sqlizer, error) {
	col := db.Quote(impl.ColumnName())
	or := sq.Or{}
	for _, v := range p.Values {
		f, err := parseNumberValue(v.Raw)
		if err != nil {
			return nil, fhir.InvalidParameter("invalid numeric value %q for parameter %s", v.Raw, p.Code)
		}
		op := ""
		switch v.Prefix {
		case search.PrefixEq, search.PrefixAp:
			op = "="
		case search.PrefixNe:
			op = "<>"
		case search.PrefixGt, search.PrefixSa:
			op = ">"
		case search.PrefixLt, search.PrefixEb:
			op = "<"
		case search.PrefixGe:
			op = ">="
		case search.PrefixLe:
			op = "<="
		default:
			return nil, fhir.InvalidParameter("unsupported prefix %q on parameter %s", v.Prefix, p.Code)
		}
		or = append(or, sq.Expr(col+" "+op+" ?", f))
	}
	return or, nil
}

func uriWhere(impl *search.Parameter, p *search.Param) sq.Sqlizer {
	col := db.Quote(impl.ColumnName())
	or := sq.Or{}
	for _, v := range p.Values {
		or = append(or, sq.Expr(col+" = ?", v.Raw))
	}
	return or
}

// lookupSubquery wraps a lookup-table match in the `id IN (SELECT
// "resourceId" ...)` form.
func lookupSubquery(impl *search.Parameter, match sq.Sqlizer) sq.Sqlizer {
	sub := sq.Select(db.Quote("resourceId")).
		From(db.Quote(string(impl.Lookup))).
		Where(match)
	return sq.Expr(db.Quote("id")+" IN (?)", sub)
}

// lookupColumn returns the queried column of the parameter's lookup table.
func lookupColumn(impl *search.Parameter) string {
	if impl.LookupColumn != "" {
		return impl.LookupColumn
	}
	switch impl.Lookup {
	case search.LookupHumanName:
		return "name"
	case search.LookupAddress:
		return "address"
	default:
		return "value"
	}
}

// orderBy maps sort rules onto ORDER BY terms. Unknown codes collapse the
// whole ordering to lastUpdated DESC, which is also the default.
func orderBy(registry *search.Registry, req *search.Request) []string {
	fallback := []string{db.Quote("lastUpdated") + " DESC"}
	if len(req.Sort) == 0 {
		return fallback
	}
	var terms []string
	for _, rule := range req.Sort {
		var col string
		switch rule.Code {
		case search.ParamLastUpdated:
			col = db.Quote("lastUpdated")
		case search.ParamID:
			col = db.Quote("id")
		default:
			impl, ok := registry.Lookup(req.Kind, rule.Code)
			if !ok || impl == nil {
				return fallback
			}
			switch impl.Strategy {
			case search.StrategyTokenColumn, search.StrategyLookupTable:
				col = db.Quote(impl.SortColumn())
			default:
				col = db.Quote(impl.ColumnName())
			}
		}
		if rule.Descending {
			col += " DESC"
		}
		terms = append(terms, col)
	}
	return terms
}

// escapeLike escapes LIKE metacharacters in user-supplied match values.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `%`, `\%`)
	v = strings.ReplaceAll(v, `_`, `\_`)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
