package bundle

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/search"
)

const (
	TypeBatch       = "batch"
	TypeTransaction = "transaction"

	placeholderPrefix = "urn:uuid:"
)

// Entry is one decoded bundle entry: an optional resource body plus the
// action to apply.
type Entry struct {
	FullURL     string
	Method      string
	URL         string
	IfNoneExist string
	IfMatch     string
	Resource    fhir.Resource
}

// Response is the per-entry outcome, mirrored into the response envelope in
// input order.
type Response struct {
	Status       string
	Location     string
	ETag         string
	LastModified string
	Resource     fhir.Resource
	Outcome      fhir.Resource
}

// Processor applies batch and transaction envelopes against the repository.
type Processor struct {
	repo *repo.Repository
}

func NewProcessor(r *repo.Repository) *Processor {
	return &Processor{repo: r}
}

// Process decodes the envelope and dispatches on its type. Batch entries are
// independent; transaction entries share one database transaction and roll
// back together on the first failure.
func (p *Processor) Process(ctx context.Context, scope repo.Scope, envelope fhir.Resource) (fhir.Resource, error) {
	if envelope.Kind() != "Bundle" {
		return nil, fhir.BadRequest("expected a Bundle, got %q", envelope.Kind())
	}
	bundleType, _ := envelope["type"].(string)
	entries, err := decodeEntries(envelope)
	if err != nil {
		return nil, err
	}

	switch bundleType {
	case TypeBatch:
		return p.processBatch(ctx, scope, entries), nil
	case TypeTransaction:
		return p.processTransaction(ctx, scope, entries)
	default:
		return nil, fhir.BadRequest("unsupported bundle type %q", bundleType)
	}
}

// processBatch applies every entry independently through the public
// repository surface; a failed entry carries its outcome without affecting
// the others.
func (p *Processor) processBatch(ctx context.Context, scope repo.Scope, entries []Entry) fhir.Resource {
	responses := make([]Response, len(entries))
	for i, entry := range entries {
		resp, err := p.applyEntry(ctx, scope, entry, nil)
		if err != nil {
			responses[i] = errorResponse(err)
			continue
		}
		responses[i] = resp
	}
	return envelope(TypeBatch+"-response", responses)
}

// processTransaction orders the entries so placeholder producers precede
// their consumers, substitutes minted ids, and applies everything inside one
// transaction.
func (p *Processor) processTransaction(ctx context.Context, scope repo.Scope, entries []Entry) (fhir.Resource, error) {
	order := executionOrder(entries)
	substitutions, err := mintPlaceholders(entries)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Resource = substitute(entries[i].Resource, substitutions)
	}

	responses := make([]Response, len(entries))
	err = p.repo.Atomic(ctx, scope, func(ops *repo.TxOps) error {
		for _, i := range order {
			resp, err := p.applyEntry(ctx, scope, entries[i], ops)
			if err != nil {
				return err
			}
			responses[i] = resp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envelope(TypeTransaction+"-response", responses), nil
}

// applyEntry routes one entry to the repository operation named by its
// method and url. A nil ops routes through the public surface (batch mode).
func (p *Processor) applyEntry(ctx context.Context, scope repo.Scope, entry Entry, ops *repo.TxOps) (Response, error) {
	kind, id, query, err := splitEntryURL(entry.URL)
	if err != nil {
		return Response{}, err
	}

	switch strings.ToUpper(entry.Method) {
	case "POST":
		return p.applyCreate(ctx, scope, entry, kind, ops)
	case "PUT":
		return p.applyUpdate(ctx, scope, entry, kind, id, query, ops)
	case "DELETE":
		return p.applyDelete(ctx, scope, kind, id, query, ops)
	case "GET":
		return p.applyRead(ctx, scope, kind, id, query, ops)
	default:
		return Response{}, fhir.BadRequest("unsupported bundle entry method %q", entry.Method)
	}
}

func (p *Processor) applyCreate(ctx context.Context, scope repo.Scope, entry Entry, kind string, ops *repo.TxOps) (Response, error) {
	if entry.Resource == nil {
		return Response{}, fhir.BadRequest("POST entry for %s carries no resource", kind)
	}
	if entry.Resource.Kind() != kind {
		return Response{}, fhir.BadRequest("entry url names %s but the resource kind is %s", kind, entry.Resource.Kind())
	}

	if entry.IfNoneExist != "" {
		req, err := p.parseQuery(kind, entry.IfNoneExist)
		if err != nil {
			return Response{}, err
		}
		var outcome fhir.Resource
		var created bool
		if ops != nil {
			outcome, created, err = ops.ConditionalCreate(ctx, entry.Resource, req)
		} else {
			outcome, created, err = p.repo.ConditionalCreate(ctx, scope, entry.Resource, req)
		}
		if err != nil {
			return Response{}, err
		}
		if created {
			return createdResponse(outcome), nil
		}
		return okResponse(outcome), nil
	}

	var persisted fhir.Resource
	var err error
	if assigned := entry.Resource.ID(); assigned != "" && fhir.IsID(assigned) {
		if ops != nil {
			persisted, err = ops.CreateWithID(ctx, entry.Resource, assigned)
		} else {
			persisted, err = p.repo.CreateWithID(ctx, scope, entry.Resource, assigned)
		}
	} else if ops != nil {
		persisted, err = ops.Create(ctx, entry.Resource)
	} else {
		persisted, err = p.repo.Create(ctx, scope, entry.Resource)
	}
	if err != nil {
		return Response{}, err
	}
	return createdResponse(persisted), nil
}

func (p *Processor) applyUpdate(ctx context.Context, scope repo.Scope, entry Entry, kind, id, query string, ops *repo.TxOps) (Response, error) {
	if entry.Resource == nil {
		return Response{}, fhir.BadRequest("PUT entry for %s carries no resource", kind)
	}
	if entry.Resource.Kind() != kind {
		return Response{}, fhir.BadRequest("entry url names %s but the resource kind is %s", kind, entry.Resource.Kind())
	}

	if query != "" {
		req, err := p.parseQuery(kind, query)
		if err != nil {
			return Response{}, err
		}
		var outcome fhir.Resource
		var created bool
		if ops != nil {
			outcome, created, err = ops.ConditionalUpdate(ctx, entry.Resource, req)
		} else {
			outcome, created, err = p.repo.ConditionalUpdate(ctx, scope, entry.Resource, req)
		}
		if err != nil {
			return Response{}, err
		}
		if created {
			return createdResponse(outcome), nil
		}
		return okResponse(outcome), nil
	}

	if id == "" {
		return Response{}, fhir.BadRequest("PUT entry url must carry an id or search parameters")
	}
	body := entry.Resource.Clone()
	body.SetID(id)
	var persisted fhir.Resource
	var err error
	if ops != nil {
		persisted, err = ops.Update(ctx, body, etagVersion(entry.IfMatch))
	} else {
		persisted, err = p.repo.Update(ctx, scope, body, etagVersion(entry.IfMatch))
	}
	if err != nil {
		return Response{}, err
	}
	return okResponse(persisted), nil
}

func (p *Processor) applyDelete(ctx context.Context, scope repo.Scope, kind, id, query string, ops *repo.TxOps) (Response, error) {
	if query != "" {
		req, err := p.parseQuery(kind, query)
		if err != nil {
			return Response{}, err
		}
		if ops != nil {
			_, err = ops.ConditionalDelete(ctx, kind, req)
		} else {
			_, err = p.repo.ConditionalDelete(ctx, scope, kind, req)
		}
		if err != nil {
			return Response{}, err
		}
		return Response{Status: "204 No Content"}, nil
	}
	if id == "" {
		return Response{}, fhir.BadRequest("DELETE entry url must carry an id or search parameters")
	}
	var err error
	if ops != nil {
		err = ops.Delete(ctx, kind, id)
	} else {
		err = p.repo.Delete(ctx, scope, kind, id)
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Status: "204 No Content"}, nil
}

func (p *Processor) applyRead(ctx context.Context, scope repo.Scope, kind, id, query string, ops *repo.TxOps) (Response, error) {
	if id != "" {
		var resource fhir.Resource
		var err error
		if ops != nil {
			resource, err = ops.Read(ctx, kind, id)
		} else {
			resource, err = p.repo.Read(ctx, scope, kind, id)
		}
		if err != nil {
			return Response{}, err
		}
		return okResponse(resource), nil
	}

	req, err := p.parseQuery(kind, query)
	if err != nil {
		return Response{}, err
	}
	var matches []fhir.Resource
	if ops != nil {
		matches, err = ops.Search(ctx, req)
	} else {
		result, serr := p.repo.Search(ctx, scope, req)
		if serr != nil {
			return Response{}, serr
		}
		matches = result.Resources
	}
	if err != nil {
		return Response{}, err
	}
	set := fhir.Resource{
		"kind":  "Bundle",
		"type":  "searchset",
		"total": len(matches),
		"entry": searchEntries(matches),
	}
	return Response{Status: "200 OK", Resource: set}, nil
}

func (p *Processor) parseQuery(kind, rawQuery string) (*search.Request, error) {
	return search.ParseQuery(kind, rawQuery, p.repo.SearchOptions())
}

// splitEntryURL splits "Kind", "Kind/id" and "Kind?params" forms.
func splitEntryURL(raw string) (kind, id, query string, err error) {
	parsed, perr := url.Parse(strings.TrimPrefix(raw, "/"))
	if perr != nil {
		return "", "", "", fhir.BadRequest("invalid bundle entry url %q", raw)
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	switch len(parts) {
	case 1:
		kind = parts[0]
	case 2:
		kind, id = parts[0], parts[1]
	default:
		return "", "", "", fhir.BadRequest("unsupported bundle entry url %q", raw)
	}
	if kind == "" {
		return "", "", "", fhir.BadRequest("bundle entry url %q names no resource kind", raw)
	}
	return kind, id, parsed.RawQuery, nil
}

// etagVersion strips the weak-ETag dressing from an If-Match value.
func etagVersion(ifMatch string) string {
	v := strings.TrimPrefix(ifMatch, "W/")
	return strings.Trim(v, `"`)
}

func decodeEntries(envelope fhir.Resource) ([]Entry, error) {
	raw, _ := envelope["entry"].([]interface{})
	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fhir.BadRequest("bundle entry %d is not an object", i)
		}
		entry := Entry{}
		entry.FullURL, _ = m["fullUrl"].(string)
		if body, ok := m["resource"].(map[string]interface{}); ok {
			entry.Resource = fhir.Resource(body)
		}
		request, ok := m["request"].(map[string]interface{})
		if !ok {
			return nil, fhir.BadRequest("bundle entry %d carries no request", i)
		}
		entry.Method, _ = request["method"].(string)
		entry.URL, _ = request["url"].(string)
		entry.IfNoneExist, _ = request["ifNoneExist"].(string)
		entry.IfMatch, _ = request["ifMatch"].(string)
		if entry.Method == "" || entry.URL == "" {
			return nil, fhir.BadRequest("bundle entry %d is missing method or url", i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func createdResponse(resource fhir.Resource) Response {
	return entryResponse("201 Created", resource)
}

func okResponse(resource fhir.Resource) Response {
	return entryResponse("200 OK", resource)
}

func entryResponse(status string, resource fhir.Resource) Response {
	resp := Response{Status: status, Resource: resource}
	if resource == nil {
		return resp
	}
	kind, id, vid := resource.Kind(), resource.ID(), resource.VersionID()
	if kind != "" && id != "" && vid != "" {
		resp.Location = fmt.Sprintf("%s/%s/_history/%s", kind, id, vid)
		resp.ETag = fmt.Sprintf(`W/%q`, vid)
	}
	if when, ok := resource.LastUpdated(); ok {
		resp.LastModified = when.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	}
	return resp
}

func errorResponse(err error) Response {
	status, outcome := fhir.OutcomeOf(err)
	return Response{
		Status:  fmt.Sprintf("%d", status),
		Outcome: outcome,
	}
}

func envelope(bundleType string, responses []Response) fhir.Resource {
	entries := make([]interface{}, 0, len(responses))
	for _, resp := range responses {
		response := map[string]interface{}{"status": resp.Status}
		if resp.Location != "" {
			response["location"] = resp.Location
		}
		if resp.ETag != "" {
			response["etag"] = resp.ETag
		}
		if resp.LastModified != "" {
			response["lastModified"] = resp.LastModified
		}
		if resp.Outcome != nil {
			response["outcome"] = map[string]interface{}(resp.Outcome)
		}
		item := map[string]interface{}{"response": response}
		if resp.Resource != nil {
			item["resource"] = map[string]interface{}(resp.Resource)
		}
		entries = append(entries, item)
	}
	return fhir.Resource{
		"kind":  "Bundle",
		"type":  bundleType,
		"entry": entries,
	}
}

func searchEntries(matches []fhir.Resource) []interface{} {
	out := make([]interface{}, 0, len(matches))
	for _, match := range matches {
		out = append(out, map[string]interface{}{"resource": map[string]interface{}(match)})
	}
	return out
}
