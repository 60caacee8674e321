package rest

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vitalbase/vitalbase/audit"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/search"
	"github.com/vitalbase/vitalbase/security"
	"github.com/vitalbase/vitalbase/version"
)

func (s *Server) searchOptions() search.Options {
	return s.deps.Resources.SearchOptions()
}

// readResource decodes the request body into a resource.
func readResource(c echo.Context) (fhir.Resource, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fhir.BadRequest("failed to read request body: %v", err)
	}
	return fhir.ParseResource(body)
}

// record emits one audit event for the interaction, best-effort.
func (s *Server) record(c echo.Context, action audit.Action, kind, id string, resource fhir.Resource, err error) {
	if s.deps.Trail == nil {
		return
	}
	scope := security.ScopeFrom(c)
	event := audit.Event{
		ProjectID:    scope.ProjectID,
		ResourceType: kind,
		ResourceID:   id,
		Action:       action,
		Outcome:      "success",
		Actor:        scope.Actor,
		RemoteAddr:   c.RealIP(),
		RecordedAt:   time.Now().UTC(),
	}
	if resource != nil {
		event.ResourceID = resource.ID()
		event.VersionID = resource.VersionID()
	}
	if err != nil {
		event.Outcome = "error"
	}
	s.deps.Trail.Record(event)
}

func (s *Server) handleCreate(c echo.Context) error {
	kind := c.Param("kind")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	if kind == "Binary" && s.deps.Blobs != nil && !isFHIRJSON(c.Request().Header.Get(echo.HeaderContentType)) {
		return s.handleBinaryUpload(c, scope)
	}

	resource, err := readResource(c)
	if err != nil {
		return respondError(c, err)
	}
	if resource.Kind() != kind {
		return respondError(c, fhir.BadRequest("body kind %q does not match URL kind %q", resource.Kind(), kind))
	}

	if ifNoneExist := c.Request().Header.Get("If-None-Exist"); ifNoneExist != "" {
		req, err := search.ParseQuery(kind, ifNoneExist, s.searchOptions())
		if err != nil {
			return respondError(c, err)
		}
		persisted, created, err := s.deps.Resources.ConditionalCreate(ctx, scope, resource, req)
		s.record(c, audit.ActionCreate, kind, "", persisted, err)
		if err != nil {
			return respondError(c, err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return s.respondResource(c, status, persisted)
	}

	persisted, err := s.deps.Resources.Create(ctx, scope, resource)
	s.record(c, audit.ActionCreate, kind, "", persisted, err)
	if err != nil {
		return respondError(c, err)
	}
	return s.respondResource(c, http.StatusCreated, persisted)
}

func (s *Server) handleRead(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	if kind == "Binary" && s.deps.Blobs != nil && !acceptsFHIRJSON(c) {
		return s.handleBinaryDownload(c, scope, id)
	}

	resource, err := s.deps.Resources.Read(ctx, scope, kind, id)
	s.record(c, audit.ActionRead, kind, id, resource, err)
	if err != nil {
		return respondError(c, err)
	}
	return s.respondResource(c, http.StatusOK, resource)
}

func (s *Server) handleUpdate(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()
	ifMatch := etagVersion(c.Request().Header.Get("If-Match"))

	if kind == "Binary" && s.deps.Blobs != nil && !isFHIRJSON(c.Request().Header.Get(echo.HeaderContentType)) {
		return s.handleBinaryReplace(c, scope, id, ifMatch)
	}

	resource, err := readResource(c)
	if err != nil {
		return respondError(c, err)
	}
	if resource.Kind() != kind {
		return respondError(c, fhir.BadRequest("body kind %q does not match URL kind %q", resource.Kind(), kind))
	}
	switch resource.ID() {
	case "":
		resource.SetID(id)
	case id:
	default:
		return respondError(c, fhir.BadRequest("body id %q does not match URL id %q", resource.ID(), id))
	}

	persisted, err := s.deps.Resources.Update(ctx, scope, resource, ifMatch)
	status := http.StatusOK
	if fhir.IsNotFound(err) && ifMatch == "" {
		// update-as-create: PUT to a missing id creates at that id
		persisted, err = s.deps.Resources.CreateWithID(ctx, scope, resource, id)
		status = http.StatusCreated
	}
	s.record(c, audit.ActionUpdate, kind, id, persisted, err)
	if err != nil {
		return respondError(c, err)
	}
	return s.respondResource(c, status, persisted)
}

func (s *Server) handleConditionalUpdate(c echo.Context) error {
	kind := c.Param("kind")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	if c.QueryString() == "" {
		return respondError(c, fhir.BadRequest("conditional update requires search criteria"))
	}
	resource, err := readResource(c)
	if err != nil {
		return respondError(c, err)
	}
	if resource.Kind() != kind {
		return respondError(c, fhir.BadRequest("body kind %q does not match URL kind %q", resource.Kind(), kind))
	}
	req, err := search.ParseQuery(kind, c.QueryString(), s.searchOptions())
	if err != nil {
		return respondError(c, err)
	}

	persisted, created, err := s.deps.Resources.ConditionalUpdate(ctx, scope, resource, req)
	s.record(c, audit.ActionUpdate, kind, "", persisted, err)
	if err != nil {
		return respondError(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return s.respondResource(c, status, persisted)
}

func (s *Server) handleDelete(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	err := s.deps.Resources.Delete(ctx, scope, kind, id)
	s.record(c, audit.ActionDelete, kind, id, nil, err)
	if err != nil {
		return respondError(c, err)
	}
	if kind == "Binary" && s.deps.Blobs != nil {
		// payload removal is best-effort; the tombstone already hides it
		_ = s.deps.Blobs.Delete(ctx, id)
	}
	return c.JSON(http.StatusOK, fhir.SuccessOutcome(kind+"/"+id+" deleted"))
}

func (s *Server) handleConditionalDelete(c echo.Context) error {
	kind := c.Param("kind")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	if c.QueryString() == "" {
		return respondError(c, fhir.BadRequest("conditional delete requires search criteria"))
	}
	req, err := search.ParseQuery(kind, c.QueryString(), s.searchOptions())
	if err != nil {
		return respondError(c, err)
	}
	count, err := s.deps.Resources.ConditionalDelete(ctx, scope, kind, req)
	s.record(c, audit.ActionDelete, kind, "", nil, err)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, fhir.SuccessOutcome(strconv.Itoa(count)+" resource(s) deleted"))
}

func (s *Server) handleSearch(c echo.Context) error {
	return s.runSearch(c, c.QueryString())
}

// handleSearchForm serves POST /:kind/_search with a form-encoded body.
func (s *Server) handleSearchForm(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respondError(c, fhir.BadRequest("failed to read request body: %v", err))
	}
	rawQuery := string(body)
	if rawQuery == "" {
		rawQuery = c.QueryString()
	}
	return s.runSearch(c, rawQuery)
}

func (s *Server) runSearch(c echo.Context, rawQuery string) error {
	kind := c.Param("kind")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	req, err := search.ParseQuery(kind, rawQuery, s.searchOptions())
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.deps.Resources.Search(ctx, scope, req)
	s.record(c, audit.ActionSearch, kind, "", nil, err)
	if err != nil {
		return respondError(c, err)
	}

	self := c.Request().URL.Path
	if rawQuery != "" {
		self += "?" + rawQuery
	}
	next := ""
	if result.HasNext {
		next = nextPageURL(c.Request().URL, req.Offset, req.Count)
	}
	return c.JSON(http.StatusOK, searchsetEnvelope(self, next, result))
}

func historyOptions(c echo.Context) (repo.HistoryOptions, error) {
	var opts repo.HistoryOptions
	if raw := c.QueryParam("_count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count < 0 {
			return opts, fhir.InvalidParameter("invalid _count value %q", raw)
		}
		opts.Count = count
	}
	if raw := c.QueryParam("_since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return opts, fhir.InvalidParameter("invalid _since value %q", raw)
		}
		opts.Since = since
	}
	if raw := c.QueryParam("_cursor"); raw != "" {
		cursor, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return opts, fhir.InvalidParameter("invalid _cursor value %q", raw)
		}
		opts.Cursor = cursor
	}
	return opts, nil
}

// historyNextURL emits a cursor link when the page came back full.
func (s *Server) historyNextURL(c echo.Context, opts repo.HistoryOptions, entries []repo.HistoryEntry) string {
	requested := opts.Count
	if requested <= 0 || requested > 1000 {
		requested = 100
	}
	if len(entries) < requested {
		return ""
	}
	oldest := entries[len(entries)-1].LastUpdated
	values := c.Request().URL.Query()
	values.Set("_cursor", oldest.UTC().Format(time.RFC3339Nano))
	return c.Request().URL.Path + "?" + values.Encode()
}

func (s *Server) handleHistory(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	opts, err := historyOptions(c)
	if err != nil {
		return respondError(c, err)
	}
	entries, err := s.deps.Resources.ReadHistory(ctx, scope, kind, id, opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, historyEnvelope(c.Request().RequestURI, s.historyNextURL(c, opts, entries), kind, entries))
}

func (s *Server) handleTypeHistory(c echo.Context) error {
	kind := c.Param("kind")
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	opts, err := historyOptions(c)
	if err != nil {
		return respondError(c, err)
	}
	entries, err := s.deps.Resources.ReadTypeHistory(ctx, scope, kind, opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, historyEnvelope(c.Request().RequestURI, s.historyNextURL(c, opts, entries), kind, entries))
}

func (s *Server) handleVersionRead(c echo.Context) error {
	kind, id, vid := c.Param("kind"), c.Param("id"), c.Param("vid")
	scope := security.ScopeFrom(c)

	resource, err := s.deps.Resources.ReadVersion(c.Request().Context(), scope, kind, id, vid)
	s.record(c, audit.ActionRead, kind, id, resource, err)
	if err != nil {
		return respondError(c, err)
	}
	return s.respondResource(c, http.StatusOK, resource)
}

func (s *Server) handleEverything(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	scope := security.ScopeFrom(c)

	resources, err := s.deps.Resources.Everything(c.Request().Context(), scope, kind, id, nil)
	s.record(c, audit.ActionSearch, kind, id, nil, err)
	if err != nil {
		return respondError(c, err)
	}
	result := &repo.Result{Resources: resources}
	return c.JSON(http.StatusOK, searchsetEnvelope(c.Request().RequestURI, "", result))
}

func (s *Server) handleBundle(c echo.Context) error {
	scope := security.ScopeFrom(c)
	ctx := c.Request().Context()

	envelope, err := readResource(c)
	if err != nil {
		return respondError(c, err)
	}
	if envelope.Kind() != "Bundle" {
		return respondError(c, fhir.BadRequest("expected a Bundle, got %q", envelope.Kind()))
	}
	response, err := s.deps.Bundles.Process(ctx, scope, envelope)
	s.record(c, audit.ActionBundle, "Bundle", "", nil, err)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

// handleMetadata summarizes the server capabilities: every known kind with
// its interactions and search parameters.
func (s *Server) handleMetadata(c echo.Context) error {
	registry := s.deps.Resources.Registry()

	resources := make([]interface{}, 0)
	for _, kind := range registry.Kinds() {
		params := make([]interface{}, 0)
		for _, p := range registry.Parameters(kind) {
			params = append(params, map[string]interface{}{
				"name": p.Code,
				"type": string(p.Type),
			})
		}
		resources = append(resources, map[string]interface{}{
			"type": kind,
			"interaction": []interface{}{
				map[string]interface{}{"code": "read"},
				map[string]interface{}{"code": "vread"},
				map[string]interface{}{"code": "update"},
				map[string]interface{}{"code": "delete"},
				map[string]interface{}{"code": "create"},
				map[string]interface{}{"code": "search-type"},
				map[string]interface{}{"code": "history-instance"},
				map[string]interface{}{"code": "history-type"},
			},
			"searchParam": params,
		})
	}

	statement := fhir.Resource{
		"kind":        "CapabilityStatement",
		"status":      "active",
		"date":        time.Now().UTC().Format(time.RFC3339),
		"fhirVersion": "4.0.1",
		"format":      []interface{}{"json"},
		"software": map[string]interface{}{
			"name":    "vitalbase",
			"version": version.GetServerVersion(),
		},
		"rest": []interface{}{
			map[string]interface{}{
				"mode":     "server",
				"resource": resources,
			},
		},
	}
	return c.JSON(http.StatusOK, statement)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "vitalbase",
		"version": version.GetServerVersion(),
	})
}
