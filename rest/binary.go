package rest

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vitalbase/vitalbase/audit"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/storage"
)

// isFHIRJSON reports whether the content type is one of the JSON resource
// media types; anything else on a Binary route is treated as raw payload.
func isFHIRJSON(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	switch mediaType {
	case "", "application/json", "application/fhir+json":
		return true
	}
	return false
}

// acceptsFHIRJSON reports whether the client asked for the resource form
// rather than the raw payload.
func acceptsFHIRJSON(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	if accept == "" {
		return true
	}
	return strings.Contains(accept, "json") || strings.Contains(accept, "*/*")
}

// handleBinaryUpload stores the raw payload in the blob store and creates
// the Binary resource describing it.
func (s *Server) handleBinaryUpload(c echo.Context, scope repo.Scope) error {
	ctx := c.Request().Context()
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respondError(c, fhir.BadRequest("failed to read request body: %v", err))
	}
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := fhir.NewID()
	if err := s.deps.Blobs.Put(ctx, id, storage.Blob{Data: data, ContentType: contentType}); err != nil {
		return respondError(c, err)
	}
	resource := fhir.Resource{
		"kind":        "Binary",
		"contentType": contentType,
	}
	persisted, err := s.deps.Resources.CreateWithID(ctx, scope, resource, id)
	s.record(c, audit.ActionCreate, "Binary", id, persisted, err)
	if err != nil {
		return respondError(c, err)
	}
	return s.respondResource(c, http.StatusCreated, persisted)
}

// handleBinaryReplace overwrites the payload and bumps the Binary resource.
func (s *Server) handleBinaryReplace(c echo.Context, scope repo.Scope, id, ifMatch string) error {
	ctx := c.Request().Context()
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respondError(c, fhir.BadRequest("failed to read request body: %v", err))
	}
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// The versioned update runs first; the payload is only replaced once the
	// row write (and its If-Match precondition) succeeded.
	resource := fhir.Resource{
		"kind":        "Binary",
		"id":          id,
		"contentType": contentType,
	}
	persisted, err := s.deps.Resources.Update(ctx, scope, resource, ifMatch)
	status := http.StatusOK
	if fhir.IsNotFound(err) && ifMatch == "" {
		persisted, err = s.deps.Resources.CreateWithID(ctx, scope, resource, id)
		status = http.StatusCreated
	}
	s.record(c, audit.ActionUpdate, "Binary", id, persisted, err)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.deps.Blobs.Put(ctx, id, storage.Blob{Data: data, ContentType: contentType}); err != nil {
		return respondError(c, err)
	}
	return s.respondResource(c, status, persisted)
}

// handleBinaryDownload serves the stored payload with its original content
// type. The resource row is consulted first so deletes surface as 410.
func (s *Server) handleBinaryDownload(c echo.Context, scope repo.Scope, id string) error {
	ctx := c.Request().Context()

	resource, err := s.deps.Resources.Read(ctx, scope, "Binary", id)
	s.record(c, audit.ActionRead, "Binary", id, resource, err)
	if err != nil {
		return respondError(c, err)
	}
	blob, err := s.deps.Blobs.Get(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	if vid := resource.VersionID(); vid != "" {
		c.Response().Header().Set("ETag", `W/"`+vid+`"`)
	}
	return c.Blob(http.StatusOK, blob.ContentType, blob.Data)
}
