package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
)

const lastModifiedFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// outcomeErrorHandler renders every error the router or a middleware
// produces as an OperationOutcome document.
func outcomeErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		code := "exception"
		switch he.Code {
		case http.StatusNotFound:
			code = "not-found"
		case http.StatusMethodNotAllowed:
			code = "not-supported"
		case http.StatusUnauthorized:
			code = "login"
		case http.StatusRequestEntityTooLarge, http.StatusBadRequest:
			code = "invalid"
		}
		_ = c.JSON(he.Code, fhir.Outcome("error", code, fmt.Sprintf("%v", he.Message)))
		return
	}
	status, outcome := fhir.OutcomeOf(err)
	_ = c.JSON(status, outcome)
}

func respondError(c echo.Context, err error) error {
	status, outcome := fhir.OutcomeOf(err)
	return c.JSON(status, outcome)
}

// respondResource writes the version headers and, for 201, the Location of
// the created version.
func (s *Server) respondResource(c echo.Context, status int, resource fhir.Resource) error {
	header := c.Response().Header()
	if vid := resource.VersionID(); vid != "" {
		header.Set("ETag", fmt.Sprintf(`W/%q`, vid))
	}
	if when, ok := resource.LastUpdated(); ok {
		header.Set("Last-Modified", when.UTC().Format(lastModifiedFormat))
	}
	if status == http.StatusCreated {
		header.Set(echo.HeaderLocation, fmt.Sprintf("%s/%s/%s/_history/%s",
			s.basePath(), resource.Kind(), resource.ID(), resource.VersionID()))
	}
	return c.JSON(status, resource)
}

// etagVersion extracts the versionId from a weak ETag header value; a bare
// quoted or unquoted value is accepted as well.
func etagVersion(header string) string {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "W/")
	return strings.Trim(header, `"`)
}

// searchsetEnvelope renders a search result: matches first, then includes,
// with self and optional next links.
func searchsetEnvelope(selfURL, nextURL string, result *repo.Result) fhir.Resource {
	entries := make([]interface{}, 0, len(result.Resources)+len(result.Included))
	for _, match := range result.Resources {
		entries = append(entries, map[string]interface{}{
			"resource": map[string]interface{}(match),
			"search":   map[string]interface{}{"mode": "match"},
		})
	}
	for _, included := range result.Included {
		entries = append(entries, map[string]interface{}{
			"resource": map[string]interface{}(included),
			"search":   map[string]interface{}{"mode": "include"},
		})
	}

	links := []interface{}{
		map[string]interface{}{"relation": "self", "url": selfURL},
	}
	if nextURL != "" {
		links = append(links, map[string]interface{}{"relation": "next", "url": nextURL})
	}

	envelope := fhir.Resource{
		"kind":  "Bundle",
		"type":  "searchset",
		"link":  links,
		"entry": entries,
	}
	if result.Total != nil {
		envelope["total"] = *result.Total
	}
	return envelope
}

// nextPageURL rebuilds the request URL with _offset advanced by one page.
func nextPageURL(requestURL *url.URL, offset, count int) string {
	values := requestURL.Query()
	values.Set("_offset", fmt.Sprintf("%d", offset+count))
	return requestURL.Path + "?" + values.Encode()
}

// historyEnvelope renders version entries newest-first. Tombstones carry a
// DELETE request and no resource.
func historyEnvelope(selfURL, nextURL, kind string, entries []repo.HistoryEntry) fhir.Resource {
	items := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		method := http.MethodPut
		status := "200 OK"
		if entry.Deleted {
			method = http.MethodDelete
			status = "204 No Content"
		}
		response := map[string]interface{}{
			"status":       status,
			"etag":         fmt.Sprintf(`W/%q`, entry.VersionID),
			"lastModified": entry.LastUpdated.UTC().Format(time.RFC3339Nano),
		}
		item := map[string]interface{}{
			"request": map[string]interface{}{
				"method": method,
				"url":    fmt.Sprintf("%s/%s", kind, entry.ID),
			},
			"response": response,
		}
		if !entry.Deleted && entry.Resource != nil {
			item["resource"] = map[string]interface{}(entry.Resource)
		}
		items = append(items, item)
	}

	links := []interface{}{
		map[string]interface{}{"relation": "self", "url": selfURL},
	}
	if nextURL != "" {
		links = append(links, map[string]interface{}{"relation": "next", "url": nextURL})
	}

	return fhir.Resource{
		"kind":  "Bundle",
		"type":  "history",
		"total": len(items),
		"link":  links,
		"entry": items,
	}
}
