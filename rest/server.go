// Package rest exposes the resource API over HTTP: CRUD and search routes
// under the configured base path, bundle processing, history, the websocket
// subscription channel and the capability statement. Handlers translate
// every failure into an OperationOutcome document.
package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/vitalbase/vitalbase/audit"
	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/config"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/search"
	"github.com/vitalbase/vitalbase/security"
	"github.com/vitalbase/vitalbase/storage"
)

// ResourceService is the persistence surface the handlers call. It is
// implemented by repo.Repository.
type ResourceService interface {
	Create(ctx context.Context, scope repo.Scope, resource fhir.Resource) (fhir.Resource, error)
	CreateWithID(ctx context.Context, scope repo.Scope, resource fhir.Resource, assignedID string) (fhir.Resource, error)
	Read(ctx context.Context, scope repo.Scope, kind, id string) (fhir.Resource, error)
	Update(ctx context.Context, scope repo.Scope, resource fhir.Resource, ifMatch string) (fhir.Resource, error)
	Delete(ctx context.Context, scope repo.Scope, kind, id string) error
	ReadVersion(ctx context.Context, scope repo.Scope, kind, id, versionID string) (fhir.Resource, error)
	ReadHistory(ctx context.Context, scope repo.Scope, kind, id string, opts repo.HistoryOptions) ([]repo.HistoryEntry, error)
	ReadTypeHistory(ctx context.Context, scope repo.Scope, kind string, opts repo.HistoryOptions) ([]repo.HistoryEntry, error)
	Search(ctx context.Context, scope repo.Scope, req *search.Request) (*repo.Result, error)
	ConditionalCreate(ctx context.Context, scope repo.Scope, resource fhir.Resource, req *search.Request) (fhir.Resource, bool, error)
	ConditionalUpdate(ctx context.Context, scope repo.Scope, resource fhir.Resource, req *search.Request) (fhir.Resource, bool, error)
	ConditionalDelete(ctx context.Context, scope repo.Scope, kind string, req *search.Request) (int, error)
	Everything(ctx context.Context, scope repo.Scope, kind, id string, compartmentKinds []string) ([]fhir.Resource, error)
	Registry() *search.Registry
	SearchOptions() search.Options
}

// BundleProcessor applies batch and transaction bundles.
type BundleProcessor interface {
	Process(ctx context.Context, scope repo.Scope, envelope fhir.Resource) (fhir.Resource, error)
}

// SubscriptionStream upgrades a request to a websocket subscription session.
type SubscriptionStream interface {
	Handle(w http.ResponseWriter, r *http.Request) error
}

// AuditRecorder records one audit event, best-effort.
type AuditRecorder interface {
	Record(event audit.Event)
}

// Dependencies wires the collaborating services into the server. Stream,
// Blobs, Trail and Validator are optional; a nil Validator disables
// authentication.
type Dependencies struct {
	Resources ResourceService
	Bundles   BundleProcessor
	Stream    SubscriptionStream
	Blobs     storage.BlobStore
	Trail     AuditRecorder
	Validator security.Validator
}

// Server is the HTTP boundary of the resource store.
type Server struct {
	echo *echo.Echo
	cfg  config.ServerConfig
	deps Dependencies
}

// NewServer creates the echo instance with the standard middleware stack and
// registers all routes.
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
				"If-Match",
				"If-None-Exist",
			},
		}))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(cfg.RequestTimeout))
	}

	e.HTTPErrorHandler = outcomeErrorHandler

	s := &Server{echo: e, cfg: cfg, deps: deps}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying echo instance, used by tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) basePath() string {
	if s.cfg.BasePath == "" {
		return "/fhir/R4"
	}
	return s.cfg.BasePath
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/healthz", s.handleHealthz)
	if s.deps.Stream != nil {
		e.GET("/ws/subscriptions", s.handleSubscriptions)
	}

	base := e.Group(s.basePath())
	base.GET("/metadata", s.handleMetadata)

	authed := base.Group("", security.Middleware(s.deps.Validator))
	authed.POST("", s.handleBundle)
	authed.GET("/:kind", s.handleSearch)
	authed.POST("/:kind", s.handleCreate)
	authed.PUT("/:kind", s.handleConditionalUpdate)
	authed.DELETE("/:kind", s.handleConditionalDelete)
	authed.POST("/:kind/_search", s.handleSearchForm)
	authed.GET("/:kind/_history", s.handleTypeHistory)
	authed.GET("/:kind/:id", s.handleRead)
	authed.PUT("/:kind/:id", s.handleUpdate)
	authed.DELETE("/:kind/:id", s.handleDelete)
	authed.GET("/:kind/:id/_history", s.handleHistory)
	authed.GET("/:kind/:id/_history/:vid", s.handleVersionRead)
	authed.GET("/:kind/:id/$everything", s.handleEverything)
}

// Start blocks serving requests until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	server := &http.Server{
		Addr:         addr,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	common.Logger.WithField("addr", addr).Info("server listening")
	return s.echo.StartServer(server)
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleSubscriptions(c echo.Context) error {
	return s.deps.Stream.Handle(c.Response(), c.Request())
}
