// Package httpapi is the REST surface of the support-ticket service.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"flowbit.dev/internal/audit"
	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/limiter"
	"flowbit.dev/internal/obs"
	"flowbit.dev/internal/registry"
	"flowbit.dev/internal/tickets"
	"flowbit.dev/internal/workflow"
)

// ReadyProbe reports whether the database answers.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services the API dispatches to. Limiter and Workflow are optional.
type Deps struct {
	Auth      *auth.Service
	Tickets   *tickets.Service
	Audit     *audit.Recorder
	Registry  *registry.Registry
	Callbacks *workflow.Callbacks
	Workflow  *workflow.Dispatcher
	Limiter   limiter.Limiter
	Ready     ReadyProbe
	Logger    *zap.Logger
}

// API is the HTTP layer.
type API struct {
	auth      *auth.Service
	tickets   *tickets.Service
	audit     *audit.Recorder
	registry  *registry.Registry
	callbacks *workflow.Callbacks
	workflow  *workflow.Dispatcher
	limiter   limiter.Limiter
	ready     ReadyProbe
	logger    *zap.Logger
	version   string
	now       func() time.Time

	rateBurst  int
	ratePerSec int
	proxyAddrs []string
	proxies    TrustedProxies
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket applied to /api/auth.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithTrustedProxies lists the proxy CIDRs or addresses whose X-Forwarded-For
// header is used to find the client address.
func WithTrustedProxies(entries ...string) Option {
	return func(a *API) { a.proxyAddrs = append(a.proxyAddrs, entries...) }
}

// WithVersion sets the version reported by /healthz and /v1/info.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func New(d Deps, opts ...Option) (*API, error) {
	if d.Auth == nil || d.Tickets == nil || d.Audit == nil || d.Callbacks == nil {
		return nil, errors.New("httpapi: auth, tickets, audit and callbacks are required")
	}
	if d.Registry == nil {
		d.Registry = registry.Default()
	}
	if d.Logger == nil {
		d.Logger = obs.Logger()
	}
	a := &API{
		auth:       d.Auth,
		tickets:    d.Tickets,
		audit:      d.Audit,
		registry:   d.Registry,
		callbacks:  d.Callbacks,
		workflow:   d.Workflow,
		limiter:    d.Limiter,
		ready:      d.Ready,
		logger:     d.Logger,
		version:    "dev",
		now:        time.Now,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}
	proxies, err := ParseTrustedProxies(a.proxyAddrs)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	a.proxies = proxies
	return a, nil
}

// Handler builds the route tree wrapped in the common middleware.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, ClientIP(a.proxies), obs.Instrument, LoggingJSON(a.logger), Recover(a.logger), SecurityHeaders, CORS)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api/auth", func(ar chi.Router) {
		ar.Get("/health", a.handleAuthHealth)
		ar.Group(func(limited chi.Router) {
			limited.Use(RateLimit(a.rateBurst, a.ratePerSec))
			limited.Post("/login", a.handleLogin)
			limited.Post("/register", a.handleRegister)
			limited.Post("/refresh", a.handleRefresh)
			limited.Post("/logout", a.handleLogout)
		})
	})

	r.Route("/api/tickets", func(tr chi.Router) {
		tr.Use(a.requireAuth)
		tr.With(a.audited("list_tickets", "ticket")).Get("/", a.handleListTickets)
		tr.With(a.audited("create_ticket", "ticket")).Post("/", a.handleCreateTicket)
		tr.With(a.audited("view_ticket", "ticket")).Get("/{id}", a.handleGetTicket)
		tr.With(a.audited("update_ticket", "ticket")).Put("/{id}", a.handleUpdateTicket)
		tr.With(a.audited("delete_ticket", "ticket")).Delete("/{id}", a.handleDeleteTicket)
		tr.With(a.audited("add_comment", "ticket")).Post("/{id}/comments", a.handleAddComment)
		tr.Get("/{id}/workflow", a.handleTicketWorkflow)
	})

	r.Route("/api/users", func(ur chi.Router) {
		ur.Use(a.requireAuth)
		ur.Get("/me", a.handleMe)
		ur.Get("/me/screens", a.handleMyScreens)
		ur.With(a.requireAdmin, a.audited("list_users", "user")).Get("/", a.handleListUsers)
	})

	r.Route("/admin", func(adm chi.Router) {
		adm.Use(a.requireAuth, a.requireAdmin)
		adm.Get("/dashboard-stats", a.handleDashboardStats)
		adm.Get("/audit-logs", a.handleAuditLogs)
	})

	r.Route("/webhook", func(wr chi.Router) {
		wr.Post("/ticket-done", a.handleTicketDone)
		wr.Post("/n8n-test", a.handleWebhookTest)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, codeNotFound, "Method not allowed")
	})

	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "flowbit-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "flowbit-api",
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
