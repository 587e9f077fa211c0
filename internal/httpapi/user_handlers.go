package httpapi

import (
	"net/http"

	"flowbit.dev/internal/audit"
	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/registry"
)

const recentActivity = 10

type screensResponse struct {
	Screens    []registry.Screen `json:"screens"`
	TenantName string            `json:"tenantName"`
}

type dashboardStats struct {
	TotalUsers     int           `json:"totalUsers"`
	TotalTickets   int           `json:"totalTickets"`
	OpenTickets    int           `json:"openTickets"`
	RecentActivity []audit.Entry `json:"recentActivity"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	u, err := a.auth.User(r.Context(), p.UserID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       u,
		"customerId": p.CustomerID,
	})
}

func (a *API) handleMyScreens(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.registry.Lookup(principal(r).CustomerID)
	if !ok {
		writeError(w, r, http.StatusNotFound, codeNotFound, "Tenant configuration not found")
		return
	}
	screens := tenant.Screens
	if screens == nil {
		screens = []registry.Screen{}
	}
	writeJSON(w, http.StatusOK, screensResponse{Screens: screens, TenantName: tenant.Name})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.ListUsers(r.Context(), principal(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	users, err := a.auth.CountUsers(r.Context(), p)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	stats, err := a.tickets.Stats(r.Context(), p)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	recent, err := a.audit.Recent(r.Context(), p.CustomerID, recentActivity)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboardStats{
		TotalUsers:     users,
		TotalTickets:   stats.TotalTickets,
		OpenTickets:    stats.OpenTickets,
		RecentActivity: recent,
	})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	page, err := parsePositiveInt(q.Get("page"), 1)
	if err != nil {
		fields["page"] = err.Error()
	}
	limit, err := parsePositiveInt(q.Get("limit"), audit.DefaultPageSize)
	if err != nil {
		fields["limit"] = err.Error()
	}
	if len(fields) > 0 {
		writeValidation(w, r, "Invalid query parameters", fields)
		return
	}

	res, err := a.audit.List(r.Context(), principal(r).CustomerID, page, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
