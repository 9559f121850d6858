// Staminads
// Copyright (C) 2025 Staminads, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package httpapi binds the ingest handler and the backfill service to an
// HTTP surface. It does framing only: authentication and TLS termination
// sit in front of it.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/staminads/staminads-sub003"
	"github.com/staminads/staminads-sub003/lib/backfill"
	"github.com/staminads/staminads-sub003/lib/session"
)

// Config holds the API's collaborators.
type Config struct {
	// Ingest handles session payloads.
	Ingest *session.Handler
	// Backfill owns the task lifecycle.
	Backfill *backfill.Service
	// Metrics, when set, is served at /metrics.
	Metrics prometheus.Gatherer
	// Logger for request failures.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Ingest == nil {
		return trace.BadParameter("missing parameter Ingest")
	}
	if c.Backfill == nil {
		return trace.BadParameter("missing parameter Backfill")
	}
	if c.Logger == nil {
		c.Logger = slog.With(staminads.ComponentKey, staminads.ComponentHTTP)
	}
	return nil
}

// API is the HTTP surface of the service.
type API struct {
	httprouter.Router
	cfg Config
}

// NewAPI builds the API and registers its routes.
func NewAPI(cfg Config) (*API, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	api := &API{cfg: cfg}
	api.Router = *httprouter.New()

	api.POST("/v1/ingest", api.withJSON(api.handleIngest))
	api.POST("/v1/workspaces/:workspace_id/backfill", api.withJSON(api.handleStartBackfill))
	api.GET("/v1/workspaces/:workspace_id/backfill", api.withJSON(api.handleListTasks))
	api.GET("/v1/workspaces/:workspace_id/backfill/summary", api.withJSON(api.handleSummary))
	api.GET("/v1/backfill/:task_id", api.withJSON(api.handleTaskStatus))
	api.DELETE("/v1/backfill/:task_id", api.withJSON(api.handleCancelTask))
	if cfg.Metrics != nil {
		api.Handler(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	return api, nil
}

// handlerFunc is an httprouter handler returning a JSON-encodable body or
// an error to be mapped to a status code.
type handlerFunc func(r *http.Request, params httprouter.Params) (any, error)

// withJSON adapts a handlerFunc: the returned value is written as JSON,
// errors are translated to their HTTP status with a JSON error body.
func (a *API) withJSON(handler handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		body, err := handler(r, params)
		if err != nil {
			status := trace.ErrorToCode(err)
			if status >= http.StatusInternalServerError {
				a.cfg.Logger.ErrorContext(r.Context(), "request failed",
					"method", r.Method, "path", r.URL.Path, "error", err)
			}
			writeJSON(w, status, map[string]any{
				"success": false,
				"error":   trace.UserMessage(err),
			})
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (a *API) handleIngest(r *http.Request, _ httprouter.Params) (any, error) {
	var payload session.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, trace.BadParameter("invalid payload: %v", err)
	}
	resp, err := a.cfg.Ingest.HandlePayload(r.Context(), &payload, clientIP(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// startBackfillRequest is the body of POST /v1/workspaces/:id/backfill.
type startBackfillRequest struct {
	LookbackDays  int `json:"lookback_days"`
	ChunkSizeDays int `json:"chunk_size_days"`
}

func (a *API) handleStartBackfill(r *http.Request, params httprouter.Params) (any, error) {
	var req startBackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, trace.BadParameter("invalid request: %v", err)
	}
	taskID, err := a.cfg.Backfill.StartBackfill(r.Context(),
		params.ByName("workspace_id"), req.LookbackDays, req.ChunkSizeDays)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"task_id": taskID}, nil
}

func (a *API) handleTaskStatus(r *http.Request, params httprouter.Params) (any, error) {
	progress, err := a.cfg.Backfill.GetTaskStatus(r.Context(), params.ByName("task_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return progress, nil
}

func (a *API) handleCancelTask(r *http.Request, params httprouter.Params) (any, error) {
	if err := a.cfg.Backfill.CancelTask(r.Context(), params.ByName("task_id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]bool{"success": true}, nil
}

func (a *API) handleListTasks(r *http.Request, params httprouter.Params) (any, error) {
	tasks, err := a.cfg.Backfill.ListTasks(r.Context(), params.ByName("workspace_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tasks, nil
}

func (a *API) handleSummary(r *http.Request, params httprouter.Params) (any, error) {
	summary, err := a.cfg.Backfill.GetBackfillSummary(r.Context(), params.ByName("workspace_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return summary, nil
}

// clientIP extracts the originating address: the first X-Forwarded-For hop
// when a proxy set one, the socket peer otherwise.
func clientIP(r *http.Request) net.IP {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
