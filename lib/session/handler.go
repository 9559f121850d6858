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

package session

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/staminads/staminads-sub003"
	"github.com/staminads/staminads-sub003/lib/events"
	"github.com/staminads/staminads-sub003/lib/filters"
	"github.com/staminads/staminads-sub003/lib/geo"
	"github.com/staminads/staminads-sub003/lib/workspace"
)

// Buffer is where the handler deposits enriched events. Implemented by
// lib/buffer.
type Buffer interface {
	AddBatch(ctx context.Context, batch []*events.TrackingEvent) error
}

// HandlerConfig configures a session payload Handler.
type HandlerConfig struct {
	// Workspaces resolves and caches tenants.
	Workspaces *workspace.Cache
	// Buffer receives the enriched events.
	Buffer Buffer
	// Geo resolves client IPs. Optional; without it events carry no geo.
	Geo geo.Resolver
	// Clock stamps received_at and _version.
	Clock clockwork.Clock
	// Logger for the component.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Workspaces == nil {
		return trace.BadParameter("missing parameter Workspaces")
	}
	if c.Buffer == nil {
		return trace.BadParameter("missing parameter Buffer")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(staminads.ComponentKey, staminads.ComponentIngest)
	}
	return nil
}

// Handler transforms one session payload into enriched tracking events and
// hands them to the buffer. Stateless per request after the workspace
// lookup; safe for concurrent use. Idempotent under replay: repeated
// payloads produce rows with identical dedup tokens and fresh _version
// stamps, which the store folds down to the latest row.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler builds a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handler{cfg: cfg}, nil
}

// HandlePayload enriches the payload's unacknowledged actions and buffers
// the resulting events. clientIP may be nil. The returned checkpoint always
// equals the payload's full action count.
func (h *Handler) HandlePayload(ctx context.Context, p *Payload, clientIP net.IP) (*Response, error) {
	if err := p.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	ws, err := h.cfg.Workspaces.Get(ctx, p.WorkspaceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("unknown workspace %q", p.WorkspaceID)
		}
		return nil, trace.Wrap(err)
	}

	startIndex := p.checkpoint() + 1
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(p.Actions) {
		// Everything in this payload was already acknowledged.
		return &Response{Success: true, Checkpoint: len(p.Actions)}, nil
	}

	location := h.lookupGeo(ws, clientIP)

	// One version stamp for the whole payload. A replayed action gets the
	// same dedup token with a higher version, so the replacement merge
	// keeps the latest submission.
	version := uint64(h.cfg.Clock.Now().UnixMilli())

	base := h.baseEvent(p, ws, location, version)

	// Reconstruct the previous_path chain from the acknowledged prefix so
	// the first new pageview points at the last acknowledged one.
	previousPath := ""
	for i := range startIndex {
		if p.Actions[i].Type == ActionPageview {
			previousPath = p.Actions[i].Path
		}
	}

	batch := make([]*events.TrackingEvent, 0, len(p.Actions)-startIndex)
	for i := startIndex; i < len(p.Actions); i++ {
		action := &p.Actions[i]
		switch action.Type {
		case ActionPageview:
			event := base
			event.Name = events.NameScreenView
			event.Path = action.Path
			event.PreviousPath = previousPath
			event.PageNumber = action.PageNumber
			event.Duration = action.Duration
			event.PageDuration = action.Duration
			event.MaxScroll = action.Scroll
			event.EnteredAt = action.EnteredAt
			event.ExitedAt = action.ExitedAt
			event.GoalTimestamp = ""
			event.DedupToken = events.PageviewDedupToken(p.SessionID, action.PageNumber)
			previousPath = action.Path
			batch = append(batch, &event)
		case ActionGoal:
			event := base
			event.Name = events.NameGoal
			event.Path = action.Path
			event.PageNumber = action.PageNumber
			event.GoalName = action.Name
			event.GoalValue = action.Value
			event.GoalTimestamp = strconv.FormatInt(action.Timestamp, 10)
			event.Properties = action.Properties
			event.DedupToken = events.GoalDedupToken(p.SessionID, action.Name, action.Timestamp)
			batch = append(batch, &event)
		default:
			return nil, trace.BadParameter("action %d: unknown action type %q", i, action.Type)
		}
	}

	if evaluator := h.evaluator(ws); evaluator != nil {
		for _, event := range batch {
			applyFilterResult(event, evaluator.Evaluate(event))
		}
	}

	if err := h.cfg.Buffer.AddBatch(ctx, batch); err != nil {
		return nil, trace.Wrap(err)
	}

	h.cfg.Logger.DebugContext(ctx, "accepted session payload",
		"workspace_id", p.WorkspaceID,
		"session_id", p.SessionID,
		"events", len(batch),
		"checkpoint", len(p.Actions))
	return &Response{Success: true, Checkpoint: len(p.Actions)}, nil
}

// lookupGeo resolves the client IP once per payload and applies the
// workspace's suppression settings.
func (h *Handler) lookupGeo(ws *workspace.Workspace, clientIP net.IP) geo.Location {
	if h.cfg.Geo == nil || clientIP == nil || !ws.Settings.GeoEnabled {
		return geo.Location{}
	}
	location, err := h.cfg.Geo.Resolve(clientIP)
	if err != nil {
		// Geo failures never fail the payload.
		h.cfg.Logger.Warn("geo lookup failed", "error", err)
		return geo.Location{}
	}
	if !ws.Settings.GeoStoreCity {
		location.City = ""
	}
	if !ws.Settings.GeoStoreRegion {
		location.Region = ""
	}
	precision := ws.Settings.GeoCoordinatesPrecision
	location.Latitude = geo.RoundCoordinate(location.Latitude, precision)
	location.Longitude = geo.RoundCoordinate(location.Longitude, precision)
	return location
}

// baseEvent builds the session-level template every action event starts
// from.
func (h *Handler) baseEvent(p *Payload, ws *workspace.Workspace, location geo.Location, version uint64) events.TrackingEvent {
	event := events.TrackingEvent{
		SessionID:   p.SessionID,
		WorkspaceID: ws.ID,
		ReceivedAt:  h.cfg.Clock.Now().UTC(),
		CreatedAt:   msToTime(p.CreatedAt),
		UpdatedAt:   msToTime(p.UpdatedAt),
		Version:     version,
		SDKVersion:  p.SDKVersion,
		Country:     location.Country,
		Region:      location.Region,
		City:        location.City,
		Latitude:    location.Latitude,
		Longitude:   location.Longitude,
	}
	if p.UserID != nil {
		event.UserID = *p.UserID
	}

	attrs := p.Attributes
	if attrs != nil {
		event.Referrer = attrs.Referrer
		event.ReferrerDomain, event.ReferrerPath = parseURLParts(attrs.Referrer)
		event.LandingPage = attrs.LandingPage
		_, event.LandingPath = parseURLParts(attrs.LandingPage)
		event.UTMSource = attrs.UTMSource
		event.UTMMedium = attrs.UTMMedium
		event.UTMCampaign = attrs.UTMCampaign
		event.UTMTerm = attrs.UTMTerm
		event.UTMContent = attrs.UTMContent
		event.UTMID = attrs.UTMID
		event.UTMIDFrom = attrs.UTMIDFrom
		event.Device = attrs.Device
		event.Browser = attrs.Browser
		event.BrowserType = attrs.BrowserType
		event.OS = attrs.OS
		event.UserAgent = attrs.UserAgent
		event.ConnectionType = attrs.ConnectionType
		event.Language = attrs.Language
		event.Timezone = attrs.Timezone
		event.ScreenWidth = attrs.ScreenWidth
		event.ScreenHeight = attrs.ScreenHeight
		event.ViewportWidth = attrs.ViewportWidth
		event.ViewportHeight = attrs.ViewportHeight
	}
	event.IsDirect = attrs == nil || attrs.Referrer == ""

	// Session-level custom dimensions from the SDK. Filters may still
	// overwrite them.
	for dim, value := range p.Dimensions {
		if filters.IsCustomDimension(dim) {
			event.SetDimension(dim, value)
		}
	}
	return event
}

// evaluator returns a filter evaluator for the workspace, or nil when it has
// no filters.
func (h *Handler) evaluator(ws *workspace.Workspace) *filters.Evaluator {
	if len(ws.Settings.Filters) == 0 {
		return nil
	}
	return filters.NewEvaluator(ws.Settings.Filters)
}

// applyFilterResult overlays the evaluation result onto the event.
func applyFilterResult(event *events.TrackingEvent, result filters.Result) {
	for dim, value := range result.ModifiedFields {
		event.SetDimension(dim, value)
	}
	for dim, value := range result.CustomDimensions {
		event.SetDimension(dim, value)
	}
}

// parseURLParts splits a URL into host and path. Parse failures are
// non-fatal and yield empty parts.
func parseURLParts(raw string) (domain, path string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	return u.Host, u.Path
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
