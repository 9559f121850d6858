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

// Package session turns incremental session payloads from the browser SDK
// into enriched tracking events.
package session

import (
	"github.com/gravitational/trace"
)

// Action types accepted on the wire.
const (
	ActionPageview = "pageview"
	ActionGoal     = "goal"
)

// Action is one entry of a payload's ordered action list. The Type field
// discriminates between pageviews and goals; the remaining fields are a
// union.
type Action struct {
	Type string `json:"type"`

	// Shared.
	Path       string `json:"path,omitempty"`
	PageNumber int32  `json:"page_number,omitempty"`

	// Pageview.
	Duration  int32 `json:"duration,omitempty"`
	Scroll    int32 `json:"scroll,omitempty"`
	EnteredAt int64 `json:"entered_at,omitempty"`
	ExitedAt  int64 `json:"exited_at,omitempty"`

	// Goal.
	Name       string         `json:"name,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Value      float64        `json:"value,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// CheckAndSetDefaults validates one action. Unknown action types are caught
// later by the handler so the whole payload fails with the action index.
func (a *Action) CheckAndSetDefaults() error {
	switch a.Type {
	case ActionPageview:
		if a.PageNumber < 1 {
			return trace.BadParameter("pageview page_number must be >= 1, got %d", a.PageNumber)
		}
		if a.Duration < 0 {
			return trace.BadParameter("pageview duration must not be negative")
		}
		if a.Scroll < 0 {
			return trace.BadParameter("pageview scroll must not be negative")
		}
	case ActionGoal:
		if a.Name == "" {
			return trace.BadParameter("goal action requires a name")
		}
		if a.PageNumber < 1 {
			return trace.BadParameter("goal page_number must be >= 1, got %d", a.PageNumber)
		}
	}
	return nil
}

// Attributes carries the session-level context the SDK sends at least on
// the first payload.
type Attributes struct {
	LandingPage string `json:"landing_page,omitempty"`
	Referrer    string `json:"referrer,omitempty"`

	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMID       string `json:"utm_id,omitempty"`
	UTMIDFrom   string `json:"utm_id_from,omitempty"`

	ScreenWidth    int32  `json:"screen_width,omitempty"`
	ScreenHeight   int32  `json:"screen_height,omitempty"`
	ViewportWidth  int32  `json:"viewport_width,omitempty"`
	ViewportHeight int32  `json:"viewport_height,omitempty"`
	Device         string `json:"device,omitempty"`
	Browser        string `json:"browser,omitempty"`
	BrowserType    string `json:"browser_type,omitempty"`
	OS             string `json:"os,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	Language       string `json:"language,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// Payload is one incremental session submission. Replay is cumulative: the
// SDK resends all actions and Checkpoint says how many leading ones the
// server already acknowledged (-1, the default, means none).
type Payload struct {
	WorkspaceID string            `json:"workspace_id"`
	SessionID   string            `json:"session_id"`
	Actions     []Action          `json:"actions"`
	Checkpoint  *int              `json:"checkpoint,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
	SDKVersion  string            `json:"sdk_version,omitempty"`
	UserID      *string           `json:"user_id,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Attributes  *Attributes       `json:"attributes,omitempty"`
}

// CheckAndSetDefaults validates the payload envelope and every action.
func (p *Payload) CheckAndSetDefaults() error {
	if p.WorkspaceID == "" {
		return trace.BadParameter("missing workspace_id")
	}
	if p.SessionID == "" {
		return trace.BadParameter("missing session_id")
	}
	if p.CreatedAt <= 0 {
		return trace.BadParameter("missing created_at")
	}
	if p.UpdatedAt <= 0 {
		return trace.BadParameter("missing updated_at")
	}
	for i := range p.Actions {
		if err := p.Actions[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "action %d", i)
		}
	}
	return nil
}

// checkpoint returns the acknowledged action count, defaulting to -1.
func (p *Payload) checkpoint() int {
	if p.Checkpoint == nil {
		return -1
	}
	return *p.Checkpoint
}

// Response acknowledges a payload. Checkpoint equals the full action count
// once the payload is accepted.
type Response struct {
	Success    bool `json:"success"`
	Checkpoint int  `json:"checkpoint"`
}
