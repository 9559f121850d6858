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

// Package events defines the TrackingEvent row written to the columnar
// store, and the dedup token scheme the replacement-merge layer keys on.
package events

import (
	"fmt"
	"strconv"
	"time"
)

// Event names. Every row is either a pageview or a goal conversion.
const (
	NameScreenView = "screen_view"
	NameGoal       = "goal"
)

// TrackingEvent is one enriched row of the events table. The same struct is
// read by the live filter evaluator (FieldValue) and written by filter
// operations (SetDimension).
type TrackingEvent struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id,omitempty"`
	Name        string `json:"name"`

	// ReceivedAt is stamped by the server; CreatedAt/UpdatedAt come from the
	// payload.
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Version is the server clock in milliseconds, shared by every event of
	// one payload. The store's replacement merge keeps the highest value per
	// dedup token.
	Version uint64 `json:"_version"`
	// DedupToken folds repeats of the same logical event across payload
	// replays.
	DedupToken string `json:"dedup_token"`

	// Traffic source.
	Referrer       string `json:"referrer,omitempty"`
	ReferrerDomain string `json:"referrer_domain,omitempty"`
	ReferrerPath   string `json:"referrer_path,omitempty"`
	IsDirect       bool   `json:"is_direct"`
	Channel        string `json:"channel,omitempty"`
	ChannelGroup   string `json:"channel_group,omitempty"`
	UTMSource      string `json:"utm_source,omitempty"`
	UTMMedium      string `json:"utm_medium,omitempty"`
	UTMCampaign    string `json:"utm_campaign,omitempty"`
	UTMTerm        string `json:"utm_term,omitempty"`
	UTMContent     string `json:"utm_content,omitempty"`
	UTMID          string `json:"utm_id,omitempty"`
	UTMIDFrom      string `json:"utm_id_from,omitempty"`

	// Landing page.
	LandingPage string `json:"landing_page,omitempty"`
	LandingPath string `json:"landing_path,omitempty"`

	// Device and locale.
	Device         string `json:"device,omitempty"`
	Browser        string `json:"browser,omitempty"`
	BrowserType    string `json:"browser_type,omitempty"`
	OS             string `json:"os,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	Language       string `json:"language,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	ScreenWidth    int32  `json:"screen_width,omitempty"`
	ScreenHeight   int32  `json:"screen_height,omitempty"`
	ViewportWidth  int32  `json:"viewport_width,omitempty"`
	ViewportHeight int32  `json:"viewport_height,omitempty"`
	SDKVersion     string `json:"sdk_version,omitempty"`

	// Geo.
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`

	// Custom dimension slots.
	STM1  string `json:"stm_1,omitempty"`
	STM2  string `json:"stm_2,omitempty"`
	STM3  string `json:"stm_3,omitempty"`
	STM4  string `json:"stm_4,omitempty"`
	STM5  string `json:"stm_5,omitempty"`
	STM6  string `json:"stm_6,omitempty"`
	STM7  string `json:"stm_7,omitempty"`
	STM8  string `json:"stm_8,omitempty"`
	STM9  string `json:"stm_9,omitempty"`
	STM10 string `json:"stm_10,omitempty"`

	// Pageview columns.
	Path         string `json:"path,omitempty"`
	PreviousPath string `json:"previous_path,omitempty"`
	PageNumber   int32  `json:"page_number,omitempty"`
	Duration     int32  `json:"duration,omitempty"`
	PageDuration int32  `json:"page_duration,omitempty"`
	MaxScroll    int32  `json:"max_scroll,omitempty"`
	EnteredAt    int64  `json:"entered_at,omitempty"`
	ExitedAt     int64  `json:"exited_at,omitempty"`

	// Goal columns. GoalTimestamp is the empty string on pageviews.
	GoalName      string         `json:"goal_name,omitempty"`
	GoalValue     float64        `json:"goal_value,omitempty"`
	GoalTimestamp string         `json:"goal_timestamp"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// PageviewDedupToken is the dedup token of a pageview: a session emits at
// most one logical pageview per page number.
func PageviewDedupToken(sessionID string, pageNumber int32) string {
	return fmt.Sprintf("%s_pv_%d", sessionID, pageNumber)
}

// GoalDedupToken is the dedup token of a goal conversion, keyed on the goal
// name and its client-side timestamp in milliseconds.
func GoalDedupToken(sessionID, goalName string, timestampMS int64) string {
	return fmt.Sprintf("%s_goal_%s_%d", sessionID, goalName, timestampMS)
}

// FieldValue returns the current string value of an event column readable by
// filters. The bool return is false for columns this event type does not
// carry. Implements filters.Record.
func (e *TrackingEvent) FieldValue(field string) (string, bool) {
	switch field {
	case "utm_source":
		return e.UTMSource, true
	case "utm_medium":
		return e.UTMMedium, true
	case "utm_campaign":
		return e.UTMCampaign, true
	case "utm_term":
		return e.UTMTerm, true
	case "utm_content":
		return e.UTMContent, true
	case "utm_id":
		return e.UTMID, true
	case "utm_id_from":
		return e.UTMIDFrom, true
	case "referrer":
		return e.Referrer, true
	case "referrer_domain":
		return e.ReferrerDomain, true
	case "referrer_path":
		return e.ReferrerPath, true
	case "landing_page":
		return e.LandingPage, true
	case "landing_path":
		return e.LandingPath, true
	case "path":
		return e.Path, true
	case "device":
		return e.Device, true
	case "browser":
		return e.Browser, true
	case "browser_type":
		return e.BrowserType, true
	case "os":
		return e.OS, true
	case "user_agent":
		return e.UserAgent, true
	case "connection_type":
		return e.ConnectionType, true
	case "language":
		return e.Language, true
	case "timezone":
		return e.Timezone, true
	case "is_direct":
		return strconv.FormatBool(e.IsDirect), true
	case "channel":
		return e.Channel, true
	case "channel_group":
		return e.ChannelGroup, true
	default:
		if v, ok := e.customDimension(field); ok {
			return v, true
		}
		return "", false
	}
}

func (e *TrackingEvent) customDimension(dim string) (string, bool) {
	switch dim {
	case "stm_1":
		return e.STM1, true
	case "stm_2":
		return e.STM2, true
	case "stm_3":
		return e.STM3, true
	case "stm_4":
		return e.STM4, true
	case "stm_5":
		return e.STM5, true
	case "stm_6":
		return e.STM6, true
	case "stm_7":
		return e.STM7, true
	case "stm_8":
		return e.STM8, true
	case "stm_9":
		return e.STM9, true
	case "stm_10":
		return e.STM10, true
	default:
		return "", false
	}
}

// SetDimension overwrites one writable dimension. is_direct takes the
// strings "true"/"false" and is coerced back to the boolean column.
func (e *TrackingEvent) SetDimension(dim, value string) {
	switch dim {
	case "channel":
		e.Channel = value
	case "channel_group":
		e.ChannelGroup = value
	case "utm_source":
		e.UTMSource = value
	case "utm_medium":
		e.UTMMedium = value
	case "utm_campaign":
		e.UTMCampaign = value
	case "utm_term":
		e.UTMTerm = value
	case "utm_content":
		e.UTMContent = value
	case "utm_id":
		e.UTMID = value
	case "utm_id_from":
		e.UTMIDFrom = value
	case "referrer_domain":
		e.ReferrerDomain = value
	case "is_direct":
		e.IsDirect = value == "true"
	case "stm_1":
		e.STM1 = value
	case "stm_2":
		e.STM2 = value
	case "stm_3":
		e.STM3 = value
	case "stm_4":
		e.STM4 = value
	case "stm_5":
		e.STM5 = value
	case "stm_6":
		e.STM6 = value
	case "stm_7":
		e.STM7 = value
	case "stm_8":
		e.STM8 = value
	case "stm_9":
		e.STM9 = value
	case "stm_10":
		e.STM10 = value
	}
}
