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

package chstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/staminads/staminads-sub003/lib/events"
)

// insertEventsColumns is the column order of the events bulk insert. Must
// stay in step with appendEvent and eventsTableDDL.
const insertEventsColumns = `session_id, workspace_id, user_id, name,
received_at, created_at, updated_at, _version, dedup_token,
referrer, referrer_domain, referrer_path, is_direct, channel, channel_group,
utm_source, utm_medium, utm_campaign, utm_term, utm_content, utm_id, utm_id_from,
landing_page, landing_path,
device, browser, browser_type, os, user_agent, connection_type, language, timezone,
screen_width, screen_height, viewport_width, viewport_height, sdk_version,
country, region, city, latitude, longitude,
stm_1, stm_2, stm_3, stm_4, stm_5, stm_6, stm_7, stm_8, stm_9, stm_10,
path, previous_path, page_number, duration, page_duration, max_scroll, entered_at, exited_at,
goal_name, goal_value, goal_timestamp, properties`

// InsertEvents bulk-inserts a batch into the workspace's events table.
// Implements buffer.Inserter.
func (c *Client) InsertEvents(ctx context.Context, workspaceID string, batch []*events.TrackingEvent) error {
	if len(batch) == 0 {
		return nil
	}
	database := WorkspaceDatabase(workspaceID)
	query := fmt.Sprintf("INSERT INTO %s.events (%s)", database, insertEventsColumns)
	b, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return trace.Wrap(err, "preparing events batch for workspace %v", workspaceID)
	}
	for _, event := range batch {
		if err := appendEvent(b, event); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(b.Send())
}

func appendEvent(b appender, e *events.TrackingEvent) error {
	properties := ""
	if len(e.Properties) > 0 {
		buf, err := json.Marshal(e.Properties)
		if err != nil {
			return trace.Wrap(err, "encoding goal properties of %v", e.DedupToken)
		}
		properties = string(buf)
	}
	return trace.Wrap(b.Append(
		e.SessionID, e.WorkspaceID, e.UserID, e.Name,
		e.ReceivedAt, e.CreatedAt, e.UpdatedAt, e.Version, e.DedupToken,
		e.Referrer, e.ReferrerDomain, e.ReferrerPath, e.IsDirect, e.Channel, e.ChannelGroup,
		e.UTMSource, e.UTMMedium, e.UTMCampaign, e.UTMTerm, e.UTMContent, e.UTMID, e.UTMIDFrom,
		e.LandingPage, e.LandingPath,
		e.Device, e.Browser, e.BrowserType, e.OS, e.UserAgent, e.ConnectionType, e.Language, e.Timezone,
		e.ScreenWidth, e.ScreenHeight, e.ViewportWidth, e.ViewportHeight, e.SDKVersion,
		e.Country, e.Region, e.City, e.Latitude, e.Longitude,
		e.STM1, e.STM2, e.STM3, e.STM4, e.STM5, e.STM6, e.STM7, e.STM8, e.STM9, e.STM10,
		e.Path, e.PreviousPath, e.PageNumber, e.Duration, e.PageDuration, e.MaxScroll, e.EnteredAt, e.ExitedAt,
		e.GoalName, e.GoalValue, e.GoalTimestamp, properties,
	))
}

// appender is the slice of driver.Batch used by appendEvent.
type appender interface {
	Append(v ...any) error
}
