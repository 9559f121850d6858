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
	"net"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/staminads/staminads-sub003/lib/events"
	"github.com/staminads/staminads-sub003/lib/filters"
	"github.com/staminads/staminads-sub003/lib/geo"
	"github.com/staminads/staminads-sub003/lib/workspace"
)

type fakeGetter map[string]*workspace.Workspace

func (g fakeGetter) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	if ws, ok := g[id]; ok {
		return ws, nil
	}
	return nil, trace.NotFound("workspace %q not found", id)
}

type fakeBuffer struct {
	batches [][]*events.TrackingEvent
	err     error
}

func (b *fakeBuffer) AddBatch(ctx context.Context, batch []*events.TrackingEvent) error {
	if b.err != nil {
		return b.err
	}
	b.batches = append(b.batches, batch)
	return nil
}

func (b *fakeBuffer) all() []*events.TrackingEvent {
	var out []*events.TrackingEvent
	for _, batch := range b.batches {
		out = append(out, batch...)
	}
	return out
}

type fakeResolver struct {
	location geo.Location
	err      error
	calls    int
}

func (r *fakeResolver) Resolve(ip net.IP) (geo.Location, error) {
	r.calls++
	return r.location, r.err
}

func (r *fakeResolver) Close() error { return nil }

func intPtr(v int) *int { return &v }

func testWorkspace(settings workspace.Settings) *workspace.Workspace {
	return &workspace.Workspace{ID: "ws1", Timezone: "UTC", Settings: settings}
}

type handlerFixture struct {
	handler *Handler
	buffer  *fakeBuffer
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, ws *workspace.Workspace, resolver geo.Resolver) *handlerFixture {
	t.Helper()
	getter := fakeGetter{}
	if ws != nil {
		getter[ws.ID] = ws
	}
	cache, err := workspace.NewCache(workspace.CacheConfig{Getter: getter})
	require.NoError(t, err)

	buf := &fakeBuffer{}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	handler, err := NewHandler(HandlerConfig{
		Workspaces: cache,
		Buffer:     buf,
		Geo:        resolver,
		Clock:      clock,
	})
	require.NoError(t, err)
	return &handlerFixture{handler: handler, buffer: buf, clock: clock}
}

func pageview(path string, pageNumber int32) Action {
	return Action{
		Type:       ActionPageview,
		Path:       path,
		PageNumber: pageNumber,
		Duration:   10,
		Scroll:     50,
		EnteredAt:  1700000000000,
		ExitedAt:   1700000010000,
	}
}

func testPayload(actions ...Action) *Payload {
	return &Payload{
		WorkspaceID: "ws1",
		SessionID:   "sess-1",
		Actions:     actions,
		CreatedAt:   1700000000000,
		UpdatedAt:   1700000010000,
	}
}

func TestHandlePayloadUnknownWorkspace(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.handler.HandlePayload(context.Background(), testPayload(pageview("/", 1)), nil)
	require.True(t, trace.IsNotFound(err))
}

func TestHandlePayloadValidation(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)

	p := testPayload(pageview("/", 1))
	p.SessionID = ""
	_, err := f.handler.HandlePayload(context.Background(), p, nil)
	require.True(t, trace.IsBadParameter(err))

	p = testPayload(Action{Type: ActionPageview, Path: "/", PageNumber: 0})
	_, err = f.handler.HandlePayload(context.Background(), p, nil)
	require.True(t, trace.IsBadParameter(err))
}

func TestHandlePayloadUnknownActionType(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)
	p := testPayload(pageview("/", 1), Action{Type: "click"})
	_, err := f.handler.HandlePayload(context.Background(), p, nil)
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "action 1")
	require.Empty(t, f.buffer.batches)
}

func TestHandlePayloadConvertsActions(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)
	p := testPayload(
		pageview("/", 1),
		pageview("/pricing", 2),
		Action{Type: ActionGoal, Name: "signup", Path: "/pricing", PageNumber: 2,
			Timestamp: 1700000005000, Value: 9.5,
			Properties: map[string]any{"plan": "pro"}},
	)
	p.Attributes = &Attributes{
		Referrer:    "https://news.ycombinator.com/item",
		LandingPage: "https://example.com/?utm_source=hn",
		UTMSource:   "hn",
	}

	resp, err := f.handler.HandlePayload(context.Background(), p, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 3, resp.Checkpoint)

	batch := f.buffer.all()
	require.Len(t, batch, 3)

	first := batch[0]
	require.Equal(t, events.NameScreenView, first.Name)
	require.Equal(t, "sess-1_pv_1", first.DedupToken)
	require.Equal(t, "", first.PreviousPath)
	require.Equal(t, "news.ycombinator.com", first.ReferrerDomain)
	require.Equal(t, "/item", first.ReferrerPath)
	require.Equal(t, "/", first.LandingPath)
	require.False(t, first.IsDirect)
	require.Equal(t, uint64(f.clock.Now().UnixMilli()), first.Version)
	require.Equal(t, "", first.GoalTimestamp)

	second := batch[1]
	require.Equal(t, "sess-1_pv_2", second.DedupToken)
	require.Equal(t, "/", second.PreviousPath)

	goalEvent := batch[2]
	require.Equal(t, events.NameGoal, goalEvent.Name)
	require.Equal(t, "sess-1_goal_signup_1700000005000", goalEvent.DedupToken)
	require.Equal(t, "signup", goalEvent.GoalName)
	require.Equal(t, 9.5, goalEvent.GoalValue)
	require.Equal(t, "1700000005000", goalEvent.GoalTimestamp)
	require.Equal(t, map[string]any{"plan": "pro"}, goalEvent.Properties)
}

func TestHandlePayloadCheckpointSkipsAcknowledged(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)
	p := testPayload(
		pageview("/", 1),
		pageview("/docs", 2),
		pageview("/pricing", 3),
	)
	p.Checkpoint = intPtr(1)

	resp, err := f.handler.HandlePayload(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, 3, resp.Checkpoint)

	batch := f.buffer.all()
	require.Len(t, batch, 1)
	require.Equal(t, "/pricing", batch[0].Path)
	// The chain is rebuilt from the acknowledged prefix.
	require.Equal(t, "/docs", batch[0].PreviousPath)
}

func TestHandlePayloadFullyAcknowledged(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)
	p := testPayload(pageview("/", 1), pageview("/docs", 2))
	p.Checkpoint = intPtr(2)

	resp, err := f.handler.HandlePayload(context.Background(), p, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 2, resp.Checkpoint)
	require.Empty(t, f.buffer.batches)
}

func TestHandlePayloadIsDirect(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)
	resp, err := f.handler.HandlePayload(context.Background(), testPayload(pageview("/", 1)), nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.True(t, f.buffer.all()[0].IsDirect)
}

func TestHandlePayloadGeoEnrichment(t *testing.T) {
	resolver := &fakeResolver{location: geo.Location{
		Country: "DE", Region: "Berlin", City: "Berlin",
		Latitude: 52.5200, Longitude: 13.4050,
	}}
	ws := testWorkspace(workspace.Settings{
		GeoEnabled:              true,
		GeoStoreCity:            false,
		GeoStoreRegion:          true,
		GeoCoordinatesPrecision: 1,
	})
	f := newFixture(t, ws, resolver)

	_, err := f.handler.HandlePayload(context.Background(),
		testPayload(pageview("/", 1), pageview("/a", 2)), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)

	// One lookup per payload, not per action.
	require.Equal(t, 1, resolver.calls)

	e := f.buffer.all()[0]
	require.Equal(t, "DE", e.Country)
	require.Equal(t, "Berlin", e.Region)
	require.Equal(t, "", e.City)
	require.Equal(t, 52.5, e.Latitude)
	require.Equal(t, 13.4, e.Longitude)
}

func TestHandlePayloadGeoDisabled(t *testing.T) {
	resolver := &fakeResolver{location: geo.Location{Country: "DE"}}
	f := newFixture(t, testWorkspace(workspace.Settings{GeoEnabled: false}), resolver)

	_, err := f.handler.HandlePayload(context.Background(),
		testPayload(pageview("/", 1)), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)
	require.Equal(t, 0, resolver.calls)
	require.Equal(t, "", f.buffer.all()[0].Country)
}

func TestHandlePayloadGeoFailureIsNonFatal(t *testing.T) {
	resolver := &fakeResolver{err: trace.Errorf("mmdb corrupt")}
	f := newFixture(t, testWorkspace(workspace.Settings{GeoEnabled: true}), resolver)

	resp, err := f.handler.HandlePayload(context.Background(),
		testPayload(pageview("/", 1)), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "", f.buffer.all()[0].Country)
}

func TestHandlePayloadAppliesFilters(t *testing.T) {
	ws := testWorkspace(workspace.Settings{
		Filters: []filters.Definition{
			{
				ID: "classify", Priority: 10, Enabled: true,
				Conditions: []filters.Condition{
					{Field: "utm_source", Operator: filters.OpEquals, Value: "hn"},
				},
				Operations: []filters.Operation{
					{Dimension: "channel", Action: filters.ActionSetValue, Value: "social"},
					{Dimension: "stm_1", Action: filters.ActionSetValue, Value: "launch"},
				},
			},
		},
	})
	f := newFixture(t, ws, nil)

	p := testPayload(pageview("/", 1))
	p.Attributes = &Attributes{UTMSource: "hn", Referrer: "https://news.ycombinator.com"}
	_, err := f.handler.HandlePayload(context.Background(), p, nil)
	require.NoError(t, err)

	e := f.buffer.all()[0]
	require.Equal(t, "social", e.Channel)
	require.Equal(t, "launch", e.STM1)
}

func TestHandlePayloadSDKDimensions(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)
	p := testPayload(pageview("/", 1))
	p.Dimensions = map[string]string{
		"stm_2":   "variant-b",
		"channel": "ignored", // not a custom dimension slot
	}
	_, err := f.handler.HandlePayload(context.Background(), p, nil)
	require.NoError(t, err)

	e := f.buffer.all()[0]
	require.Equal(t, "variant-b", e.STM2)
	require.Equal(t, "", e.Channel)
}

func TestHandlePayloadBufferErrorSurfaces(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)
	f.buffer.err = trace.Errorf("insert failed")
	_, err := f.handler.HandlePayload(context.Background(), testPayload(pageview("/", 1)), nil)
	require.Error(t, err)
}

func TestHandlePayloadReplayKeepsDedupTokens(t *testing.T) {
	f := newFixture(t, testWorkspace(workspace.Settings{}), nil)

	_, err := f.handler.HandlePayload(context.Background(), testPayload(pageview("/", 1)), nil)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	_, err = f.handler.HandlePayload(context.Background(), testPayload(pageview("/", 1)), nil)
	require.NoError(t, err)

	batch := f.buffer.all()
	require.Len(t, batch, 2)
	require.Equal(t, batch[0].DedupToken, batch[1].DedupToken)
	require.Greater(t, batch[1].Version, batch[0].Version)
}
