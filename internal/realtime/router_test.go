package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivtrack/internal/auth"
	"delivtrack/internal/config"
	"delivtrack/internal/logging"
	"delivtrack/internal/modules/location"
	"delivtrack/internal/modules/notify"
	"delivtrack/internal/modules/order"
	"delivtrack/internal/modules/presence"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/realtime/hub"
	"delivtrack/internal/types"
)

type stubVerifier map[string]auth.Identity

func (v stubVerifier) Verify(_ context.Context, credential string) (auth.Identity, error) {
	id, ok := v[credential]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	return id, nil
}

type directory struct {
	users map[types.ID]*user.User
}

func (d directory) Get(_ context.Context, id types.ID) (*user.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

func (d directory) ClearPushToken(context.Context, types.ID, string) (bool, error) {
	return false, nil
}

type pushRecorder struct {
	mu     sync.Mutex
	tokens []string
}

func (p *pushRecorder) Send(_ context.Context, token string, _ notify.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return nil
}

type positions struct{}

func (positions) SaveCurrentLocation(context.Context, types.ID, types.Point, time.Time) error {
	return nil
}

type env struct {
	srv         *httptest.Server
	registry    *presence.Registry
	hub         *hub.Hub
	orders      *order.Service
	broadcaster *location.Broadcaster
	locations   *location.Store
	push        *pushRecorder
	router      *Router
}

type slowPositions struct {
	delay time.Duration
}

func (p slowPositions) SaveCurrentLocation(context.Context, types.ID, types.Point, time.Time) error {
	time.Sleep(p.delay)
	return nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, positions{})
}

func newEnvWith(t *testing.T, writer location.LocationWriter) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logging.Discard()
	token := "fcm-token-d1"

	e := &env{
		registry: presence.NewRegistry(),
		hub:      hub.New(16, log),
		push:     &pushRecorder{},
	}
	e.orders = order.NewService(order.Deps{
		Store: order.NewMemStore(),
		Drivers: directory{users: map[types.ID]*user.User{
			"d1": {ID: "d1", Role: types.RoleDriver, Active: true, PushToken: &token},
		}},
		Notifier: e.push,
		Log:      log,
	})
	e.locations = location.NewStore(writer, location.NewMemGeo(), e.registry)
	e.broadcaster = location.NewBroadcaster(location.BroadcasterDeps{
		Presence:  e.registry,
		Orders:    e.orders,
		Store:     e.locations,
		Publisher: e.hub,
		Log:       log,
	})

	cfg := config.DefaultRealtime()
	cfg.AuthTimeout = time.Second
	router := NewRouter(Deps{
		Verifier: stubVerifier{
			"tok-admin": {ID: "a1", Role: types.RoleAdmin},
			"tok-c1":    {ID: "c1", Role: types.RoleCustomer},
			"tok-d1":    {ID: "d1", Role: types.RoleDriver},
		},
		Hub:       e.hub,
		Presence:  e.registry,
		Locations: e.broadcaster,
		Geo:       e.locations,
		Config:    cfg,
		Log:       log,
	})

	e.router = router

	engine := gin.New()
	engine.GET("/track", router.ServeWS)
	e.srv = httptest.NewServer(engine)
	t.Cleanup(func() {
		e.hub.Close()
		e.srv.Close()
		router.Wait()
		e.broadcaster.Wait()
	})
	return e
}

func (e *env) url(query string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/track" + query
}

type event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (e *env) dial(t *testing.T, token string) (*websocket.Conn, event) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.url("?token="+token), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	ack := read(t, conn)
	require.Equal(t, EventConnected, ack.Type)
	return conn, ack
}

func read(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func sendLocation(t *testing.T, conn *websocket.Conn, driverID string, lat, lng float64) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "driverLocation",
		"data": map[string]any{"driverId": driverID, "lat": lat, "lng": lng},
	}))
}

func TestTrack_DeliveryScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	o, err := e.orders.Create(ctx, order.CreateCommand{
		CustomerID: "c1",
		Address:    "350 5th Ave",
		Location:   types.Point{Lat: 40.7484, Lng: -73.9857},
	})
	require.NoError(t, err)
	_, err = e.orders.Assign(ctx, order.AssignCommand{OrderID: o.ID, DriverID: "d1", Actor: order.Actor{ID: "a1", Role: types.RoleAdmin}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fcm-token-d1"}, e.push.tokens)

	admin, ack := e.dial(t, "tok-admin")
	assert.Equal(t, hub.AdminChannel, ack.Data["channel"])
	customer, ack := e.dial(t, "tok-c1")
	assert.Equal(t, "customer:c1", ack.Data["channel"])
	driver, ack := e.dial(t, "tok-d1")
	assert.Equal(t, "driver:d1", ack.Data["channel"])
	assert.NotEmpty(t, ack.Data["connectionId"])
	assert.True(t, e.registry.IsOnline("d1"))

	// assigned but not started: admins only
	sendLocation(t, driver, "d1", 40.71, -74.0)
	got := read(t, admin)
	assert.Equal(t, location.EventDriverLocationAdminUpdate, got.Type)
	assert.Equal(t, 40.71, got.Data["lat"])
	assert.NotEmpty(t, got.Data["timestamp"])

	_, err = e.orders.Start(ctx, order.StartCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)

	sendLocation(t, driver, "d1", 40.72, -74.01)
	got = read(t, customer)
	assert.Equal(t, location.EventDriverLocationUpdate, got.Type)
	assert.Equal(t, 40.72, got.Data["lat"], "the pre-start sample never reached the customer")
	assert.Equal(t, "d1", got.Data["driverId"])

	got = read(t, admin)
	assert.Equal(t, location.EventDriverLocationAdminUpdate, got.Type)
	assert.Equal(t, 40.72, got.Data["lat"])
}

func TestTrack_DriverIDMismatch(t *testing.T) {
	e := newEnv(t)
	admin, _ := e.dial(t, "tok-admin")
	driver, _ := e.dial(t, "tok-d1")

	sendLocation(t, driver, "d2", 1, 2)
	got := read(t, driver)
	assert.Equal(t, EventError, got.Type)
	assert.Equal(t, "Unauthorized", got.Data["message"])

	// the admin's next event is the valid sample, not the rejected one
	sendLocation(t, driver, "d1", 3, 4)
	got = read(t, admin)
	assert.Equal(t, 3.0, got.Data["lat"])
}

func TestTrack_NonStringDriverIDIsUnauthorized(t *testing.T) {
	e := newEnv(t)
	driver, _ := e.dial(t, "tok-d1")
	require.NoError(t, driver.WriteJSON(map[string]any{
		"type": "driverLocation",
		"data": map[string]any{"driverId": 42, "lat": 1, "lng": 2},
	}))
	got := read(t, driver)
	assert.Equal(t, EventError, got.Type)
	assert.Equal(t, "Unauthorized", got.Data["message"])
}

func TestTrack_MissingCoordinates(t *testing.T) {
	e := newEnv(t)
	driver, _ := e.dial(t, "tok-d1")
	require.NoError(t, driver.WriteJSON(map[string]any{
		"type": "driverLocation",
		"data": map[string]any{"driverId": "d1", "lat": 1},
	}))
	got := read(t, driver)
	assert.Equal(t, EventError, got.Type)
	assert.Equal(t, "Missing location data", got.Data["message"])
}

func TestTrack_DisconnectRemovesPresence(t *testing.T) {
	e := newEnv(t)
	admin, _ := e.dial(t, "tok-admin")
	driver, _ := e.dial(t, "tok-d1")
	require.True(t, e.registry.IsOnline("d1"))

	sendLocation(t, driver, "d1", 40.7, -74.0)
	read(t, admin)
	e.broadcaster.Wait()
	near, err := e.locations.Nearby(context.Background(), types.Point{Lat: 40.7, Lng: -74.0}, 1)
	require.NoError(t, err)
	require.Len(t, near, 1)

	require.NoError(t, driver.Close())
	require.Eventually(t, func() bool { return !e.registry.IsOnline("d1") }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		near, err := e.locations.Nearby(context.Background(), types.Point{Lat: 40.7, Lng: -74.0}, 1)
		return err == nil && len(near) == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.registry.Snapshot())
}

func TestTrack_SlowSaveAfterDisconnectStaysOutOfNearby(t *testing.T) {
	e := newEnvWith(t, slowPositions{delay: 300 * time.Millisecond})
	admin, _ := e.dial(t, "tok-admin")
	driver, _ := e.dial(t, "tok-d1")

	sendLocation(t, driver, "d1", 40.71, -74.0)
	read(t, admin)
	// the position write is still sleeping while the driver goes away
	require.NoError(t, driver.Close())
	require.Eventually(t, func() bool { return !e.registry.IsOnline("d1") }, 3*time.Second, 10*time.Millisecond)

	e.broadcaster.Wait()
	require.Eventually(t, func() bool {
		near, err := e.locations.Nearby(context.Background(), types.Point{Lat: 40.71, Lng: -74.0}, 1)
		return err == nil && len(near) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTrack_StaleDisconnectKeepsNewerConnection(t *testing.T) {
	e := newEnv(t)
	first, _ := e.dial(t, "tok-d1")
	_, ack := e.dial(t, "tok-d1")
	newest := types.ID(ack.Data["connectionId"].(string))

	entry, ok := e.registry.Get("d1")
	require.True(t, ok)
	require.Equal(t, newest, entry.ConnectionID)

	require.NoError(t, first.Close())
	// presence is released before the hub subscription, so once membership
	// drops the stale leave has already run
	require.Eventually(t, func() bool { return e.hub.Members(hub.DriverChannel("d1")) == 1 }, 3*time.Second, 10*time.Millisecond)

	entry, ok = e.registry.Get("d1")
	require.True(t, ok)
	assert.Equal(t, newest, entry.ConnectionID)
}

func TestTrack_HandshakeRejected(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name   string
		query  string
		header http.Header
		code   string
	}{
		{"no credential", "", nil, "missing_credential"},
		{"unknown token", "?token=bogus", nil, "invalid_credential"},
		{"malformed header", "", http.Header{"Authorization": {"Token abc"}}, "invalid_credential"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(e.url(tc.query), tc.header)
			if conn != nil {
				_ = conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.code, body["error"])
		})
	}
	assert.Zero(t, e.hub.Members(hub.AdminChannel))
	assert.Empty(t, e.registry.Snapshot())
}

func TestTrack_BearerHeaderAccepted(t *testing.T) {
	e := newEnv(t)
	conn, resp, err := websocket.DefaultDialer.Dial(e.url(""), http.Header{"Authorization": {"Bearer tok-c1"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()
	ack := read(t, conn)
	assert.Equal(t, EventConnected, ack.Type)
	assert.Equal(t, "customer:c1", ack.Data["channel"])
}

func TestTrack_RejectsSessionsAfterWait(t *testing.T) {
	e := newEnv(t)
	e.router.Wait()

	conn, resp, err := websocket.DefaultDialer.Dial(e.url("?token=tok-c1"), nil)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, e.hub.Members(hub.CustomerChannel("c1")))
}
