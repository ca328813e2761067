package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/iamhere-server/pkg/auth"
	"github.com/kabili207/iamhere-server/pkg/events"
	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/kabili207/iamhere-server/pkg/registry"
	"github.com/kabili207/iamhere-server/pkg/session"
)

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type tokens map[string]models.UserID

func (v tokens) Verify(_ context.Context, token string) (models.UserID, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return 0, &auth.RejectedError{Reason: auth.ReasonInvalid}
}

type memEvents struct {
	mu       sync.Mutex
	arrivals []models.Arrival
	requests []models.LocationRequest
}

func (m *memEvents) InsertArrival(_ context.Context, a *models.Arrival) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrivals = append(m.arrivals, *a)
	return nil
}

func (m *memEvents) InsertLocationRequest(_ context.Context, r *models.LocationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, *r)
	return nil
}

type contacts map[models.UserID][]models.UserID

func (c contacts) GetContacts(_ context.Context, owner models.UserID) ([]models.UserID, error) {
	return c[owner], nil
}

type testServer struct {
	*httptest.Server
	registry *registry.Registry
	events   *memEvents
	notifier *ClientNotifier
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()
	notifier := NewClientNotifier()
	reg := registry.New(registry.WithNotifier(notifier))
	ev := &memEvents{}
	router := events.NewRouter(events.Options{
		Events:   ev,
		Contacts: contacts{1: {2, 3}},
		Registry: reg,
	})
	wr := &WebRouter{
		Health:   health,
		Registry: reg,
		Sessions: session.NewFactory(session.Options{
			Verifier: tokens{"tok-a": 1, "tok-b": 2, "tok-d": 4},
			Router:   router,
			Registry: reg,
		}),
		ClientNotifier: notifier,
		Heartbeat:      10 * time.Second,
	}
	srv := httptest.NewServer(wr.Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, registry: reg, events: ev, notifier: notifier}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func receive(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func authenticate(t *testing.T, ws *websocket.Conn, token string) {
	t.Helper()
	send(t, ws, `{"type":"authenticate","token":"`+token+`"}`)
	assert.Equal(t, map[string]any{"type": "authenticated"}, receive(t, ws))
}

// expectNothing fails unless ws stays silent for a short while. The
// connection cannot be read from afterwards.
func expectNothing(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, msg, err := ws.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr, "unexpected frame %s", msg)
	assert.True(t, netErr.Timeout())
}

func TestHealthz(t *testing.T) {
	ok := newTestServer(t, pinger{})
	resp, err := http.Get(ok.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newTestServer(t, pinger{err: errors.New("db gone")})
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusCountsConnections(t *testing.T) {
	s := newTestServer(t, nil)
	ws := s.dial(t)
	authenticate(t, ws, "tok-a")

	resp, err := http.Get(s.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 1, status.Connections)
}

func TestWebSocketArrivalScenario(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.dial(t)
	bob := s.dial(t)
	authenticate(t, bob, "tok-b")
	authenticate(t, alice, "tok-a")

	send(t, alice, `{"type":"i_arrived","location":{"lat":40.0,"lng":-73.0}}`)

	got := receive(t, bob)
	assert.Equal(t, "arrival_update", got["type"])
	assert.EqualValues(t, 1, got["from"])
	assert.Equal(t, map[string]any{"lat": 40.0, "lng": -73.0}, got["location"])
	assert.NotEmpty(t, got["timestamp"])

	// Contact 3 is offline; the arrival is still recorded.
	require.Eventually(t, func() bool {
		s.events.mu.Lock()
		defer s.events.mu.Unlock()
		return len(s.events.arrivals) == 1
	}, time.Second, 10*time.Millisecond)

	// Exactly one update per arrival.
	expectNothing(t, bob)
}

func TestWebSocketErrorsKeepConnectionOpen(t *testing.T) {
	s := newTestServer(t, nil)
	ws := s.dial(t)

	send(t, ws, `{"type":"where_are_you","to":2}`)
	assert.Equal(t, map[string]any{"type": "error", "message": "Not authenticated"}, receive(t, ws))

	send(t, ws, `{{{`)
	assert.Equal(t, map[string]any{"type": "error", "message": "Internal server error"}, receive(t, ws))

	send(t, ws, `{"type":"authenticate","token":"wrong"}`)
	assert.Equal(t, map[string]any{"type": "error", "message": "Invalid token"}, receive(t, ws))

	authenticate(t, ws, "tok-a")
	send(t, ws, `{"type":"dance"}`)
	assert.Equal(t, map[string]any{"type": "error", "message": "Unknown message type"}, receive(t, ws))
}

func TestWebSocketLocationRequestToOfflineUser(t *testing.T) {
	s := newTestServer(t, nil)
	bob := s.dial(t)
	authenticate(t, bob, "tok-b")

	send(t, bob, `{"type":"where_are_you","to":4}`)
	require.Eventually(t, func() bool {
		s.events.mu.Lock()
		defer s.events.mu.Unlock()
		return len(s.events.requests) == 1
	}, time.Second, 10*time.Millisecond)

	s.events.mu.Lock()
	assert.Equal(t, models.UserID(2), s.events.requests[0].From)
	assert.Equal(t, models.UserID(4), s.events.requests[0].To)
	s.events.mu.Unlock()

	// D connects afterwards and is not sent the old request.
	dave := s.dial(t)
	authenticate(t, dave, "tok-d")
	expectNothing(t, dave)
}

func TestWebSocketCloseDeregisters(t *testing.T) {
	s := newTestServer(t, nil)
	ws := s.dial(t)
	authenticate(t, ws, "tok-a")
	require.Equal(t, 1, s.registry.Size())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()

	require.Eventually(t, func() bool { return s.registry.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketReconnectKeepsNewest(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.dial(t)
	authenticate(t, first, "tok-b")
	second := s.dial(t)
	authenticate(t, second, "tok-b")

	first.Close()
	// Give the server time to process the stale close.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, s.registry.Size())

	alice := s.dial(t)
	authenticate(t, alice, "tok-a")
	send(t, alice, `{"type":"i_arrived","location":{"lat":1,"lng":2}}`)
	assert.Equal(t, "arrival_update", receive(t, second)["type"])
}

func TestConnectionsSSE(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/connections-sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	nextData := func() string {
		for lines.Scan() {
			if after, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				return after
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	assert.JSONEq(t, `{"connections":0}`, nextData())

	ws := s.dial(t)
	authenticate(t, ws, "tok-a")
	assert.JSONEq(t, `{"connections":1}`, nextData())
}

func TestClientNotifierCoalesces(t *testing.T) {
	cn := NewClientNotifier()
	ch := cn.Subscribe()

	cn.Notify()
	cn.Notify()
	assert.Len(t, ch, 1)

	cn.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	cn.Notify()
}

func TestServeShutsDownOnCancel(t *testing.T) {
	wr := &WebRouter{Registry: registry.New(), Sessions: session.NewFactory(session.Options{Registry: registry.New()})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- wr.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
