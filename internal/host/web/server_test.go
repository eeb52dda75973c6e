package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/bridge"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/spatial"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	eng    *engine.Engine
	hub    *Hub
	server *Server
}

func setup(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	e, err := engine.New(app.New(app.DefaultSettings()),
		engine.WithLogger(logger),
		engine.WithRequestIDs(engine.NewSequentialGenerator("r")),
		engine.WithMetrics(engine.NewMetrics(reg)),
	)
	require.NoError(t, err)
	hub := NewHub(logger)
	return fixture{eng: e, hub: hub, server: NewServer(e, hub, reg, logger)}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func encode(t *testing.T, ev app.Event) string {
	t.Helper()
	data, err := app.EncodeEventJSON(ev)
	require.NoError(t, err)
	return string(data)
}

type eventResponse struct {
	Transitions []TransitionJSON `json:"transitions"`
	Error       string           `json:"error"`
}

func TestHealth(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","seq":0}`, w.Body.String())
}

func TestPostEvent(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/events", encode(t, app.AddEntity{ID: "London", Lat: 51.5074, Lon: -0.1278}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp eventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Transitions, 1)
	tr := resp.Transitions[0]
	assert.Equal(t, uint64(1), tr.Seq)
	assert.Equal(t, "add_entity", tr.Event)
	assert.Equal(t, engine.OutcomeApplied, tr.Outcome)
	assert.Len(t, tr.Requests, 2)

	w = f.do(t, http.MethodGet, "/view", "")
	require.Equal(t, http.StatusOK, w.Code)
	var vm app.ViewModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vm))
	assert.Equal(t, 1, vm.EntityCount)

	w = f.do(t, http.MethodGet, "/pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending []engine.PendingRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, app.KindKVSet, pending[0].Kind)
}

func TestPostEvent_Rejected(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/events", encode(t, app.RemoveEntity{ID: "Atlantis"}))
	require.Equal(t, http.StatusOK, w.Code)

	var resp eventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Transitions, 1)
	assert.Equal(t, engine.OutcomeRejected, resp.Transitions[0].Outcome)
	assert.Equal(t, fault.UnknownEntity, resp.Transitions[0].Code)
	assert.Empty(t, resp.Transitions[0].Requests)
}

func TestPostEvent_BadInput(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/events", `{"k":"teleport","b":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFFI(t *testing.T) {
	f := setup(t)

	data, err := app.EncodeEvent(app.AddEntity{ID: "Oslo", Lat: 59.9139, Lon: 10.7522})
	require.NoError(t, err)
	w := f.do(t, http.MethodPost, "/ffi/events", string(data))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/cbor", w.Header().Get("Content-Type"))

	batch, err := bridge.DecodeBatch(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, batch.Requests, 2)
	assert.Equal(t, app.KindKVSet, batch.Requests[0].Kind())
	assert.Empty(t, batch.Failures)

	w = f.do(t, http.MethodGet, "/ffi/view", "")
	require.Equal(t, http.StatusOK, w.Code)
	vm, err := bridge.DecodeView(w.Body.Bytes(), bridge.CBOR)
	require.NoError(t, err)
	assert.Equal(t, 1, vm.EntityCount)

	w = f.do(t, http.MethodPost, "/ffi/events", `{"k":"add_entity"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNearest(t *testing.T) {
	f := setup(t)
	f.do(t, http.MethodPost, "/events", encode(t, app.AddEntity{ID: "London", Lat: 51.5074, Lon: -0.1278}))
	f.do(t, http.MethodPost, "/events", encode(t, app.AddEntity{ID: "Paris", Lat: 48.8566, Lon: 2.3522}))

	w := f.do(t, http.MethodGet, "/nearest?lat=48.9&lon=2.3&k=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got []spatial.Neighbor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Paris", got[0].ID)

	w = f.do(t, http.MethodGet, "/nearest?lat=48.9&lon=2.3&radius=50000", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got, 1)

	for _, q := range []string{"", "?lat=x&lon=0", "?lat=95&lon=0", "?lat=0&lon=0&k=-1", "?lat=0&lon=0&radius=-3"} {
		w := f.do(t, http.MethodGet, "/nearest"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestSnapshots(t *testing.T) {
	f := setup(t)
	f.do(t, http.MethodPost, "/events", encode(t, app.AddEntity{ID: "London", Lat: 51.5074, Lon: -0.1278}))

	w := f.do(t, http.MethodPost, "/snapshots", "")
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Handle uint64 `json:"handle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	path := "/snapshots/" + jsonNumber(created.Handle)

	f.do(t, http.MethodPost, "/events", encode(t, app.AddEntity{ID: "Paris", Lat: 48.8566, Lon: 2.3522}))

	w = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	var vm app.ViewModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vm))
	assert.Equal(t, 1, vm.EntityCount)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/snapshots/abc", "").Code)
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	f.do(t, http.MethodPost, "/events", encode(t, app.AddEntity{ID: "London", Lat: 51.5074, Lon: -0.1278}))

	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `geocore_engine_transitions_total{event="add_entity",outcome="applied"} 1`)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWebSocket(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	assert.Equal(t, "view", first.Type)
	require.NotNil(t, first.View)
	assert.Equal(t, 0, first.View.EntityCount)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(encode(t, app.AddEntity{ID: "London", Lat: 51.5074, Lon: -0.1278}))))
	reply := readMessage(t, conn)
	assert.Equal(t, "transitions", reply.Type)
	require.Len(t, reply.Transitions, 1)
	assert.Equal(t, engine.OutcomeApplied, reply.Transitions[0].Outcome)

	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Broadcast(f.eng.View())
	pushed := readMessage(t, conn)
	assert.Equal(t, "view", pushed.Type)
	assert.Equal(t, 1, pushed.View.EntityCount)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"k":"teleport"}`)))
	bad := readMessage(t, conn)
	assert.NotEmpty(t, bad.Error)

	f.hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
