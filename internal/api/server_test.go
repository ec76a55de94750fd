package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netdash/internal/config"
	"github.com/probelab/netdash/internal/metrics"
	"github.com/probelab/netdash/internal/record"
	"github.com/probelab/netdash/internal/session"
)

// stubPull completes every session with a canned batch.
type stubPull struct {
	result *record.BatchResult
}

func (s *stubPull) Fetch(_ context.Context, _ string, _ session.ScanSpec) (*record.BatchResult, error) {
	return s.result, nil
}

func newTestServer(t *testing.T, result *record.BatchResult) (*Server, *httptest.Server, *session.Engine) {
	t.Helper()
	if result == nil {
		result = &record.BatchResult{}
	}

	var server *Server
	engine := session.NewEngine(session.EngineOptions{
		Pull: &stubPull{result: result},
		OnUpdate: func(u session.Update) {
			if server != nil {
				server.Hub().Broadcast(u)
			}
		},
	})
	t.Cleanup(engine.Close)

	server = NewServer(config.Default().API, engine, nil, metrics.NewRegistry())
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(server.Hub().Close)
	return server, ts, engine
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStartScanEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, &record.BatchResult{Records: []record.Record{
		record.HostRecord{IPAddress: "10.0.0.1"},
	}})

	resp := postJSON(t, ts.URL+"/api/v1/tools/ping/scan", map[string]string{"target": "10.0.0.1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	snap := decodeBody[session.Session](t, resp)
	assert.Equal(t, session.ToolPing, snap.Tool)
	assert.NotEmpty(t, snap.ID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/tools/ping/session")
		require.NoError(t, err)
		current := decodeBody[session.Session](t, resp)
		return current.Status == session.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartScanValidation(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	// Path tool wins; a missing target is rejected before any session exists.
	resp := postJSON(t, ts.URL+"/api/v1/tools/ping/scan", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Contains(t, body["error"], "target")

	resp = postJSON(t, ts.URL+"/api/v1/tools/teleport/scan", map[string]string{"target": "10.0.0.1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCancelWithoutSession(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/tools/ping/scan", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordsEndpointTagsKinds(t *testing.T) {
	_, ts, engine := newTestServer(t, &record.BatchResult{Records: []record.Record{
		record.HostRecord{IPAddress: "192.168.1.1", Hostname: "router"},
		record.OpenPortRecord{Port: 22, ServiceName: "ssh"},
	}})

	_, err := engine.Start(session.ScanSpec{Tool: session.ToolSubnetScan, Target: "192.168.1.0/30"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return engine.Session(session.ToolSubnetScan).Status == session.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/tools/subnet_scan/records")
	require.NoError(t, err)
	body := decodeBody[struct {
		Count   int               `json:"count"`
		Records []json.RawMessage `json:"records"`
	}](t, resp)

	require.Equal(t, 2, body.Count)
	var first map[string]any
	require.NoError(t, json.Unmarshal(body.Records[0], &first))
	assert.Equal(t, "host", first["kind"])
	assert.Equal(t, "192.168.1.1", first["ip_address"])
}

func TestDevicesEndpoint(t *testing.T) {
	_, ts, engine := newTestServer(t, &record.BatchResult{Records: []record.Record{
		record.MdnsServiceRecord{ServiceType: "_smb._tcp", Hostname: "nas.local",
			IPAddresses: []string{"192.168.1.20"}, Port: 445},
		record.UpnpDeviceRecord{USN: "uuid:nas-1", SourceIP: "192.168.1.20"},
	}})

	_, err := engine.Start(session.ScanSpec{Tool: session.ToolDeviceDiscovery})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return engine.Session(session.ToolDeviceDiscovery).Status == session.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/tools/device_discovery/devices")
	require.NoError(t, err)
	body := decodeBody[struct {
		Count   int               `json:"count"`
		Devices []json.RawMessage `json:"devices"`
	}](t, resp)
	require.Equal(t, 1, body.Count)

	var dev map[string]any
	require.NoError(t, json.Unmarshal(body.Devices[0], &dev))
	assert.Equal(t, "192.168.1.20", dev["key"])
	assert.Equal(t, "both", dev["primary_protocol"])
}

func TestSessionsEndpoint(t *testing.T) {
	_, ts, engine := newTestServer(t, nil)
	_, err := engine.Start(session.ScanSpec{Tool: session.ToolPing, Target: "10.0.0.1"})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	sessions := decodeBody[map[session.ToolKind]session.Session](t, resp)
	require.Contains(t, sessions, session.ToolPing)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusRecorderStaysHijackable(t *testing.T) {
	base := &hijackableWriter{ResponseRecorder: httptest.NewRecorder()}
	rec := &statusRecorder{ResponseWriter: base, status: http.StatusOK}

	// The websocket upgrade type-asserts http.Hijacker on whatever writer it
	// receives, so the middleware wrapper has to delegate.
	var w http.ResponseWriter = rec
	hj, ok := w.(http.Hijacker)
	require.True(t, ok)
	_, _, err := hj.Hijack()
	require.NoError(t, err)
	assert.True(t, base.hijacked)

	plain := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	_, _, err = plain.Hijack()
	assert.Error(t, err)
}

func TestUpdatesWebsocketStreamsSessionChanges(t *testing.T) {
	_, ts, engine := newTestServer(t, &record.BatchResult{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/updates"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	_, err = engine.Start(session.ScanSpec{Tool: session.ToolPing, Target: "10.0.0.1"})
	require.NoError(t, err)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var upd session.Update
	require.NoError(t, ws.ReadJSON(&upd))
	assert.Equal(t, session.ToolPing, upd.Tool)
	assert.NotEmpty(t, upd.Session.ID)
}
