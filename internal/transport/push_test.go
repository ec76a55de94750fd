package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netdash/internal/record"
	"github.com/probelab/netdash/internal/session"
)

// fakeAgent is a websocket test server recording control frames and letting
// tests push envelopes to the connected client.
type fakeAgent struct {
	t       *testing.T
	server  *httptest.Server
	frames  chan frame
	clients chan *websocket.Conn
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	agent := &fakeAgent{
		t:       t,
		frames:  make(chan frame, 16),
		clients: make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	agent.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		agent.clients <- ws
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			agent.frames <- f
		}
	}))
	t.Cleanup(agent.server.Close)
	return agent
}

func (a *fakeAgent) wsURL() string {
	return "ws" + strings.TrimPrefix(a.server.URL, "http")
}

func (a *fakeAgent) client() *websocket.Conn {
	select {
	case ws := <-a.clients:
		return ws
	case <-time.After(2 * time.Second):
		a.t.Fatal("no client connected")
		return nil
	}
}

func (a *fakeAgent) nextFrame() frame {
	select {
	case f := <-a.frames:
		return f
	case <-time.After(2 * time.Second):
		a.t.Fatal("no frame received")
		return frame{}
	}
}

func (a *fakeAgent) sendEnvelope(ws *websocket.Conn, eventType, sessionID, data string) {
	env := record.Envelope{
		Type:      eventType,
		SessionID: sessionID,
		Data:      json.RawMessage(data),
	}
	require.NoError(a.t, ws.WriteJSON(env))
}

func connectedConn(t *testing.T, agent *fakeAgent) *Conn {
	t.Helper()
	conn := NewConn(agent.wsURL(), nil, nil)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })
	require.True(t, conn.Connected())
	return conn
}

func TestConnSubscribeDeliversNormalizedEvents(t *testing.T) {
	agent := newFakeAgent(t)
	conn := connectedConn(t, agent)
	ws := agent.client()

	events, release, err := conn.Subscribe("s-1", session.ScanSpec{Tool: session.ToolSubnetScan, Target: "192.168.1.0/30"})
	require.NoError(t, err)
	defer release()

	sub := agent.nextFrame()
	assert.Equal(t, "subscribe", sub.Action)
	assert.Equal(t, "subnet_scan", sub.Stream)
	assert.Equal(t, "s-1", sub.SessionID)
	require.NotNil(t, sub.Spec)
	assert.Equal(t, "192.168.1.0/30", sub.Spec.Target)

	agent.sendEnvelope(ws, "scan.started", "s-1", `{"total_units":4}`)
	agent.sendEnvelope(ws, "host_found", "s-1", `{"ip_address":"192.168.1.1"}`)

	ev := <-events
	assert.Equal(t, record.StreamStarted, ev.Kind)
	assert.Equal(t, 4, ev.TotalUnits)

	ev = <-events
	assert.Equal(t, record.StreamFound, ev.Kind)
	assert.Equal(t, "192.168.1.1", ev.Record.Key())
}

func TestConnReleaseSendsUnsubscribeOnce(t *testing.T) {
	agent := newFakeAgent(t)
	conn := connectedConn(t, agent)
	_ = agent.client()

	events, release, err := conn.Subscribe("s-1", session.ScanSpec{Tool: session.ToolPing, Target: "10.0.0.1"})
	require.NoError(t, err)
	_ = agent.nextFrame() // subscribe

	release()
	release() // idempotent

	unsub := agent.nextFrame()
	assert.Equal(t, "unsubscribe", unsub.Action)
	assert.Equal(t, "s-1", unsub.SessionID)

	// The event channel is closed so a consuming controller unblocks.
	_, open := <-events
	assert.False(t, open)

	select {
	case f := <-agent.frames:
		t.Fatalf("unexpected second frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnRoutesEventsBySessionID(t *testing.T) {
	agent := newFakeAgent(t)
	conn := connectedConn(t, agent)
	ws := agent.client()

	eventsA, releaseA, err := conn.Subscribe("s-a", session.ScanSpec{Tool: session.ToolPing, Target: "10.0.0.1"})
	require.NoError(t, err)
	defer releaseA()
	eventsB, releaseB, err := conn.Subscribe("s-b", session.ScanSpec{Tool: session.ToolTraceroute, Target: "10.0.0.2"})
	require.NoError(t, err)
	defer releaseB()

	agent.sendEnvelope(ws, "host_found", "s-b", `{"ip_address":"10.0.0.2"}`)
	agent.sendEnvelope(ws, "host_found", "s-a", `{"ip_address":"10.0.0.1"}`)
	// Stale session id: dropped, delivered to nobody.
	agent.sendEnvelope(ws, "host_found", "s-gone", `{"ip_address":"10.0.0.99"}`)

	ev := <-eventsB
	assert.Equal(t, "10.0.0.2", ev.Record.Key())
	ev = <-eventsA
	assert.Equal(t, "10.0.0.1", ev.Record.Key())

	select {
	case ev := <-eventsA:
		t.Fatalf("unexpected event: %+v", ev)
	case ev := <-eventsB:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnReleaseWhileEventsInFlight(t *testing.T) {
	agent := newFakeAgent(t)
	conn := connectedConn(t, agent)
	ws := agent.client()

	// The agent keeps streaming results for the session while the consumer
	// releases and resubscribes; every event lands on an open channel or is
	// dropped as stale, never on a closed one.
	stop := make(chan struct{})
	// Keep the agent's frame buffer drained across the many
	// subscribe/unsubscribe pairs below.
	go func() {
		for {
			select {
			case <-agent.frames:
			case <-stop:
				return
			}
		}
	}()

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			env := record.Envelope{
				Type:      "host_found",
				SessionID: "s-1",
				Data:      json.RawMessage(fmt.Sprintf(`{"ip_address":"10.0.0.%d"}`, i%250+1)),
			}
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		events, release, err := conn.Subscribe("s-1", session.ScanSpec{Tool: session.ToolSubnetScan, Target: "10.0.0.0/24"})
		require.NoError(t, err)
		// Drain a little so the read loop is actively delivering when the
		// release lands.
		select {
		case <-events:
		case <-time.After(10 * time.Millisecond):
		}
		release()
		for range events {
		}
	}

	close(stop)
	<-streamDone
}

func TestConnDropsUndecodableFrames(t *testing.T) {
	agent := newFakeAgent(t)
	conn := connectedConn(t, agent)
	ws := agent.client()

	events, release, err := conn.Subscribe("s-1", session.ScanSpec{Tool: session.ToolPing, Target: "10.0.0.1"})
	require.NoError(t, err)
	defer release()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	agent.sendEnvelope(ws, "telemetry.cpu", "s-1", `{}`)
	agent.sendEnvelope(ws, "host_found", "s-1", `{"ip_address":"10.0.0.1"}`)

	// Only the well-formed, known event arrives.
	ev := <-events
	assert.Equal(t, record.StreamFound, ev.Kind)
	assert.Equal(t, "10.0.0.1", ev.Record.Key())
}

func TestConnDisconnectClosesSubscriptions(t *testing.T) {
	agent := newFakeAgent(t)
	conn := connectedConn(t, agent)
	ws := agent.client()

	events, release, err := conn.Subscribe("s-1", session.ScanSpec{Tool: session.ToolPing, Target: "10.0.0.1"})
	require.NoError(t, err)
	defer release()

	// Agent drops the connection: the subscription channel must close so
	// controllers can fall back to the pull path.
	_ = ws.Close()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel never closed after disconnect")
	}

	require.Eventually(t, func() bool {
		return !conn.Connected()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnSubscribeWhenDisconnected(t *testing.T) {
	conn := NewConn("ws://127.0.0.1:1/events", nil, nil)
	_, _, err := conn.Subscribe("s-1", session.ScanSpec{Tool: session.ToolPing, Target: "10.0.0.1"})
	assert.Error(t, err)
	assert.False(t, conn.Connected())
}
