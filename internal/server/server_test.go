package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hanukia-controller/internal/core"
	"hanukia-controller/internal/lamp"
	"hanukia-controller/internal/scheduler"
)

type stubPatterns []string

func (p stubPatterns) GetPatternList() ([]string, error) { return p, nil }

type stubSchedules []scheduler.Entry

func (s stubSchedules) List() []scheduler.Entry { return s }

type fixture struct {
	srv   *Server
	http  *httptest.Server
	cmds  core.CommandChannel
	state *core.State
	bus   *core.EventBus
}

func newFixture(t *testing.T, queue int) *fixture {
	t.Helper()
	f := &fixture{
		cmds:  make(core.CommandChannel, queue),
		state: core.NewState(),
		bus:   core.NewEventBus(),
	}
	f.srv = NewServer(Options{
		Port:      "0",
		State:     f.state,
		Commands:  f.cmds,
		EventBus:  f.bus,
		Patterns:  stubPatterns{"demo.lua"},
		Schedules: stubSchedules{{ID: 1, Spec: "0 17 * * *", Command: "select 1"}},
		Logger:    zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.srv.Start(ctx)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.http.Close()
		cancel()
	})
	return f
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func TestIndexListsAllDays(t *testing.T) {
	f := newFixture(t, 1)
	f.state.SetSelection(3)

	resp, err := http.Get(f.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page := string(body)
	assert.Contains(t, page, `<option value="0">Off</option>`)
	assert.Contains(t, page, `<option value="3" selected>Day 3</option>`)
	assert.Contains(t, page, `<option value="8">Day 8</option>`)
	assert.Contains(t, page, `action="/set"`)
}

func TestSetQueuesSelectionAndRedirects(t *testing.T) {
	f := newFixture(t, 1)

	resp, err := noRedirect().Get(f.http.URL + "/set?lamp=5")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	cmd, ok := f.cmds.TryReceive()
	require.True(t, ok)
	assert.Equal(t, core.SelectCommand(5), cmd)
}

func TestSetRejectsInvalidSelection(t *testing.T) {
	f := newFixture(t, 1)
	for _, q := range []string{"lamp=9", "lamp=-1", "lamp=abc", "lamp=", "day=3"} {
		resp, err := noRedirect().Get(f.http.URL + "/set?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
	_, ok := f.cmds.TryReceive()
	assert.False(t, ok)
}

func TestSetQueueFull(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.cmds.TrySend(core.SelectCommand(1)))

	resp, err := noRedirect().Get(f.http.URL + "/set?lamp=2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStateEndpoint(t *testing.T) {
	f := newFixture(t, 1)
	f.state.SetSelection(2)
	f.state.SetLamps(2, "idle", false, []lamp.ID{0, 1, 2})

	resp, err := http.Get(f.http.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var v core.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, 2, v.Selection)
	assert.Equal(t, []int{0, 1, 2}, v.Lit)
	assert.Equal(t, "idle", v.Phase)
}

func TestParseSelection(t *testing.T) {
	v, err := ParseSelection(" 8 ")
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	_, err = ParseSelection("3.5")
	assert.ErrorIs(t, err, core.ErrInvalidSelection)
}

type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m wireMessage
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWebSocketSession(t *testing.T) {
	f := newFixture(t, 4)
	conn := dial(t, f)

	assert.Equal(t, MsgState, read(t, conn).Type)
	patterns := read(t, conn)
	assert.Equal(t, MsgPatternList, patterns.Type)
	assert.JSONEq(t, `["demo.lua"]`, string(patterns.Payload))
	assert.Equal(t, MsgScheduleList, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Command{Type: "select", Payload: map[string]interface{}{"value": 4}}))
	require.NoError(t, conn.WriteJSON(Command{Type: "select", Payload: map[string]interface{}{"value": 11}}))
	require.NoError(t, conn.WriteJSON(Command{Type: "reboot"}))

	reply := read(t, conn)
	assert.Equal(t, MsgError, reply.Type)
	assert.Contains(t, string(reply.Payload), "between 0 and 8")
	assert.Equal(t, MsgError, read(t, conn).Type)

	cmd, ok := f.cmds.TryReceive()
	require.True(t, ok)
	assert.Equal(t, core.SelectCommand(4), cmd)
	_, ok = f.cmds.TryReceive()
	assert.False(t, ok)

	require.Eventually(t, func() bool { return f.srv.Hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.bus.Publish(core.Event{Type: core.LampsChangedEvent, Payload: f.state.View()})
	assert.Equal(t, MsgLamps, read(t, conn).Type)
}

func TestToCoreCommand(t *testing.T) {
	cmd, err := toCoreCommand(Command{Type: "runPattern", Payload: map[string]interface{}{"name": "demo.lua"}})
	require.NoError(t, err)
	assert.Equal(t, core.CmdRunPattern, cmd.Type)

	_, err = toCoreCommand(Command{Type: "select", Payload: map[string]interface{}{"value": 2.5}})
	assert.ErrorIs(t, err, core.ErrInvalidSelection)
	_, err = toCoreCommand(Command{Type: "select"})
	assert.ErrorIs(t, err, core.ErrInvalidSelection)
}
