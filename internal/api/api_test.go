package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/cs2instance/internal/apperr"
	"github.com/reedfamily/cs2instance/internal/auth"
	"github.com/reedfamily/cs2instance/internal/backup"
	"github.com/reedfamily/cs2instance/internal/chatcmd"
	"github.com/reedfamily/cs2instance/internal/db"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/launch"
	"github.com/reedfamily/cs2instance/internal/serverfiles"
	"github.com/reedfamily/cs2instance/internal/status"
	"github.com/reedfamily/cs2instance/internal/store"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	started  []launch.Parameters
	commands []string
	err      error
	output   string
}

func (f *fakeLifecycle) Start(_ context.Context, p launch.Parameters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, p)
	return f.err
}

func (f *fakeLifecycle) Restart(ctx context.Context, p launch.Parameters) error {
	return f.Start(ctx, p)
}

func (f *fakeLifecycle) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeLifecycle) set(output string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output, f.err = output, err
}

func (f *fakeLifecycle) ExecuteCommand(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return f.output, f.err
}

func (f *fakeLifecycle) lastStart() launch.Parameters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[len(f.started)-1]
}

type fakeUpdater struct {
	mu  sync.Mutex
	id  string
	err error
}

func (f *fakeUpdater) set(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id, f.err = id, err
}

func (f *fakeUpdater) Start(context.Context, func(context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.err
}

func (f *fakeUpdater) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.id {
		return apperr.Precondition("cancel update or install", "ids dont match")
	}
	return nil
}

func (f *fakeUpdater) Running() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.id != ""
}

type harness struct {
	srv       *httptest.Server
	token     string
	bus       *events.Bus
	lifecycle *fakeLifecycle
	updater   *fakeUpdater
	files     *serverfiles.Layout
	sink      *store.Sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	authSvc := auth.NewService(conn, 0)
	require.NoError(t, authSvc.EnsureDefaultUser(context.Background(), "admin", "password123"))

	bus := events.NewBus()
	agg := status.New(bus, status.Options{Installed: func() bool { return true }, Port: 27015})
	t.Cleanup(agg.Close)

	sink := store.NewSink(conn, 0)
	t.Cleanup(sink.Close)

	files := serverfiles.New(filepath.Join(dir, "server"), filepath.Join(dir, "edited"))
	require.NoError(t, os.MkdirAll(files.ConfigDir(), 0o755))
	require.NoError(t, os.MkdirAll(files.MapsDir(), 0o755))

	lifecycle := &fakeLifecycle{}
	updater := &fakeUpdater{}
	chat := chatcmd.NewService(conn, lifecycle)

	router := NewRouter(Deps{
		DB:           conn,
		Auth:         authSvc,
		Lifecycle:    lifecycle,
		Bus:          bus,
		Status:       agg,
		History:      sink,
		Lines:        sink,
		Updater:      updater,
		Files:        files,
		ChatCommands: chat,
		Backups:      backup.NewService(conn, filepath.Join(dir, "backups"), files.ConfigDir()),
		Logger:       zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	h := &harness{srv: srv, bus: bus, lifecycle: lifecycle, updater: updater, files: files, sink: sink}
	res := h.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "password123"})
	require.Equal(t, http.StatusOK, res.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body, &body))
	h.token = body["token"]
	require.NotEmpty(t, h.token)
	return h
}

type response struct {
	Code int
	Body []byte
}

func (h *harness) do(t *testing.T, method, path string, body any) response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	res, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	return response{Code: res.StatusCode, Body: buf.Bytes()}
}

func decode[T any](t *testing.T, res response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(res.Body, &v), string(res.Body))
	return v
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path + "?token=" + h.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	h := newHarness(t)
	token := h.token
	h.token = ""

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/server/status", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)

	h.token = "bogus"
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/auth/me", nil).Code)

	h.token = token
	me := decode[auth.User](t, h.do(t, http.MethodGet, "/api/v1/auth/me", nil))
	assert.Equal(t, "admin", me.Username)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.token = ""
	res := h.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestChangePasswordEndsSessions(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodPut, "/api/v1/auth/password", map[string]string{"current_password": "wrong", "new_password": "newpassword1"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(t, http.MethodPut, "/api/v1/auth/password", map[string]string{"current_password": "password123", "new_password": "newpassword1"})
	require.Equal(t, http.StatusOK, res.Code)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/auth/me", nil).Code)
}

func TestStatusReflectsEvents(t *testing.T) {
	h := newHarness(t)

	snap := decode[status.Snapshot](t, h.do(t, http.MethodGet, "/api/v1/server/status", nil))
	assert.Equal(t, status.Stopped, snap.State)
	assert.Equal(t, 27015, snap.Port)

	h.bus.Publish(events.New(events.StartingServer, nil))
	snap = decode[status.Snapshot](t, h.do(t, http.MethodGet, "/api/v1/server/status", nil))
	assert.Equal(t, status.Starting, snap.State)
	assert.True(t, snap.Starting)
}

func TestStartSavesParametersFromBody(t *testing.T) {
	h := newHarness(t)

	params := launch.Parameters{Hostname: "scrim", MaxPlayers: 12, StartMap: "de_mirage"}
	res := h.do(t, http.MethodPost, "/api/v1/server/start", params)
	require.Equal(t, http.StatusOK, res.Code, string(res.Body))
	assert.Equal(t, "scrim", h.lifecycle.lastStart().Hostname)

	saved := decode[launch.Parameters](t, h.do(t, http.MethodGet, "/api/v1/server/start-parameters", nil))
	assert.Equal(t, "de_mirage", saved.StartMap)
	assert.Equal(t, 12, saved.MaxPlayers)

	// Without a body the saved parameters are used again.
	res = h.do(t, http.MethodPost, "/api/v1/server/restart", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "de_mirage", h.lifecycle.lastStart().StartMap)
}

func TestStartRejectsInvalidParameters(t *testing.T) {
	h := newHarness(t)
	res := h.do(t, http.MethodPost, "/api/v1/server/start", launch.Parameters{MaxPlayers: 100})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	h.lifecycle.mu.Lock()
	defer h.lifecycle.mu.Unlock()
	assert.Empty(t, h.lifecycle.started)
}

func TestLifecycleErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"precondition", apperr.Precondition("start", "server is already started"), http.StatusConflict, "precondition_failed"},
		{"busy", apperr.Busy("start", apperr.BusyUpdatingOrInstalling), http.StatusConflict, "busy"},
		{"timeout", apperr.Timeout("start", "no start"), http.StatusGatewayTimeout, "timeout"},
		{"spawn", apperr.Spawn("start", os.ErrNotExist), http.StatusInternalServerError, "process_spawn_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.lifecycle.set("", tt.err)
			res := h.do(t, http.MethodPost, "/api/v1/server/start", nil)
			assert.Equal(t, tt.code, res.Code)
			body := decode[map[string]string](t, res)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

func TestCommandReturnsOutput(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.set("map: de_anubis\n", nil)

	res := h.do(t, http.MethodPost, "/api/v1/server/command", map[string]string{"command": "status"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "map: de_anubis\n", decode[map[string]string](t, res)["output"])

	h.lifecycle.set("", apperr.Busy("execute command", apperr.BusyExecutingCommand))
	res = h.do(t, http.MethodPost, "/api/v1/server/command", map[string]string{"command": "status"})
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, string(apperr.BusyExecutingCommand), decode[map[string]string](t, res)["reason"])
}

func TestUpdateStartAndCancel(t *testing.T) {
	h := newHarness(t)
	h.updater.set("run-1", nil)

	res := h.do(t, http.MethodPost, "/api/v1/update", nil)
	require.Equal(t, http.StatusAccepted, res.Code)
	assert.Equal(t, "run-1", decode[map[string]string](t, res)["id"])

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v1/update/other/cancel", nil).Code)
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/v1/update/run-1/cancel", nil).Code)

	list := decode[map[string]any](t, h.do(t, http.MethodGet, "/api/v1/update", nil))
	assert.Equal(t, "run-1", list["running"])

	h.updater.set("run-1", apperr.Busy("update or install", apperr.BusyUpdatingOrInstalling))
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v1/update", nil).Code)
}

func TestChatCommandRoutes(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodPost, "/api/v1/chat-commands", map[string]string{"chat_message": "!Smokes", "command": "exec smokes.cfg"})
	require.Equal(t, http.StatusCreated, res.Code)
	assert.Equal(t, http.StatusConflict,
		h.do(t, http.MethodPost, "/api/v1/chat-commands", map[string]string{"chat_message": "!smokes", "command": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/api/v1/chat-commands", map[string]string{"chat_message": "", "command": "x"}).Code)

	list := decode[[]chatcmd.ChatCommand](t, h.do(t, http.MethodGet, "/api/v1/chat-commands", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "!smokes", list[0].ChatMessage)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/api/v1/chat-commands/%21smokes", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/v1/chat-commands/%21smokes", nil).Code)
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodPost, "/api/v1/schedules", map[string]string{"name": "x", "cron_expr": "0 4 * * *", "action": "explode"})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	res = h.do(t, http.MethodPost, "/api/v1/schedules", map[string]string{"name": "x", "cron_expr": "0 4 * * *", "action": "command"})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	res = h.do(t, http.MethodPost, "/api/v1/schedules", map[string]string{"name": "x", "cron_expr": "99 4 * * *", "action": "update"})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/api/v1/schedules", map[string]string{"name": "nightly", "cron_expr": "0 4 * * *", "action": "update"})
	require.Equal(t, http.StatusCreated, res.Code)
	created := decode[map[string]any](t, res)
	assert.NotEmpty(t, created["next_run"])
	id := created["id"].(string)

	res = h.do(t, http.MethodPut, "/api/v1/schedules/"+id, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, res.Code)
	updated := decode[map[string]any](t, res)
	assert.Equal(t, false, updated["enabled"])
	assert.Equal(t, "nightly", updated["name"])

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/api/v1/schedules/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPut, "/api/v1/schedules/"+id, map[string]any{"enabled": true}).Code)
}

func TestConfigRoutes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.files.ConfigDir(), "server.cfg"), []byte("sv_cheats 0\n"), 0o644))

	cfg := decode[map[string]string](t, h.do(t, http.MethodGet, "/api/v1/server/configs/server.cfg", nil))
	assert.Equal(t, "sv_cheats 0\n", cfg["content"])

	res := h.do(t, http.MethodPut, "/api/v1/server/configs/server.cfg", map[string]string{"content": "sv_cheats 1\n"})
	require.Equal(t, http.StatusOK, res.Code)
	cfg = decode[map[string]string](t, h.do(t, http.MethodGet, "/api/v1/server/configs/server.cfg", nil))
	assert.Equal(t, "sv_cheats 1\n", cfg["content"])

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/server/configs/missing.cfg", nil).Code)

	configs := decode[[]string](t, h.do(t, http.MethodGet, "/api/v1/server/configs", nil))
	assert.Contains(t, configs, "server.cfg")
}

func TestBackupRestoreNeedsStoppedServer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.files.ConfigDir(), "server.cfg"), []byte("x"), 0o644))

	res := h.do(t, http.MethodPost, "/api/v1/backups", nil)
	require.Equal(t, http.StatusCreated, res.Code)
	id := decode[backup.Backup](t, res).ID

	h.bus.Publish(events.New(events.StartingServer, nil))
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v1/backups/"+id+"/restore", nil).Code)

	h.bus.Publish(events.New(events.ServerExited, nil))
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/backups/"+id+"/restore", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/v1/backups/nope/restore", nil).Code)
}

func TestEventLogQueryValidation(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/server/events?kind=Nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/server/logs?since=yesterday", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/server/events?kind=MapChanged", nil).Code)
}

func TestStatusLiveWebsocket(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/api/v1/server/status/live")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snap status.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, status.Stopped, snap.State)

	h.bus.Publish(events.New(events.StartingServer, nil))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, status.Starting, snap.State)
}

func TestConsoleWebsocketRunsCommandsAndStreamsEvents(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.set("ok\n", nil)
	conn := h.dial(t, "/api/v1/server/console")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("status")))
	var reply commandReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "status", reply.Command)
	assert.Equal(t, "ok\n", reply.Output)

	h.bus.Publish(events.New(events.MapChanged, events.MapChangedPayload{Map: "de_nuke"}))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "MapChanged", msg["kind"])
	assert.Equal(t, map[string]any{"map": "de_nuke"}, msg["data"])
}

func TestConsoleWebsocketStreamsServerOutput(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.set("", nil)
	conn := h.dial(t, "/api/v1/server/console")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// A command round trip guarantees the socket is subscribed.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("status")))
	var reply commandReply
	require.NoError(t, conn.ReadJSON(&reply))

	startID := h.sink.ServerStarted(launch.Defaults())
	h.sink.UpdateStarted("u-1")
	h.sink.UpdateOutput("u-1", "not for the console")
	h.sink.ServerOutput(startID, "Host activate: Changelevel (de_nuke)")
	h.sink.SystemLog(zerolog.WarnLevel, "supervisor", "server crashed")

	var line struct {
		Kind string     `json:"kind"`
		Data store.Line `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&line))
	assert.Equal(t, "ServerLog", line.Kind)
	assert.Equal(t, store.SourceServer, line.Data.Source)
	assert.Equal(t, startID, line.Data.Ref)
	assert.Equal(t, "Host activate: Changelevel (de_nuke)", line.Data.Message)

	require.NoError(t, conn.ReadJSON(&line))
	assert.Equal(t, "SystemLog", line.Kind)
	assert.Equal(t, "warn", line.Data.Level)
	assert.Equal(t, "server crashed", line.Data.Message)
}

func TestUpdateLiveWebsocketStreamsToolOutput(t *testing.T) {
	h := newHarness(t)
	h.sink.UpdateStarted("u-1")
	conn := h.dial(t, "/api/v1/update/live")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// Lines published before the socket subscribed are not replayed, so keep writing.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.sink.UpdateOutput("u-1", "Update state (0x61) downloading, progress: 12.50")
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	var line struct {
		Kind string     `json:"kind"`
		Data store.Line `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&line))
	assert.Equal(t, "UpdateOrInstallLog", line.Kind)
	assert.Equal(t, "u-1", line.Data.Ref)
	assert.Equal(t, "Update state (0x61) downloading, progress: 12.50", line.Data.Message)
}

func TestSystemLogQuery(t *testing.T) {
	h := newHarness(t)
	h.sink.SystemLog(zerolog.InfoLevel, "supervisor", "starting server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sink.Flush(ctx))

	res := h.do(t, http.MethodGet, "/api/v1/server/system-logs", nil)
	require.Equal(t, http.StatusOK, res.Code)
	logs := decode[[]store.SystemLog](t, res)
	require.Len(t, logs, 1)
	assert.Equal(t, "supervisor", logs[0].Component)
	assert.Equal(t, "starting server", logs[0].Message)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/server/system-logs?limit=0", nil).Code)
}
