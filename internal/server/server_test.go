package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/reedfamily/cs2instance/internal/config"
	"github.com/reedfamily/cs2instance/internal/db"
	"github.com/reedfamily/cs2instance/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func newServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("CS2I_DATA_DIR", t.TempDir())
	t.Setenv("CS2I_LISTEN", "127.0.0.1:0")
	t.Setenv("CS2I_DEFAULT_PASS", "password123")

	cfg, err := config.Load("")
	require.NoError(t, err)

	conn, err := db.Open(cfg.DatabasePath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	s, err := New(cfg, conn)
	require.NoError(t, err)
	return s
}

func TestRouterServesLoginAndStatus(t *testing.T) {
	s := newServer(t)
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"admin","password":"password123"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var login map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/server/status", nil)
	req.Header.Set("Authorization", "Bearer "+login["token"])
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, status.NotInstalled, snap.State)
	assert.Equal(t, 27015, snap.Port)
}

func TestStartWithoutInstallIsRefused(t *testing.T) {
	s := newServer(t)
	defer s.Close()

	err := s.startSaved(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not installed")
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	s := newServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// Close after Run is a no-op.
	s.Close()
}
