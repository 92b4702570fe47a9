package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/cs2instance/internal/db"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	cfg := filepath.Join(t.TempDir(), "cfg")
	require.NoError(t, os.MkdirAll(cfg, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, "server.cfg"), []byte("hostname original"), 0o644))
	return NewService(conn, filepath.Join(t.TempDir(), "backups"), cfg), cfg
}

func TestCreateListRestoreDelete(t *testing.T) {
	svc, cfg := newService(t)

	b, err := svc.Create()
	require.NoError(t, err)
	assert.Positive(t, b.SizeBytes)

	list, err := svc.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	require.NoError(t, os.WriteFile(filepath.Join(cfg, "server.cfg"), []byte("hostname broken"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, "extra.cfg"), []byte("x"), 0o644))

	require.NoError(t, svc.Restore(b.ID))
	got, err := os.ReadFile(filepath.Join(cfg, "server.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "hostname original", string(got))
	assert.NoFileExists(t, filepath.Join(cfg, "extra.cfg"))

	path, err := svc.FilePath(b.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(b.ID))
	assert.NoFileExists(t, path)

	_, err = svc.FilePath(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBeforeUpdateSkipsFreshInstall(t *testing.T) {
	conn, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "unused.db"))
	require.NoError(t, err)
	defer conn.Close()

	svc := NewService(conn, t.TempDir(), filepath.Join(t.TempDir(), "missing"))
	assert.NoError(t, svc.BeforeUpdate(context.Background()))
}

func TestBeforeUpdateCreatesBackup(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.BeforeUpdate(context.Background()))

	list, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
