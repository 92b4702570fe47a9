package steamcmd

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steamcmdTarball(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	files := map[string]string{
		"steamcmd.sh":            "#!/bin/sh\necho steamcmd\n",
		"linux64/steamclient.so": "elf",
		"linux32/steamcmd":       "elf",
	}
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func newTestInstaller(t *testing.T, handler http.HandlerFunc) *Installer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	i := NewInstaller(filepath.Join(t.TempDir(), "steamcmd"))
	i.URL = srv.URL + "/steamcmd_linux.tar.gz"
	i.Client = srv.Client()
	return i
}

func TestInstallDownloadsAndUnpacks(t *testing.T) {
	body := steamcmdTarball(t)
	i := newTestInstaller(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	})

	assert.False(t, i.Installed())
	require.NoError(t, i.Install(context.Background()))
	assert.True(t, i.Installed())

	info, err := os.Stat(i.Script())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o770), info.Mode().Perm())
}

func TestInstallReplacesExistingDirectory(t *testing.T) {
	body := steamcmdTarball(t)
	i := newTestInstaller(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	})
	require.NoError(t, os.MkdirAll(i.Dir, 0o755))
	stale := filepath.Join(i.Dir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	require.NoError(t, i.Install(context.Background()))
	assert.NoFileExists(t, stale)
}

func TestEnsureInstalledSkipsDownload(t *testing.T) {
	calls := 0
	i := newTestInstaller(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	require.NoError(t, os.MkdirAll(i.Dir, 0o755))
	require.NoError(t, os.WriteFile(i.Script(), []byte("#!/bin/sh\n"), 0o755))

	require.NoError(t, i.EnsureInstalled(context.Background()))
	assert.Zero(t, calls)
}

func TestInstallFailsOnBadStatus(t *testing.T) {
	i := newTestInstaller(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	err := i.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestInstallFailsWithoutScript(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	i := newTestInstaller(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	})

	err := i.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing after unpack")
}

func TestLinkSteamclient(t *testing.T) {
	i := NewInstaller(t.TempDir())
	home := t.TempDir()

	err := i.LinkSteamclient(home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steam client not found")

	src := filepath.Join(i.Dir, "linux64", "steamclient.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("elf"), 0o644))

	require.NoError(t, i.LinkSteamclient(home))
	dest := filepath.Join(home, ".steam", "sdk64", "steamclient.so")
	target, err := os.Readlink(dest)
	require.NoError(t, err)
	assert.Equal(t, src, target)

	// Linking twice keeps the existing link.
	require.NoError(t, i.LinkSteamclient(home))
}

func TestLinkSteamclientReplacesStaleFile(t *testing.T) {
	i := NewInstaller(t.TempDir())
	home := t.TempDir()
	src := filepath.Join(i.Dir, "linux64", "steamclient.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("elf"), 0o644))

	dest := filepath.Join(home, ".steam", "sdk64", "steamclient.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	require.NoError(t, i.LinkSteamclient(home))
	target, err := os.Readlink(dest)
	require.NoError(t, err)
	assert.Equal(t, src, target)
}
