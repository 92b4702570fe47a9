// Package steamcmd installs the steamcmd tool and links the Steam client library the
// dedicated server loads at runtime.
package steamcmd

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/archive"
	"github.com/reedfamily/cs2instance/internal/log"
)

const (
	DefaultURL = "https://steamcdn-a.akamaihd.net/client/installer/steamcmd_linux.tar.gz"
	ScriptName = "steamcmd.sh"
)

type Installer struct {
	Dir    string
	URL    string
	Client *http.Client

	logger zerolog.Logger
}

func NewInstaller(dir string) *Installer {
	return &Installer{
		Dir:    dir,
		URL:    DefaultURL,
		Client: http.DefaultClient,
		logger: log.WithComponent("steamcmd"),
	}
}

// Script returns the path of the steamcmd entry point.
func (i *Installer) Script() string {
	return filepath.Join(i.Dir, ScriptName)
}

func (i *Installer) Installed() bool {
	info, err := os.Stat(i.Script())
	return err == nil && info.Mode().IsRegular()
}

// EnsureInstalled installs steamcmd unless it is present already.
func (i *Installer) EnsureInstalled(ctx context.Context) error {
	if i.Installed() {
		i.logger.Info().Str("dir", i.Dir).Msg("steamcmd already installed")
		return nil
	}
	return i.Install(ctx)
}

// Install wipes Dir, downloads the steamcmd tarball and unpacks it in place.
func (i *Installer) Install(ctx context.Context) error {
	i.logger.Info().Str("dir", i.Dir).Str("url", i.URL).Msg("installing steamcmd")

	if err := os.RemoveAll(i.Dir); err != nil {
		return fmt.Errorf("clear steamcmd directory: %w", err)
	}
	if err := os.MkdirAll(i.Dir, 0o770); err != nil {
		return fmt.Errorf("create steamcmd directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download steamcmd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download steamcmd: unexpected status %s", resp.Status)
	}

	if err := archive.Extract(resp.Body, i.Dir); err != nil {
		return fmt.Errorf("unpack steamcmd: %w", err)
	}
	if !i.Installed() {
		return fmt.Errorf("failed to install steamcmd: %s missing after unpack", ScriptName)
	}
	if err := chmodRecursive(i.Dir, 0o770); err != nil {
		return fmt.Errorf("set steamcmd permissions: %w", err)
	}

	i.logger.Info().Str("dir", i.Dir).Msg("steamcmd installed")
	return nil
}

// LinkSteamclient points ~/.steam/sdk64/steamclient.so at the library shipped with steamcmd.
func (i *Installer) LinkSteamclient(home string) error {
	src := filepath.Join(i.Dir, "linux64", "steamclient.so")
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("steam client not found at %s, run an update or install first: %w", src, err)
	}

	dest := filepath.Join(home, ".steam", "sdk64", "steamclient.so")
	if current, err := os.Readlink(dest); err == nil && current == src {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create steam sdk directory: %w", err)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale steam client link: %w", err)
	}
	if err := os.Symlink(src, dest); err != nil {
		return fmt.Errorf("link steam client: %w", err)
	}
	i.logger.Info().Str("src", src).Str("dest", dest).Msg("linked steam client")
	return nil
}

func chmodRecursive(root string, mode os.FileMode) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(path, mode)
	})
}
