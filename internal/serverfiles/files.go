// Package serverfiles knows the layout of a dedicated server install: where the binary
// lives, which maps ship with it and which configs can be edited.
package serverfiles

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/log"
)

var ErrInvalidName = errors.New("invalid config name")

// requiredFiles must exist below the game directory for an install to count.
var requiredFiles = []string{
	"pak01_000.vpk",
	"pak01_001.vpk",
	"pak01_002.vpk",
	"pak01_050.vpk",
	filepath.Join("cfg", "server.cfg"),
	filepath.Join("cfg", "gamemode_competitive.cfg"),
	filepath.Join("cfg", "gamemode_deathmatch.cfg"),
}

var hiddenMaps = map[string]bool{
	"graphics_settings.vpk": true,
	"lobby_mapveto.vpk":     true,
}

// Layout resolves paths inside a server install. EditedDir keeps user edited configs
// that are copied over the install on every start.
type Layout struct {
	ServerDir string
	EditedDir string

	logger zerolog.Logger
	mu     sync.Mutex
}

func New(serverDir, editedDir string) *Layout {
	return &Layout{
		ServerDir: serverDir,
		EditedDir: editedDir,
		logger:    log.WithComponent("serverfiles"),
	}
}

func (l *Layout) GameDir() string   { return filepath.Join(l.ServerDir, "game", "csgo") }
func (l *Layout) MapsDir() string   { return filepath.Join(l.GameDir(), "maps") }
func (l *Layout) ConfigDir() string { return filepath.Join(l.GameDir(), "cfg") }

// Executable is the dedicated server binary.
func (l *Layout) Executable() string {
	return filepath.Join(l.ServerDir, "game", "bin", "linuxsteamrt64", "cs2")
}

// Installed reports whether the game content and base configs are present.
func (l *Layout) Installed() bool {
	for _, rel := range requiredFiles {
		info, err := os.Stat(filepath.Join(l.GameDir(), rel))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// Maps lists playable maps by name without extension.
func (l *Layout) Maps() ([]string, error) {
	entries, err := os.ReadDir(l.MapsDir())
	if err != nil {
		return nil, fmt.Errorf("read maps directory: %w", err)
	}
	maps := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".vpk") || hiddenMaps[name] {
			continue
		}
		// Map parts like de_dust2_vanity.vpk carry a second underscore.
		if strings.Count(name, "_") > 1 {
			continue
		}
		maps = append(maps, strings.TrimSuffix(name, ".vpk"))
	}
	sort.Strings(maps)
	return maps, nil
}

// StartConfigs lists configs meant to be executed after start, those ending in "c.cfg".
func (l *Layout) StartConfigs() ([]string, error) {
	names, err := l.Configs()
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, n := range names {
		if strings.HasSuffix(n, "c.cfg") {
			out = append(out, n)
		}
	}
	return out, nil
}

// Configs lists every config file name from the install and the edited overlay.
func (l *Layout) Configs() ([]string, error) {
	seen := map[string]bool{}
	if err := collectFiles(l.EditedDir, seen); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read edited configs: %w", err)
	}
	if err := collectFiles(l.ConfigDir(), seen); err != nil {
		return nil, fmt.Errorf("config folder %q does not exist: %w", l.ConfigDir(), err)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func collectFiles(dir string, into map[string]bool) error {
	if dir == "" {
		return fs.ErrNotExist
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			into[e.Name()] = true
		}
	}
	return nil
}

// ReadConfig returns the edited version of a config if one exists, the installed one otherwise.
func (l *Layout) ReadConfig(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if l.EditedDir != "" {
		if b, err := os.ReadFile(filepath.Join(l.EditedDir, name)); err == nil {
			return string(b), nil
		}
	}
	b, err := os.ReadFile(filepath.Join(l.ConfigDir(), name))
	if err != nil {
		return "", fmt.Errorf("read config %s: %w", name, err)
	}
	return string(b), nil
}

// WriteConfig stores content in the edited overlay and copies it into the install.
func (l *Layout) WriteConfig(name, content string) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, err := os.Stat(l.ConfigDir()); err != nil {
		return fmt.Errorf("config folder %q does not exist: %w", l.ConfigDir(), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.EditedDir != "" {
		if err := os.MkdirAll(l.EditedDir, 0o755); err != nil {
			return fmt.Errorf("create edited config directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(l.EditedDir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write edited config: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(l.ConfigDir(), name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	l.logger.Info().Str("config", name).Msg("config updated")
	return nil
}

// ApplyEdited copies every edited .cfg over the install. Updates replace the installed
// copies, so this runs again after each start.
func (l *Layout) ApplyEdited() error {
	if l.EditedDir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.EditedDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".cfg") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(l.EditedDir, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(l.ConfigDir(), e.Name()), b, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Watch re-applies edited configs whenever the server finished starting.
func (l *Layout) Watch(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(events.StartingServerDone, func(events.Event) error {
		if err := l.ApplyEdited(); err != nil {
			return fmt.Errorf("apply edited configs: %w", err)
		}
		return nil
	})
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
