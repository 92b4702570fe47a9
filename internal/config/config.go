// Package config loads settings from an optional YAML file and the environment.
// Environment variables win over the file, the file wins over defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reedfamily/cs2instance/internal/game/cs2"
)

// EnvConfigFile names the YAML file to load when no path is passed explicitly.
const EnvConfigFile = "CS2I_CONFIG"

type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	DataDir     string   `yaml:"data_dir"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`

	// Derived from DataDir unless set.
	DatabasePath string `yaml:"database_path"`
	ServerDir    string `yaml:"server_dir"`
	SteamcmdDir  string `yaml:"steamcmd_dir"`
	BackupDir    string `yaml:"backup_dir"`
	EditedCfgDir string `yaml:"edited_config_dir"`

	IPOrDomain string `yaml:"ip_or_domain"`
	Port       int    `yaml:"port"`

	SteamUsername string   `yaml:"steam_username"`
	SteamPassword string   `yaml:"steam_password"`
	LoginToken    string   `yaml:"login_token"`
	UpdateArgs    []string `yaml:"update_args"`
	SteamcmdURL   string   `yaml:"steamcmd_url"`

	DefaultUser string `yaml:"default_user"`
	DefaultPass string `yaml:"default_pass"`

	StartOnStartup bool   `yaml:"start_on_startup"`
	WakeConfig     string `yaml:"wake_config"`

	Timeouts Timeouts     `yaml:"timeouts"`
	Patterns cs2.Patterns `yaml:"patterns"`
}

type Timeouts struct {
	Start   time.Duration `yaml:"start"`
	Stop    time.Duration `yaml:"stop"`
	Kill    time.Duration `yaml:"kill"`
	Command time.Duration `yaml:"command"`
}

func defaults() Config {
	return Config{
		ListenAddr:    ":8080",
		DataDir:       "./data",
		CORSOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		Port:          27015,
		IPOrDomain:    "localhost",
		SteamUsername: "anonymous",
		SteamcmdURL:   "https://steamcdn-a.akamaihd.net/client/installer/steamcmd_linux.tar.gz",
		DefaultUser:   "admin",
		DefaultPass:   "admin",
		WakeConfig:    "PRAC.c.cfg",
		Timeouts: Timeouts{
			Start:   30 * time.Second,
			Stop:    15 * time.Second,
			Kill:    5 * time.Second,
			Command: 10 * time.Second,
		},
		Patterns: cs2.DefaultPatterns(),
	}
}

// Load builds the configuration. path may be empty, then CS2I_CONFIG is consulted.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("file contains multiple documents or trailing content")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddr = envOr("CS2I_LISTEN", cfg.ListenAddr)
	cfg.DataDir = envOr("CS2I_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envOr("CS2I_LOG_LEVEL", cfg.LogLevel)
	cfg.DatabasePath = envOr("CS2I_DB", cfg.DatabasePath)
	cfg.ServerDir = envOr("CS2I_SERVER_DIR", cfg.ServerDir)
	cfg.SteamcmdDir = envOr("CS2I_STEAMCMD_DIR", cfg.SteamcmdDir)
	cfg.IPOrDomain = envOr("CS2I_IP_OR_DOMAIN", cfg.IPOrDomain)
	cfg.SteamUsername = envOr("CS2I_STEAM_USERNAME", cfg.SteamUsername)
	cfg.SteamPassword = envOr("CS2I_STEAM_PASSWORD", cfg.SteamPassword)
	cfg.LoginToken = envOr("CS2I_LOGIN_TOKEN", cfg.LoginToken)
	cfg.DefaultUser = envOr("CS2I_DEFAULT_USER", cfg.DefaultUser)
	cfg.DefaultPass = envOr("CS2I_DEFAULT_PASS", cfg.DefaultPass)
	cfg.WakeConfig = envOr("CS2I_WAKE_CONFIG", cfg.WakeConfig)

	if v := os.Getenv("CS2I_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("CS2I_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CS2I_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("CS2I_START_ON_STARTUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CS2I_START_ON_STARTUP: %w", err)
		}
		cfg.StartOnStartup = b
	}
	for key, dst := range map[string]*time.Duration{
		"CS2I_START_TIMEOUT":   &cfg.Timeouts.Start,
		"CS2I_STOP_TIMEOUT":    &cfg.Timeouts.Stop,
		"CS2I_KILL_TIMEOUT":    &cfg.Timeouts.Kill,
		"CS2I_COMMAND_TIMEOUT": &cfg.Timeouts.Command,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

func (c *Config) finish() error {
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(dataDir, "instance.db")
	}
	if c.ServerDir == "" {
		c.ServerDir = filepath.Join(dataDir, "server")
	}
	if c.SteamcmdDir == "" {
		c.SteamcmdDir = filepath.Join(dataDir, "steamcmd")
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(dataDir, "backups")
	}
	if c.EditedCfgDir == "" {
		c.EditedCfgDir = filepath.Join(dataDir, "edited-config")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	for name, d := range map[string]time.Duration{
		"start": c.Timeouts.Start, "stop": c.Timeouts.Stop,
		"kill": c.Timeouts.Kill, "command": c.Timeouts.Command,
	} {
		if d <= 0 {
			return fmt.Errorf("%s timeout must be positive", name)
		}
	}
	if strings.TrimSpace(c.SteamUsername) == "" {
		return fmt.Errorf("steam username must not be empty")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
