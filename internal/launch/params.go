// Package launch describes how the dedicated server binary is launched.
package launch

import (
	"fmt"
	"strconv"
	"strings"
)

// Parameters are chosen per start and kept for the lifetime of that process.
type Parameters struct {
	Hostname   string `json:"hostname" yaml:"hostname"`
	Password   string `json:"password,omitempty" yaml:"password"`
	MaxPlayers int    `json:"max_players" yaml:"max_players"`
	StartMap   string `json:"start_map" yaml:"start_map"`
	GameMode   int    `json:"game_mode" yaml:"game_mode"`
	GameType   int    `json:"game_type" yaml:"game_type"`
	LoginToken string `json:"login_token,omitempty" yaml:"login_token"`
	Additional string `json:"additional,omitempty" yaml:"additional"`
}

// Defaults returns the parameters used when a caller supplies none.
func Defaults() Parameters {
	return Parameters{
		Hostname:   "cs2 prac server",
		MaxPlayers: 10,
		StartMap:   "de_anubis",
		GameMode:   1,
	}
}

// WithDefaults fills zero fields from Defaults.
func (p Parameters) WithDefaults() Parameters {
	d := Defaults()
	if strings.TrimSpace(p.Hostname) == "" {
		p.Hostname = d.Hostname
	}
	if p.MaxPlayers <= 0 {
		p.MaxPlayers = d.MaxPlayers
	}
	if strings.TrimSpace(p.StartMap) == "" {
		p.StartMap = d.StartMap
	}
	return p
}

// Validate rejects values the binary cannot accept on its command line.
func (p Parameters) Validate() error {
	if p.MaxPlayers < 1 || p.MaxPlayers > 64 {
		return fmt.Errorf("max players must be between 1 and 64, got %d", p.MaxPlayers)
	}
	if strings.ContainsAny(p.StartMap, " \t\r\n") {
		return fmt.Errorf("invalid start map %q", p.StartMap)
	}
	if strings.ContainsAny(p.Hostname+p.Password+p.LoginToken, "\r\n") {
		return fmt.Errorf("parameters must not contain line breaks")
	}
	return nil
}

// Args builds the command line for the given game port. fallbackToken is used
// when the parameters carry no login token of their own.
func (p Parameters) Args(port int, fallbackToken string) []string {
	args := []string{
		"-dedicated",
		"-console",
		"-port", strconv.Itoa(port),
		"+hostname", p.Hostname,
	}
	if strings.TrimSpace(p.Password) != "" {
		args = append(args, "+sv_password", p.Password)
	}
	args = append(args,
		"-maxplayers", strconv.Itoa(p.MaxPlayers),
		"+map", p.StartMap,
		"+game_type", strconv.Itoa(p.GameType),
		"+game_mode", strconv.Itoa(p.GameMode),
	)
	token := strings.TrimSpace(p.LoginToken)
	if token == "" {
		token = strings.TrimSpace(fallbackToken)
	}
	if token != "" {
		args = append(args, "+sv_setsteamaccount", token)
	}
	if extra := strings.Fields(p.Additional); len(extra) > 0 {
		args = append(args, extra...)
	}
	return args
}
