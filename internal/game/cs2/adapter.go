// Package cs2 classifies Counter-Strike 2 dedicated server output.
package cs2

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/game"
	"github.com/reedfamily/cs2instance/internal/log"
)

const Name = "cs2"

// Patterns are the line signatures the adapter recognises. They change between
// binary versions, so they are overridable from configuration.
type Patterns struct {
	HibernationStarted string   `yaml:"hibernation_started"`
	HibernationEnded   string   `yaml:"hibernation_ended"`
	MapChanged         string   `yaml:"map_changed"`
	PlayerConnected    string   `yaml:"player_connected"`
	PlayerDisconnected []string `yaml:"player_disconnected"`
	ChatMessage        string   `yaml:"chat_message"`
	ChatLogMessage     string   `yaml:"chat_log_message"`
}

const ipPort = `((?:\d{1,3}[.|:]){4}(?:\d{0,5}))`

// DefaultPatterns returns the signatures of the current binary.
func DefaultPatterns() Patterns {
	return Patterns{
		HibernationStarted: "Server is hibernating",
		HibernationEnded:   "Server waking up from hibernation",
		MapChanged:         `Host activate: Changelevel \((.+)\)`,
		PlayerConnected:    `Accepting Steam Net connection #(\d+) UDP steamid:(\d+)@` + ipPort,
		PlayerDisconnected: []string{
			`\[#(\d+) UDP steamid:(\d+)@` + ipPort + `\] closed by (?:app|peer)(?:, entering linger state)? \((\d+)\):? (.+)`,
			`Steam Net connection #(\d+) UDP steamid:(\d+)@` + ipPort + ` closed by (?:app|peer), reason (\d+): (.+)`,
		},
		ChatMessage:    `\[(.*?)\]\[(.*?)\s\((\d+?)\)\]:\s(.+)`,
		ChatLogMessage: `"(.+)<(\d+)><\[(.+)\]><(.+)>" (say_team|say) "(.+)"`,
	}
}

// Adapter implements game.Adapter for cs2.
type Adapter struct {
	matchers []game.Matcher
	logger   zerolog.Logger
}

// New compiles p. Empty regex patterns disable the corresponding matcher.
func New(p Patterns) (*Adapter, error) {
	a := &Adapter{logger: log.WithComponent("classifier")}

	a.matchers = append(a.matchers, hibernation(p.HibernationStarted, p.HibernationEnded))

	if p.MapChanged != "" {
		re, err := compile("map_changed", p.MapChanged)
		if err != nil {
			return nil, err
		}
		a.matchers = append(a.matchers, mapChanged(re))
	}
	if p.PlayerConnected != "" {
		re, err := compile("player_connected", p.PlayerConnected)
		if err != nil {
			return nil, err
		}
		a.matchers = append(a.matchers, playerConnected(re))
	}
	for i, expr := range p.PlayerDisconnected {
		re, err := compile(fmt.Sprintf("player_disconnected[%d]", i), expr)
		if err != nil {
			return nil, err
		}
		a.matchers = append(a.matchers, playerDisconnected(re))
	}
	if p.ChatMessage != "" {
		re, err := compile("chat_message", p.ChatMessage)
		if err != nil {
			return nil, err
		}
		a.matchers = append(a.matchers, chatMessage(re))
	}
	if p.ChatLogMessage != "" {
		re, err := compile("chat_log_message", p.ChatLogMessage)
		if err != nil {
			return nil, err
		}
		a.matchers = append(a.matchers, chatLogMessage(re))
	}
	return a, nil
}

// MustNew is New for patterns known to be valid.
func MustNew(p Patterns) *Adapter {
	a, err := New(p)
	if err != nil {
		panic(err)
	}
	return a
}

func compile(name, expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", name, err)
	}
	return re, nil
}

func (a *Adapter) Game() string        { return Name }
func (a *Adapter) StopCommand() string { return "quit" }

// Classify returns the first matching event. A matcher that panics counts as no match.
func (a *Adapter) Classify(line string) (events.Event, bool) {
	for i, m := range a.matchers {
		if e, ok := a.try(i, m, line); ok {
			return e, true
		}
	}
	return events.Event{}, false
}

func (a *Adapter) try(i int, m game.Matcher, line string) (e events.Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Int("matcher", i).
				Str(log.FieldLine, line).
				Str("panic", fmt.Sprint(r)).
				Msg("output matcher panicked")
			e, ok = events.Event{}, false
		}
	}()
	return m(line)
}

func hibernation(started, ended string) game.Matcher {
	return func(line string) (events.Event, bool) {
		switch strings.TrimSpace(line) {
		case "":
			return events.Event{}, false
		case started:
			return events.New(events.HibernationStarted, nil), true
		case ended:
			return events.New(events.HibernationEnded, nil), true
		}
		return events.Event{}, false
	}
}

func mapChanged(re *regexp.Regexp) game.Matcher {
	return func(line string) (events.Event, bool) {
		m := re.FindStringSubmatch(line)
		if len(m) != 2 {
			return events.Event{}, false
		}
		name := strings.TrimSpace(m[1])
		if name == "" {
			return events.Event{}, false
		}
		return events.New(events.MapChanged, events.MapChangedPayload{Map: name}), true
	}
}

func playerConnected(re *regexp.Regexp) game.Matcher {
	return func(line string) (events.Event, bool) {
		m := re.FindStringSubmatch(line)
		if len(m) != 4 {
			return events.Event{}, false
		}
		return events.New(events.PlayerConnected, events.PlayerConnectedPayload{
			ConnectionID: m[1],
			SteamID:      m[2],
			IPPort:       m[3],
		}), true
	}
}

func playerDisconnected(re *regexp.Regexp) game.Matcher {
	return func(line string) (events.Event, bool) {
		m := re.FindStringSubmatch(line)
		if len(m) != 6 {
			return events.Event{}, false
		}
		return events.New(events.PlayerDisconnected, events.PlayerDisconnectedPayload{
			ConnectionID: m[1],
			SteamID:      m[2],
			IPPort:       m[3],
			ReasonCode:   m[4],
			Reason:       strings.TrimSpace(m[5]),
		}), true
	}
}

func chatMessage(re *regexp.Regexp) game.Matcher {
	return func(line string) (events.Event, bool) {
		if !strings.HasPrefix(line, "[") {
			return events.Event{}, false
		}
		m := re.FindStringSubmatch(line)
		if len(m) != 5 {
			return events.Event{}, false
		}
		return events.New(events.ChatMessage, events.ChatMessagePayload{
			Channel:  m[1],
			Player:   m[2],
			SteamID3: m[3],
			Text:     m[4],
		}), true
	}
}

// chatLogMessage handles the "+log on" form:
// L 01/08/2024 - 19:31:36: "PhiS<2><[U:1:84675937]><CT>" say "gg"
func chatLogMessage(re *regexp.Regexp) game.Matcher {
	return func(line string) (events.Event, bool) {
		if !strings.HasPrefix(line, "L ") {
			return events.Event{}, false
		}
		m := re.FindStringSubmatch(line)
		if len(m) != 7 {
			return events.Event{}, false
		}
		channel := "All Chat"
		if m[5] == "say_team" {
			channel = "Team Chat"
		}
		return events.New(events.ChatMessage, events.ChatMessagePayload{
			Channel:  channel,
			Player:   m[1],
			SteamID3: m[3],
			Text:     m[6],
		}), true
	}
}
