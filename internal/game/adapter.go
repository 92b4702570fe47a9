package game

import "github.com/reedfamily/cs2instance/internal/events"

// Adapter provides game-specific behavior for a supervised server binary.
type Adapter interface {
	// Game returns the game identifier (e.g., "cs2")
	Game() string

	// Classify turns one raw output line into a domain event, if it matches a known signature
	Classify(line string) (events.Event, bool)

	// StopCommand returns the graceful stop command for the server
	StopCommand() string
}

// Matcher is a single pure line signature. Matchers share no state.
type Matcher func(line string) (events.Event, bool)
