// Package events defines the domain events emitted by the instance and the bus that
// delivers them.
package events

import (
	"encoding/json"
	"time"

	"github.com/reedfamily/cs2instance/internal/launch"
)

// Kind identifies a domain event.
type Kind string

const (
	StartingServer           Kind = "StartingServer"
	StartingServerDone       Kind = "StartingServerDone"
	StartingServerFailed     Kind = "StartingServerFailed"
	StoppingServer           Kind = "StoppingServer"
	ServerExited             Kind = "ServerExited"
	UpdateOrInstallStarted   Kind = "UpdateOrInstallStarted"
	UpdateOrInstallDone      Kind = "UpdateOrInstallDone"
	UpdateOrInstallCancelled Kind = "UpdateOrInstallCancelled"
	UpdateOrInstallFailed    Kind = "UpdateOrInstallFailed"
	HibernationStarted       Kind = "HibernationStarted"
	HibernationEnded         Kind = "HibernationEnded"
	MapChanged               Kind = "MapChanged"
	PlayerConnected          Kind = "PlayerConnected"
	PlayerDisconnected       Kind = "PlayerDisconnected"
	PlayerCountChanged       Kind = "PlayerCountChanged"
	ChatMessage              Kind = "ChatMessage"
)

var allKinds = []Kind{
	StartingServer, StartingServerDone, StartingServerFailed, StoppingServer, ServerExited,
	UpdateOrInstallStarted, UpdateOrInstallDone, UpdateOrInstallCancelled, UpdateOrInstallFailed,
	HibernationStarted, HibernationEnded, MapChanged,
	PlayerConnected, PlayerDisconnected, PlayerCountChanged, ChatMessage,
}

// Kinds lists every event kind.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is an immutable notification. Payload is one of the payload structs below or nil.
type Event struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"data,omitempty"`
}

// New stamps an event with the current UTC time.
func New(kind Kind, payload any) Event {
	return Event{Kind: kind, At: time.Now().UTC(), Payload: payload}
}

// DataJSON returns the payload encoded as JSON, "{}" when there is none.
func (e Event) DataJSON() string {
	if e.Payload == nil {
		return "{}"
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type StartingServerDonePayload struct {
	Params launch.Parameters `json:"params"`
}

type UpdateOrInstallPayload struct {
	ID string `json:"id"`
}

type MapChangedPayload struct {
	Map string `json:"map"`
}

type PlayerConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	SteamID      string `json:"steam_id"`
	IPPort       string `json:"ip_port"`
}

type PlayerDisconnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	SteamID      string `json:"steam_id"`
	IPPort       string `json:"ip_port"`
	ReasonCode   string `json:"reason_code"`
	Reason       string `json:"reason"`
}

type PlayerCountChangedPayload struct {
	Count int `json:"count"`
}

type ChatMessagePayload struct {
	Channel  string `json:"channel"`
	Player   string `json:"player"`
	SteamID3 string `json:"steam_id3"`
	Text     string `json:"text"`
}
