// Package status projects the domain event stream into the instance's current status.
package status

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/launch"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/metrics"
)

// Snapshot is a consistent read of every status field.
type Snapshot struct {
	State                LifecycleState `json:"state"`
	Installed            bool           `json:"installed"`
	Hostname             string         `json:"hostname,omitempty"`
	Password             string         `json:"password,omitempty"`
	CurrentMap           string         `json:"current_map,omitempty"`
	PlayerCount          int            `json:"player_count"`
	MaxPlayers           int            `json:"max_players"`
	IPOrDomain           string         `json:"ip_or_domain"`
	Port                 int            `json:"port"`
	Starting             bool           `json:"starting"`
	Running              bool           `json:"running"`
	Stopping             bool           `json:"stopping"`
	Hibernating          bool           `json:"hibernating"`
	UpdatingOrInstalling bool           `json:"updating_or_installing"`
	CreatedAt            time.Time      `json:"created_at"`
}

type Options struct {
	// Installed reports whether the server files are present. Probed at construction
	// and after every update-or-install run.
	Installed  func() bool
	IPOrDomain string
	Port       int
}

// Aggregator owns the status fields. They change only through bus events.
type Aggregator struct {
	bus    *events.Bus
	opts   Options
	sub    *events.Subscription
	logger zerolog.Logger

	mu        sync.RWMutex
	cur       state
	listeners []chan Snapshot
}

type state struct {
	lifecycle   LifecycleState
	installed   bool
	params      *launch.Parameters
	currentMap  string
	playerCount int
	hibernating bool
}

// New subscribes the aggregator to every event on bus.
func New(bus *events.Bus, opts Options) *Aggregator {
	if opts.Installed == nil {
		opts.Installed = func() bool { return true }
	}
	installed := opts.Installed()
	a := &Aggregator{
		bus:    bus,
		opts:   opts,
		logger: log.WithComponent("status"),
		cur:    state{installed: installed, lifecycle: idle(installed)},
	}
	metrics.SetLifecycleState(string(a.cur.lifecycle), allStates)
	a.sub = bus.SubscribeAll(a.handle)
	return a
}

// Close detaches the aggregator from the bus and closes all listener channels.
func (a *Aggregator) Close() {
	a.sub.Close()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.listeners {
		close(ch)
	}
	a.listeners = nil
}

func (a *Aggregator) handle(e events.Event) error {
	var probed *bool
	switch e.Kind {
	case events.UpdateOrInstallDone, events.UpdateOrInstallCancelled, events.UpdateOrInstallFailed:
		v := a.opts.Installed()
		probed = &v
	}

	a.mu.Lock()
	prev := a.cur
	if probed != nil {
		a.cur.installed = *probed
	}
	a.cur = apply(a.cur, e)
	next := a.cur
	snap := a.snapshotLocked()
	for _, ch := range a.listeners {
		select {
		case ch <- snap:
		default:
			// Drop if listener is slow
		}
	}
	a.mu.Unlock()

	if prev.lifecycle != next.lifecycle {
		metrics.SetLifecycleState(string(next.lifecycle), allStates)
		a.logger.Debug().
			Str(log.FieldOldState, string(prev.lifecycle)).
			Str(log.FieldNewState, string(next.lifecycle)).
			Str(log.FieldEvent, string(e.Kind)).
			Msg("lifecycle state changed")
	}

	if prev.playerCount != next.playerCount {
		metrics.PlayersConnected.Set(float64(next.playerCount))
		a.bus.Publish(events.New(events.PlayerCountChanged, events.PlayerCountChangedPayload{Count: next.playerCount}))
	}
	return nil
}

func idle(installed bool) LifecycleState {
	if installed {
		return Stopped
	}
	return NotInstalled
}

// apply is the transition function. It must stay free of side effects.
func apply(s state, e events.Event) state {
	switch e.Kind {
	case events.StartingServer:
		s.lifecycle = Starting
	case events.StartingServerDone:
		s.lifecycle = Running
		if p, ok := e.Payload.(events.StartingServerDonePayload); ok {
			params := p.Params
			s.params = &params
			s.currentMap = params.StartMap
		}
	case events.StartingServerFailed:
		if s.lifecycle == Starting {
			s.lifecycle = idle(s.installed)
		}
	case events.StoppingServer:
		s.lifecycle = Stopping
	case events.ServerExited:
		s.lifecycle = idle(s.installed)
		s.params = nil
		s.currentMap = ""
		s.playerCount = 0
		s.hibernating = false
	case events.UpdateOrInstallStarted:
		s.lifecycle = UpdatingOrInstalling
	case events.UpdateOrInstallDone, events.UpdateOrInstallCancelled, events.UpdateOrInstallFailed:
		s.lifecycle = idle(s.installed)
	case events.HibernationStarted:
		s.hibernating = true
	case events.HibernationEnded:
		s.hibernating = false
	case events.MapChanged:
		if p, ok := e.Payload.(events.MapChangedPayload); ok {
			s.currentMap = p.Map
		}
	case events.PlayerConnected:
		s.playerCount++
	case events.PlayerDisconnected:
		if s.playerCount > 0 {
			s.playerCount--
		}
	}
	return s
}

// State returns the current lifecycle state.
func (a *Aggregator) State() LifecycleState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur.lifecycle
}

// Installed returns the last probed installed flag.
func (a *Aggregator) Installed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur.installed
}

// Snapshot returns every field read under one lock.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	s := a.cur
	snap := Snapshot{
		State:                s.lifecycle,
		Installed:            s.installed,
		CurrentMap:           s.currentMap,
		PlayerCount:          s.playerCount,
		IPOrDomain:           a.opts.IPOrDomain,
		Port:                 a.opts.Port,
		Starting:             s.lifecycle == Starting,
		Running:              s.lifecycle == Running,
		Stopping:             s.lifecycle == Stopping,
		Hibernating:          s.hibernating,
		UpdatingOrInstalling: s.lifecycle == UpdatingOrInstalling,
		CreatedAt:            time.Now().UTC(),
	}
	if s.params != nil {
		snap.Hostname = s.params.Hostname
		snap.Password = s.params.Password
		snap.MaxPlayers = s.params.MaxPlayers
	}
	return snap
}

// Subscribe returns a channel that receives a snapshot after every applied event.
// Snapshots are dropped while the channel is full.
func (a *Aggregator) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 1)
	a.mu.Lock()
	a.listeners = append(a.listeners, ch)
	a.mu.Unlock()
	return ch
}

func (a *Aggregator) Unsubscribe(ch chan Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, l := range a.listeners {
		if l == ch {
			a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}
