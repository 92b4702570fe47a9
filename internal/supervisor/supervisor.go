// Package supervisor runs the dedicated server binary as a child process and speaks its
// line-based console protocol over stdin and the merged stdout/stderr stream.
package supervisor

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/apperr"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/game"
	"github.com/reedfamily/cs2instance/internal/launch"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/status"
)

// StateReader exposes the lifecycle state the supervisor guards against.
type StateReader interface {
	State() status.LifecycleState
}

// LogSink receives raw server output. Implementations must not block.
type LogSink interface {
	ServerStarted(params launch.Parameters) string
	ServerOutput(startID, line string)
}

type Options struct {
	Executable string
	WorkDir    string
	Port       int
	// LoginToken is used when a start request carries no token of its own.
	LoginToken string

	// Command overrides how the child is built. Defaults to Executable with params.Args.
	Command func(params launch.Parameters) *exec.Cmd
	// Prepare runs before every spawn. A failure aborts the start.
	Prepare func() error

	Classifier game.Adapter
	Sink       LogSink
	// SystemLog receives the supervisor's own log entries.
	SystemLog zerolog.Hook

	StartTimeout   time.Duration
	StopTimeout    time.Duration
	KillTimeout    time.Duration
	CommandTimeout time.Duration
	// FlushInterval paces blank lines written while waiting for start detection.
	FlushInterval time.Duration
	// KeepAliveInterval paces blank lines written while running.
	KeepAliveInterval    time.Duration
	KeepAliveMaxFailures int
	// DrainTimeout bounds how long output is drained after the process is reaped.
	DrainTimeout time.Duration

	LoadingMarker   string
	StartedSentinel string
	QuitCommand     string
}

func (o Options) withDefaults() Options {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 15 * time.Second
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 5 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 50 * time.Millisecond
	}
	if o.KeepAliveMaxFailures <= 0 {
		o.KeepAliveMaxFailures = 5
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = time.Second
	}
	if o.LoadingMarker == "" {
		o.LoadingMarker = "Host activate:"
	}
	if o.StartedSentinel == "" {
		o.StartedSentinel = "#####_SERVER_STARTED"
	}
	if o.QuitCommand == "" {
		if o.Classifier != nil {
			o.QuitCommand = o.Classifier.StopCommand()
		} else {
			o.QuitCommand = "quit"
		}
	}
	if o.Prepare == nil {
		o.Prepare = func() error { return nil }
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	if o.Command == nil {
		exe, dir, port, token := o.Executable, o.WorkDir, o.Port, o.LoginToken
		o.Command = func(params launch.Parameters) *exec.Cmd {
			cmd := exec.Command(exe, params.Args(port, token)...)
			cmd.Dir = dir
			return cmd
		}
	}
	return o
}

type nopSink struct{}

func (nopSink) ServerStarted(launch.Parameters) string { return uuid.NewString() }
func (nopSink) ServerOutput(string, string)            {}

// Supervisor owns at most one server process at a time.
type Supervisor struct {
	opts   Options
	bus    *events.Bus
	state  StateReader
	logger zerolog.Logger

	// transition is held by Start, Stop and Exclusive. Acquired without waiting.
	transition chan struct{}
	// command is held by ExecuteCommand. Acquired without waiting.
	command chan struct{}

	mu   sync.Mutex
	proc *process
}

func New(bus *events.Bus, state StateReader, opts Options) *Supervisor {
	logger := log.WithComponent("supervisor")
	if opts.SystemLog != nil {
		logger = logger.Hook(opts.SystemLog)
	}
	return &Supervisor{
		opts:       opts.withDefaults(),
		bus:        bus,
		state:      state,
		logger:     logger,
		transition: make(chan struct{}, 1),
		command:    make(chan struct{}, 1),
	}
}

func (s *Supervisor) tryTransition(op string) error {
	select {
	case s.transition <- struct{}{}:
		return nil
	default:
		return apperr.Precondition(op, "server is not ready, a start or stop is in progress")
	}
}

func (s *Supervisor) releaseTransition() { <-s.transition }

// Exclusive runs fn while no start or stop is in flight and blocks new ones until fn
// returns. Used by collaborators whose own lifecycle changes must not race a start.
func (s *Supervisor) Exclusive(op string, fn func() error) error {
	if err := s.tryTransition(op); err != nil {
		return err
	}
	defer s.releaseTransition()
	return fn()
}

func (s *Supervisor) current() *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Running reports whether a process handle is alive.
func (s *Supervisor) Running() bool {
	return s.current() != nil
}

// PID returns the process id of the running server, or 0.
func (s *Supervisor) PID() int {
	if p := s.current(); p != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Restart stops the server if it runs and starts it again with params.
func (s *Supervisor) Restart(ctx context.Context, params launch.Parameters) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx, params)
}
