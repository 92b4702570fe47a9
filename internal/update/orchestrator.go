// Package update runs steamcmd to install or update the dedicated server files.
package update

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/apperr"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/metrics"
	"github.com/reedfamily/cs2instance/internal/procgroup"
	"github.com/reedfamily/cs2instance/internal/status"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// DefaultArgs is the steamcmd invocation. Placeholders are replaced per run.
var DefaultArgs = []string{
	"+force_install_dir", "{server_dir}",
	"+login", "{username}", "{password}",
	"+app_update", "{app_id}", "validate",
	"+quit",
}

// Gate serialises runs with server starts and stops.
type Gate interface {
	Exclusive(op string, fn func() error) error
}

type StateReader interface {
	State() status.LifecycleState
}

// Installer provides the steamcmd tool.
type Installer interface {
	EnsureInstalled(ctx context.Context) error
	Script() string
}

// LogSink receives tool output. Implementations must not block.
type LogSink interface {
	UpdateStarted(id string)
	UpdateOutput(id, line string)
}

type Options struct {
	ServerDir string
	Username  string
	Password  string
	AppID     string
	// Args is the tool invocation template, see DefaultArgs.
	Args []string
	// SuccessMarker must appear on a line of its own for a run to succeed.
	SuccessMarker string

	Installer Installer
	Sink      LogSink
	// SystemLog receives the orchestrator's own log entries.
	SystemLog zerolog.Hook
	// Before runs ahead of the tool, e.g. to back up configuration.
	Before func(ctx context.Context) error
	// Command overrides how the tool process is built.
	Command func(script string, args []string) *exec.Cmd

	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.AppID == "" {
		o.AppID = "730"
	}
	if len(o.Args) == 0 {
		o.Args = DefaultArgs
	}
	if o.SuccessMarker == "" {
		o.SuccessMarker = fmt.Sprintf("Success! App '%s' fully installed.", o.AppID)
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	if o.Command == nil {
		o.Command = func(script string, args []string) *exec.Cmd {
			return exec.Command(script, args...)
		}
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	return o
}

type nopSink struct{}

func (nopSink) UpdateStarted(string)        {}
func (nopSink) UpdateOutput(string, string) {}

type run struct {
	id              string
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	done            chan struct{}
	outcome         Outcome
	err             error
}

// Orchestrator allows at most one update-or-install run at a time.
type Orchestrator struct {
	opts   Options
	bus    *events.Bus
	state  StateReader
	gate   Gate
	logger zerolog.Logger

	mu   sync.Mutex
	cur  *run
	last *run
}

func New(bus *events.Bus, state StateReader, gate Gate, opts Options) *Orchestrator {
	logger := log.WithComponent("update")
	if opts.SystemLog != nil {
		logger = logger.Hook(opts.SystemLog)
	}
	return &Orchestrator{
		opts:   opts.withDefaults(),
		bus:    bus,
		state:  state,
		gate:   gate,
		logger: logger,
	}
}

// Start begins a run in the background and returns its id. after runs once the tool
// succeeded; its failure fails the run.
func (o *Orchestrator) Start(ctx context.Context, after func(context.Context) error) (string, error) {
	const op = "update or install"

	o.mu.Lock()
	if o.cur != nil {
		o.mu.Unlock()
		return "", apperr.Busy(op, apperr.BusyUpdatingOrInstalling)
	}
	r := &run{id: uuid.NewString(), done: make(chan struct{})}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	o.cur = r
	o.mu.Unlock()

	claim := func() error {
		if err := updateAllowed(o.state.State()); err != nil {
			return err
		}
		o.opts.Sink.UpdateStarted(r.id)
		o.bus.Publish(events.New(events.UpdateOrInstallStarted, events.UpdateOrInstallPayload{ID: r.id}))
		return nil
	}
	var err error
	if o.gate != nil {
		err = o.gate.Exclusive(op, claim)
	} else {
		err = claim()
	}
	if err != nil {
		cancel()
		o.mu.Lock()
		o.cur = nil
		o.mu.Unlock()
		close(r.done)
		o.logger.Warn().Err(err).Msg("update or install refused")
		return "", err
	}

	o.logger.Info().Str(log.FieldUpdateID, r.id).Msg("update or install started")
	go o.execute(runCtx, r, after)
	return r.id, nil
}

func updateAllowed(state status.LifecycleState) error {
	const op = "update or install"
	switch state {
	case status.Stopped, status.NotInstalled:
		return nil
	case status.UpdatingOrInstalling:
		return apperr.Busy(op, apperr.BusyUpdatingOrInstalling)
	case status.Starting:
		return apperr.Precondition(op, "server is starting")
	case status.Running:
		return apperr.Precondition(op, "server is started")
	case status.Stopping:
		return apperr.Precondition(op, "server is stopping")
	default:
		return apperr.Precondition(op, fmt.Sprintf("server is in state %q", state))
	}
}

// Cancel requests cancellation of the run with the given id.
func (o *Orchestrator) Cancel(id string) error {
	const op = "cancel update or install"
	o.mu.Lock()
	r := o.cur
	o.mu.Unlock()

	if r == nil {
		return apperr.Precondition(op, "no update or install is running")
	}
	if r.id != id {
		return apperr.Precondition(op, fmt.Sprintf("ids dont match, requested %s, running %s", id, r.id))
	}
	r.cancelRequested.Store(true)
	r.cancel()
	o.logger.Info().Str(log.FieldUpdateID, id).Msg("update or install cancel requested")
	return nil
}

// Running returns the id of the active run.
func (o *Orchestrator) Running() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return "", false
	}
	return o.cur.id, true
}

// Wait blocks until the run with id ended and returns its outcome. Only the active
// and the most recent run can be waited for.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Outcome, error) {
	o.mu.Lock()
	var r *run
	switch {
	case o.cur != nil && o.cur.id == id:
		r = o.cur
	case o.last != nil && o.last.id == id:
		r = o.last
	}
	o.mu.Unlock()
	if r == nil {
		return "", apperr.Precondition("wait update or install", "unknown update or install id")
	}

	select {
	case <-r.done:
		return r.outcome, r.err
	case <-ctx.Done():
		return "", apperr.Cancelled("wait update or install")
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run, after func(context.Context) error) {
	logger := o.logger.With().Str(log.FieldUpdateID, r.id).Logger()

	err := o.perform(ctx, r, logger)
	if err == nil && after != nil {
		if hookErr := after(ctx); hookErr != nil {
			err = fmt.Errorf("after update hook: %w", hookErr)
		}
	}

	kind := events.UpdateOrInstallDone
	r.outcome = OutcomeDone
	switch {
	case r.cancelRequested.Load():
		kind = events.UpdateOrInstallCancelled
		r.outcome = OutcomeCancelled
		r.err = apperr.Cancelled("update or install")
		logger.Info().Msg("update or install cancelled")
	case err != nil:
		kind = events.UpdateOrInstallFailed
		r.outcome = OutcomeFailed
		r.err = apperr.Unexpected("update or install", err)
		logger.Error().Err(err).Msg("update or install failed")
	default:
		logger.Info().Msg("update or install done")
	}
	metrics.UpdateRunsTotal.WithLabelValues(string(r.outcome)).Inc()

	// Terminal event first so a follow-up run cannot publish its start ahead of it.
	o.bus.Publish(events.New(kind, events.UpdateOrInstallPayload{ID: r.id}))

	o.mu.Lock()
	o.cur = nil
	o.last = r
	o.mu.Unlock()
	r.cancel()
	close(r.done)
}

func (o *Orchestrator) perform(ctx context.Context, r *run, logger zerolog.Logger) error {
	if o.opts.Before != nil {
		if err := o.opts.Before(ctx); err != nil {
			return fmt.Errorf("prepare update: %w", err)
		}
	}

	script := ""
	if o.opts.Installer != nil {
		if err := o.opts.Installer.EnsureInstalled(ctx); err != nil {
			return fmt.Errorf("install steamcmd: %w", err)
		}
		script = o.opts.Installer.Script()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	args := o.expandArgs()
	cmd := o.opts.Command(script, args)
	procgroup.Set(cmd)

	out, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	logger.Info().Str("tool", cmd.Path).Strs("args", o.redact(args)).Msg("running steamcmd")
	if err := cmd.Start(); err != nil {
		out.Close()
		w.Close()
		return fmt.Errorf("start steamcmd: %w", err)
	}
	w.Close()

	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-ctx.Done():
			if err := procgroup.Kill(cmd); err != nil {
				logger.Warn().Err(err).Msg("failed to kill steamcmd")
			}
		case <-exited:
		}
	}()

	var succeeded atomic.Bool
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		o.pump(r.id, out, &succeeded, logger)
	}()

	waitErr := cmd.Wait()
	select {
	case <-pumped:
	case <-time.After(o.opts.DrainTimeout):
		out.Close()
		<-pumped
	}
	out.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("steamcmd failed with exit code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("steamcmd: %w", waitErr)
	}
	if !succeeded.Load() {
		return errors.New("steamcmd exited without reporting success")
	}
	return nil
}

func (o *Orchestrator) pump(id string, r io.Reader, succeeded *atomic.Bool, logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		logger.Debug().Msg(line)
		o.opts.Sink.UpdateOutput(id, line)
		if strings.TrimSpace(line) == o.opts.SuccessMarker {
			succeeded.Store(true)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn().Err(err).Msg("steamcmd output read failed")
		_, _ = io.Copy(io.Discard, r)
	}
}

func (o *Orchestrator) expandArgs() []string {
	replacer := strings.NewReplacer(
		"{server_dir}", o.opts.ServerDir,
		"{username}", o.opts.Username,
		"{password}", o.opts.Password,
		"{app_id}", o.opts.AppID,
	)
	args := make([]string, len(o.opts.Args))
	for i, a := range o.opts.Args {
		args[i] = replacer.Replace(a)
	}
	return args
}

func (o *Orchestrator) redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if o.opts.Password != "" && a == o.opts.Password {
			a = "***"
		}
		out[i] = a
	}
	return out
}
