package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reedfamily/cs2instance/internal/apperr"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/launch"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/metrics"
	"github.com/reedfamily/cs2instance/internal/procgroup"
	"github.com/reedfamily/cs2instance/internal/status"
)

var errExitedDuringStart = errors.New("server process exited before it reported started")

// Start spawns the server and blocks until it reports started, fails, or ctx ends.
// The process outlives ctx once Start returned successfully.
func (s *Supervisor) Start(ctx context.Context, params launch.Parameters) error {
	const op = "start"
	if err := s.tryTransition(op); err != nil {
		return err
	}
	defer s.releaseTransition()

	if err := startAllowed(s.state.State()); err != nil {
		return err
	}
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return &apperr.Error{Kind: apperr.KindPrecondition, Op: op, Message: "invalid start parameters", Err: err}
	}

	s.bus.Publish(events.New(events.StartingServer, nil))
	s.logger.Info().Str("map", params.StartMap).Msg("starting server")

	if err := s.opts.Prepare(); err != nil {
		s.failStart("prepare")
		return &apperr.Error{Kind: apperr.KindPrecondition, Op: op, Message: "failed to prepare server environment", Err: err}
	}

	p, err := s.spawn(params)
	if err != nil {
		s.failStart("spawn")
		return apperr.Spawn(op, err)
	}

	if err := s.awaitStarted(ctx, p); err != nil {
		s.failStart(string(apperr.KindOf(err)))
		s.kill(p)
		return err
	}

	metrics.ServerStartsTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str(log.FieldStartID, p.startID).
		Str("map", params.StartMap).
		Msg("server started")

	s.bus.Publish(events.New(events.StartingServerDone, events.StartingServerDonePayload{Params: params}))
	s.bus.Publish(events.New(events.MapChanged, events.MapChangedPayload{Map: params.StartMap}))
	// A fresh server without players hibernates right away.
	s.bus.Publish(events.New(events.HibernationStarted, nil))
	p.classify.Store(true)

	go s.keepAlive(p)
	return nil
}

func startAllowed(state status.LifecycleState) error {
	const op = "start"
	switch state {
	case status.Stopped:
		return nil
	case status.NotInstalled:
		return apperr.Precondition(op, "server is not installed")
	case status.Starting:
		return apperr.Precondition(op, "server is already starting")
	case status.Running:
		return apperr.Precondition(op, "server is already started")
	case status.Stopping:
		return apperr.Precondition(op, "server is stopping")
	case status.UpdatingOrInstalling:
		return apperr.Precondition(op, "server is updating or installing")
	default:
		return apperr.Precondition(op, fmt.Sprintf("server is in state %q", state))
	}
}

func (s *Supervisor) failStart(result string) {
	metrics.ServerStartsTotal.WithLabelValues(result).Inc()
	s.logger.Error().Str("result", result).Msg("server start failed")
	s.bus.Publish(events.New(events.StartingServerFailed, nil))
}

// awaitStarted waits for the loading marker, answers it with a say sentinel and waits
// for the sentinel to come back. Blank lines keep the binary flushing meanwhile.
func (s *Supervisor) awaitStarted(ctx context.Context, p *process) error {
	const op = "start"
	sentinel := s.opts.StartedSentinel

	var loadedSeen atomic.Bool
	loaded := make(chan struct{})
	started := make(chan struct{})
	var loadedOnce, startedOnce sync.Once

	l := p.listen(func(line string) {
		if strings.HasPrefix(line, s.opts.LoadingMarker) {
			loadedSeen.Store(true)
			loadedOnce.Do(func() { close(loaded) })
		}
		if loadedSeen.Load() && strings.HasSuffix(strings.TrimSpace(line), sentinel) {
			startedOnce.Do(func() { close(started) })
		}
	})
	defer l.close()

	deadline := time.NewTimer(s.opts.StartTimeout)
	defer deadline.Stop()
	flush := time.NewTicker(s.opts.FlushInterval)
	defer flush.Stop()

	waitLoaded := loaded
	for {
		select {
		case <-started:
			return nil
		case <-waitLoaded:
			waitLoaded = nil
			if err := p.writeLines("say " + sentinel); err != nil {
				return apperr.Unexpected(op, err)
			}
		case <-flush.C:
			_ = p.writeLines("")
		case <-p.exited:
			return apperr.Unexpected(op, errExitedDuringStart)
		case <-deadline.C:
			return apperr.Timeout(op, fmt.Sprintf("server did not report started within %s", s.opts.StartTimeout))
		case <-ctx.Done():
			return apperr.Cancelled(op)
		}
	}
}

// keepAlive writes blank lines so buffered output keeps flushing. It gives up after
// KeepAliveMaxFailures consecutive write errors.
func (s *Supervisor) keepAlive(p *process) {
	ticker := time.NewTicker(s.opts.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-p.exited:
			return
		case <-ticker.C:
			if err := p.writeLines(""); err != nil {
				failures++
				if failures >= s.opts.KeepAliveMaxFailures {
					s.logger.Warn().
						Err(err).
						Str(log.FieldStartID, p.startID).
						Int("failures", failures).
						Msg("keep-alive writer stopped")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// kill force-kills p and waits up to KillTimeout for exit handling to finish.
func (s *Supervisor) kill(p *process) bool {
	if err := procgroup.Kill(p.cmd); err != nil {
		s.logger.Error().Err(err).Str(log.FieldStartID, p.startID).Msg("failed to kill server process")
	}
	select {
	case <-p.done:
		return true
	case <-time.After(s.opts.KillTimeout):
		return false
	}
}
