package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reedfamily/cs2instance/internal/apperr"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/metrics"
	"github.com/reedfamily/cs2instance/internal/status"
)

const (
	startPrefix = "START:"
	endPrefix   = "END:"
)

var errExitedDuringCommand = errors.New("server process exited while executing command")

// capture collects the lines printed between a start and an end sentinel.
type capture struct {
	start, end string

	mu        sync.Mutex
	capturing bool
	lines     []string
	done      chan struct{}
	doneOnce  sync.Once
}

func newCapture(id string) *capture {
	return &capture{
		start: startPrefix + id,
		end:   endPrefix + id,
		done:  make(chan struct{}),
	}
}

func (c *capture) feed(line string) {
	trimmed := strings.TrimSpace(line)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case trimmed == c.start:
		c.capturing = true
	case trimmed == c.end && c.capturing:
		c.capturing = false
		c.doneOnce.Do(func() { close(c.done) })
	case c.capturing:
		c.lines = append(c.lines, line)
	}
}

func (c *capture) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, l := range c.lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// ExecuteCommand runs one console command and returns what the server printed for it.
// Only one command runs at a time. On timeout the command is abandoned, the server keeps running.
func (s *Supervisor) ExecuteCommand(ctx context.Context, command string) (string, error) {
	const op = "execute command"
	started := time.Now()

	out, err := s.executeCommand(ctx, command)

	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	metrics.CommandsTotal.WithLabelValues(result).Inc()
	if err == nil {
		metrics.CommandDuration.Observe(time.Since(started).Seconds())
	} else {
		s.logger.Warn().Err(err).Str("command", command).Msg(op + " failed")
	}
	return out, err
}

func (s *Supervisor) executeCommand(ctx context.Context, command string) (string, error) {
	const op = "execute command"
	command = strings.TrimRight(command, "\r\n")
	if strings.TrimSpace(command) == "" {
		return "", apperr.Precondition(op, "command is empty")
	}
	if strings.ContainsAny(command, "\r\n") {
		return "", apperr.Precondition(op, "command must be a single line")
	}

	switch s.state.State() {
	case status.Running:
	case status.Stopping:
		return "", apperr.Busy(op, apperr.BusyStopping)
	case status.UpdatingOrInstalling:
		return "", apperr.Busy(op, apperr.BusyUpdatingOrInstalling)
	case status.Starting:
		return "", apperr.Busy(op, apperr.BusyStarting)
	default:
		return "", apperr.Precondition(op, "server is not started")
	}

	select {
	case s.command <- struct{}{}:
	default:
		return "", apperr.Busy(op, apperr.BusyExecutingCommand)
	}
	defer func() { <-s.command }()

	p := s.current()
	if p == nil {
		return "", apperr.Precondition(op, "server is not started")
	}

	id := uuid.NewString()
	c := newCapture(id)
	l := p.listen(c.feed)
	defer l.close()

	s.logger.Debug().Str(log.FieldCommandID, id).Str("command", command).Msg("executing command")
	if err := p.writeLines("echo "+c.start, command, "echo "+c.end); err != nil {
		return "", apperr.Unexpected(op, err)
	}

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.output(), nil
	case <-p.exited:
		return "", apperr.Unexpected(op, errExitedDuringCommand)
	case <-timer.C:
		return "", apperr.Timeout(op, fmt.Sprintf("no response within %s", s.opts.CommandTimeout))
	case <-ctx.Done():
		return "", apperr.Cancelled(op)
	}
}
