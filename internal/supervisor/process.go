package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/launch"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/metrics"
	"github.com/reedfamily/cs2instance/internal/procgroup"
)

const maxLineBytes = 1 << 20

var errStdinClosed = errors.New("server stdin is closed")

// process is the handle of one spawned server.
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	startID string

	writeMu sync.Mutex

	listenMu  sync.Mutex
	listeners map[*listener]struct{}

	// classify gates the output classifier; it is enabled once start detection passes.
	classify atomic.Bool
	stopping atomic.Bool

	// exited is closed when the OS reaped the process, done once exit handling finished.
	exited     chan struct{}
	done       chan struct{}
	finishOnce sync.Once
	waitErr    error
}

// listener is a short-lived subscription to raw output lines. The callback runs on
// the pump goroutine and must not block.
type listener struct {
	p  *process
	fn func(line string)
}

func (p *process) listen(fn func(line string)) *listener {
	l := &listener{p: p, fn: fn}
	p.listenMu.Lock()
	p.listeners[l] = struct{}{}
	p.listenMu.Unlock()
	return l
}

func (l *listener) close() {
	l.p.listenMu.Lock()
	delete(l.p.listeners, l)
	l.p.listenMu.Unlock()
}

func (p *process) listenerCount() int {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	return len(p.listeners)
}

// writeLines writes all lines in one locked section so nothing interleaves with them.
func (p *process) writeLines(lines ...string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.exited:
		return errStdinClosed
	default:
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	_, err := io.WriteString(p.stdin, b.String())
	return err
}

func (s *Supervisor) spawn(params launch.Parameters) (*process, error) {
	cmd := s.opts.Command(params)
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout and stderr share one pipe so the pump sees a single ordered stream.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	w.Close()

	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		startID:   s.opts.Sink.ServerStarted(params),
		listeners: make(map[*listener]struct{}),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	s.logger.Info().
		Int(log.FieldPID, cmd.Process.Pid).
		Str(log.FieldStartID, p.startID).
		Strs("args", cmd.Args[1:]).
		Msg("server process spawned")

	pumped := make(chan struct{})
	go s.pump(p, r, pumped)
	go s.watch(p, r, pumped)
	return p, nil
}

// pump reads the merged output until EOF and fans every line out in order.
func (s *Supervisor) pump(p *process, r io.Reader, pumped chan<- struct{}) {
	defer close(pumped)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.handleLine(p, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn().Err(err).Str(log.FieldStartID, p.startID).Msg("server output read failed")
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) handleLine(p *process, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().
				Str(log.FieldStartID, p.startID).
				Str(log.FieldLine, line).
				Str("panic", fmt.Sprint(rec)).
				Msg("server output handling panicked")
		}
	}()

	s.logger.Debug().Str(log.FieldStartID, p.startID).Msg(line)
	s.opts.Sink.ServerOutput(p.startID, line)

	p.listenMu.Lock()
	ls := make([]*listener, 0, len(p.listeners))
	for l := range p.listeners {
		ls = append(ls, l)
	}
	p.listenMu.Unlock()
	for _, l := range ls {
		l.fn(line)
	}

	if p.classify.Load() && s.opts.Classifier != nil {
		if e, ok := s.opts.Classifier.Classify(line); ok {
			s.bus.Publish(e)
		}
	}
}

// watch is the source of truth for process exit.
func (s *Supervisor) watch(p *process, r *os.File, pumped <-chan struct{}) {
	p.waitErr = p.cmd.Wait()
	close(p.exited)

	// Grandchildren may keep the write end open; stop waiting for EOF after a while.
	select {
	case <-pumped:
	case <-time.After(s.opts.DrainTimeout):
		r.Close()
		<-pumped
	}
	r.Close()

	s.finish(p)
}

// finish runs exit handling exactly once per process.
func (s *Supervisor) finish(p *process) {
	p.finishOnce.Do(func() {
		p.classify.Store(false)

		s.mu.Lock()
		if s.proc == p {
			s.proc = nil
		}
		s.mu.Unlock()

		cause := "crashed"
		ev := s.logger.Warn()
		if p.stopping.Load() {
			cause = "stopped"
			ev = s.logger.Info()
		}
		metrics.ServerExitsTotal.WithLabelValues(cause).Inc()
		ev.Err(p.waitErr).
			Str(log.FieldStartID, p.startID).
			Str("cause", cause).
			Msg("server " + cause)

		s.bus.Publish(events.New(events.ServerExited, nil))
		close(p.done)
	})
}
