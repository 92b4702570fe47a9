package supervisor

import (
	"context"
	"time"

	"github.com/reedfamily/cs2instance/internal/apperr"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/log"
)

// Stop asks the server to quit and kills it when it does not exit in time.
// Stopping an already stopped server is a no-op. Cancelling ctx skips straight to the kill.
func (s *Supervisor) Stop(ctx context.Context) error {
	const op = "stop"
	if err := s.tryTransition(op); err != nil {
		return err
	}
	defer s.releaseTransition()

	p := s.current()
	if p == nil {
		return nil
	}

	p.stopping.Store(true)
	s.bus.Publish(events.New(events.StoppingServer, nil))
	s.logger.Info().Str(log.FieldStartID, p.startID).Msg("stopping server")

	if err := p.writeLines(s.opts.QuitCommand); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldStartID, p.startID).Msg("failed to send quit command")
	} else {
		timer := time.NewTimer(s.opts.StopTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
			s.logger.Warn().
				Str(log.FieldStartID, p.startID).
				Dur("timeout", s.opts.StopTimeout).
				Msg("server did not quit in time, killing it")
		case <-ctx.Done():
			s.logger.Warn().Str(log.FieldStartID, p.startID).Msg("stop cancelled, killing server")
		}
	}

	if s.kill(p) {
		return nil
	}
	return apperr.Timeout(op, "failed to stop server")
}
