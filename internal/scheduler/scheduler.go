// Package scheduler runs lifecycle actions on cron schedules stored in sqlite.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/log"
)

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionUpdate  Action = "update"
	ActionCommand Action = "command"
	ActionBackup  Action = "backup"
)

var allActions = []Action{ActionStart, ActionStop, ActionRestart, ActionUpdate, ActionCommand, ActionBackup}

// ValidateAction checks action and the payload it needs.
func ValidateAction(action, payload string) error {
	for _, a := range allActions {
		if Action(action) != a {
			continue
		}
		if a == ActionCommand && payload == "" {
			return fmt.Errorf("action %q needs a command payload", action)
		}
		return nil
	}
	return fmt.Errorf("action must be one of: start, stop, restart, update, command, backup")
}

type Schedule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CronExpr  string `json:"cron_expr"`
	Action    string `json:"action"`
	Payload   string `json:"payload,omitempty"`
	Enabled   bool   `json:"enabled"`
	LastRun   string `json:"last_run"`
	NextRun   string `json:"next_run,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Actions are the operations a schedule can trigger. Nil entries make the action fail.
type Actions struct {
	Start   func(ctx context.Context) error
	Stop    func(ctx context.Context) error
	Restart func(ctx context.Context) error
	Update  func(ctx context.Context) error
	Command func(ctx context.Context, command string) error
	Backup  func(ctx context.Context) error
}

type Scheduler struct {
	db      *sql.DB
	actions Actions
	logger  zerolog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(db *sql.DB, actions Actions) *Scheduler {
	return &Scheduler{
		db:      db,
		actions: actions,
		logger:  log.WithComponent("scheduler"),
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			// Check every minute, aligned to the minute
			now := time.Now()
			nextMinute := now.Truncate(time.Minute).Add(time.Minute)

			timer := time.NewTimer(time.Until(nextMinute))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case tick := <-timer.C:
				s.RunDue(ctx, tick)
			}
		}
	}()

	s.logger.Info().Msg("scheduler started")
}

// Stop cancels the running action, if any, and waits for the loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunDue runs every enabled schedule matching now, one after another.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cron_expr, action, payload FROM schedules WHERE enabled = 1 ORDER BY created_at, id`,
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("query schedules")
		return
	}

	type job struct {
		id       string
		cronExpr string
		action   string
		payload  string
	}

	var jobs []job
	for rows.Next() {
		var j job
		if err := rows.Scan(&j.id, &j.cronExpr, &j.action, &j.payload); err != nil {
			s.logger.Warn().Err(err).Msg("scan schedule")
			continue
		}
		jobs = append(jobs, j)
	}
	rows.Close()

	for _, j := range jobs {
		logger := s.logger.With().Str(log.FieldSchedule, j.id).Str("action", j.action).Logger()

		cron, err := ParseCron(j.cronExpr)
		if err != nil {
			logger.Warn().Err(err).Str("cron", j.cronExpr).Msg("invalid cron expression")
			continue
		}
		if !cron.Matches(now) {
			continue
		}

		logger.Info().Msg("running scheduled action")
		if err := s.execute(ctx, Action(j.action), j.payload); err != nil {
			logger.Error().Err(err).Msg("scheduled action failed")
		}

		if _, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run = ? WHERE id = ?`,
			now.UTC().Format(time.RFC3339), j.id); err != nil {
			logger.Warn().Err(err).Msg("update last run")
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, action Action, payload string) error {
	run := func(fn func(context.Context) error) error {
		if fn == nil {
			return fmt.Errorf("action %q is not available", action)
		}
		return fn(ctx)
	}

	switch action {
	case ActionStart:
		return run(s.actions.Start)
	case ActionStop:
		return run(s.actions.Stop)
	case ActionRestart:
		return run(s.actions.Restart)
	case ActionUpdate:
		return run(s.actions.Update)
	case ActionBackup:
		return run(s.actions.Backup)
	case ActionCommand:
		if s.actions.Command == nil {
			return fmt.Errorf("action %q is not available", action)
		}
		return s.actions.Command(ctx, payload)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}
