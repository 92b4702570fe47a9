// Package server assembles the instance: persistence, supervisor, update runs,
// schedules and the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reedfamily/cs2instance/internal/api"
	"github.com/reedfamily/cs2instance/internal/auth"
	"github.com/reedfamily/cs2instance/internal/backup"
	"github.com/reedfamily/cs2instance/internal/chatcmd"
	"github.com/reedfamily/cs2instance/internal/config"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/game/cs2"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/scheduler"
	"github.com/reedfamily/cs2instance/internal/serverfiles"
	"github.com/reedfamily/cs2instance/internal/status"
	"github.com/reedfamily/cs2instance/internal/steamcmd"
	"github.com/reedfamily/cs2instance/internal/store"
	"github.com/reedfamily/cs2instance/internal/supervisor"
	"github.com/reedfamily/cs2instance/internal/update"
)

const (
	shutdownTimeout    = 10 * time.Second
	sessionPurgePeriod = time.Hour
)

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus        *events.Bus
	status     *status.Aggregator
	sink       *store.Sink
	supervisor *supervisor.Supervisor
	updater    *update.Orchestrator
	chat       *chatcmd.Service
	auth       *auth.Service
	scheduler  *scheduler.Scheduler
	subs       []*events.Subscription
	router     chi.Router
	closeOnce  sync.Once
}

func New(cfg *config.Config, db *sql.DB) (*Server, error) {
	ctx := context.Background()
	logger := log.WithComponent("server")

	authSvc := auth.NewService(db, auth.DefaultSessionTTL)
	if err := authSvc.EnsureDefaultUser(ctx, cfg.DefaultUser, cfg.DefaultPass); err != nil {
		return nil, fmt.Errorf("ensure default user: %w", err)
	}

	classifier, err := cs2.New(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("output patterns: %w", err)
	}

	bus := events.NewBus()
	files := serverfiles.New(cfg.ServerDir, cfg.EditedCfgDir)
	agg := status.New(bus, status.Options{
		Installed:  files.Installed,
		IPOrDomain: cfg.IPOrDomain,
		Port:       cfg.Port,
	})

	sink := store.NewSink(db, 0)
	s := &Server{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		status: agg,
		sink:   sink,
		auth:   authSvc,
	}
	s.logger = logger.Hook(sink.SystemLogHook("server"))
	s.subs = append(s.subs, sink.Attach(bus), files.Watch(bus))

	installer := steamcmd.NewInstaller(cfg.SteamcmdDir)
	if cfg.SteamcmdURL != "" {
		installer.URL = cfg.SteamcmdURL
	}

	executable := files.Executable()
	s.supervisor = supervisor.New(bus, agg, supervisor.Options{
		Executable: executable,
		WorkDir:    filepath.Dir(executable),
		Port:       cfg.Port,
		LoginToken: cfg.LoginToken,
		Prepare: func() error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			return installer.LinkSteamclient(home)
		},
		Classifier:     classifier,
		Sink:           sink,
		SystemLog:      sink.SystemLogHook("supervisor"),
		StartTimeout:   cfg.Timeouts.Start,
		StopTimeout:    cfg.Timeouts.Stop,
		KillTimeout:    cfg.Timeouts.Kill,
		CommandTimeout: cfg.Timeouts.Command,
	})

	backups := backup.NewService(db, cfg.BackupDir, files.ConfigDir())
	s.updater = update.New(bus, agg, s.supervisor, update.Options{
		ServerDir: cfg.ServerDir,
		Username:  cfg.SteamUsername,
		Password:  cfg.SteamPassword,
		Args:      cfg.UpdateArgs,
		Installer: installer,
		Sink:      sink,
		SystemLog: sink.SystemLogHook("update"),
		Before:    backups.BeforeUpdate,
	})

	s.chat = chatcmd.NewService(db, s.supervisor)
	if err := s.chat.Load(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("load chat commands: %w", err)
	}
	s.subs = append(s.subs, s.chat.Attach(bus))
	if cfg.WakeConfig != "" {
		s.subs = append(s.subs, s.chat.ExecOnWake(bus, cfg.WakeConfig))
	}

	s.scheduler = scheduler.New(db, scheduler.Actions{
		Start: s.startSaved,
		Stop:  s.supervisor.Stop,
		Restart: func(ctx context.Context) error {
			params, err := sink.StartParameters(ctx)
			if err != nil {
				return err
			}
			return s.supervisor.Restart(ctx, params)
		},
		Update: s.runUpdate,
		Command: func(ctx context.Context, command string) error {
			_, err := s.supervisor.ExecuteCommand(ctx, command)
			return err
		},
		Backup: func(context.Context) error {
			_, err := backups.Create()
			return err
		},
	})

	s.router = api.NewRouter(api.Deps{
		DB:           db,
		Auth:         authSvc,
		Lifecycle:    s.supervisor,
		Bus:          bus,
		Status:       agg,
		History:      sink,
		Lines:        sink,
		Updater:      s.updater,
		Files:        files,
		ChatCommands: s.chat,
		Backups:      backups,
		CORSOrigins:  cfg.CORSOrigins,
		StaticDir:    "web/dist",
		Logger:       log.WithComponent("http"),
	})

	return s, nil
}

func (s *Server) Router() chi.Router {
	return s.router
}

// startSaved starts the server with the last saved parameters.
func (s *Server) startSaved(ctx context.Context) error {
	params, err := s.sink.StartParameters(ctx)
	if err != nil {
		return err
	}
	return s.supervisor.Start(ctx, params)
}

// runUpdate starts an update-or-install run and waits for its outcome.
func (s *Server) runUpdate(ctx context.Context) error {
	id, err := s.updater.Start(ctx, nil)
	if err != nil {
		return err
	}
	_, err = s.updater.Wait(ctx, id)
	return err
}

// Run serves HTTP on the configured address until ctx ends, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.scheduler.Start()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown")
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(sessionPurgePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := s.auth.PurgeExpired(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("purge expired sessions")
					continue
				}
				if n > 0 {
					s.logger.Debug().Int64("sessions", n).Msg("expired sessions purged")
				}
			}
		}
	})

	if s.cfg.StartOnStartup {
		g.Go(func() error {
			if err := s.startSaved(ctx); err != nil {
				s.logger.Error().Err(err).Msg("start on startup failed")
			}
			return nil
		})
	}

	err := g.Wait()
	s.Close()
	return err
}

// Close stops schedules, any update run and the server process, then flushes logs.
func (s *Server) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Server) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.updater != nil {
		if id, ok := s.updater.Running(); ok {
			if err := s.updater.Cancel(id); err == nil {
				_, _ = s.updater.Wait(ctx, id)
			}
		}
	}
	if s.supervisor != nil && s.supervisor.Running() {
		if err := s.supervisor.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("stop server on shutdown")
		}
	}
	if s.chat != nil {
		s.chat.Wait()
	}
	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = nil
	s.status.Close()
	s.sink.Close()
}
