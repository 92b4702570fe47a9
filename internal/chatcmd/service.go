// Package chatcmd maps chat messages typed in game to console commands.
package chatcmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/log"
)

var (
	ErrNotFound = errors.New("chat command not found")
	ErrExists   = errors.New("chat command already exists")
	ErrInvalid  = errors.New("invalid chat command")
)

// Executor runs a console command on the server.
type Executor interface {
	ExecuteCommand(ctx context.Context, command string) (string, error)
}

type ChatCommand struct {
	ChatMessage string `json:"chat_message"`
	Command     string `json:"command"`
	CreatedAt   string `json:"created_at"`
}

// Service keeps chat commands in sqlite and an in-memory copy for lookups from the bus.
type Service struct {
	db       *sql.DB
	executor Executor
	timeout  time.Duration
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string

	wg sync.WaitGroup
}

func NewService(db *sql.DB, executor Executor) *Service {
	return &Service{
		db:       db,
		executor: executor,
		timeout:  15 * time.Second,
		logger:   log.WithComponent("chatcmd"),
		cache:    map[string]string{},
	}
}

// Normalize is how chat messages are compared.
func Normalize(message string) string {
	return strings.ToLower(strings.TrimSpace(message))
}

// Load fills the cache from the database.
func (s *Service) Load(ctx context.Context) error {
	list, err := s.List(ctx)
	if err != nil {
		return err
	}
	cache := make(map[string]string, len(list))
	for _, c := range list {
		cache[c.ChatMessage] = c.Command
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

func (s *Service) List(ctx context.Context) ([]ChatCommand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_message, command, created_at FROM chat_commands ORDER BY chat_message`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []ChatCommand{}
	for rows.Next() {
		var c ChatCommand
		if err := rows.Scan(&c.ChatMessage, &c.Command, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// Add stores a new mapping. Chat messages are unique after normalisation.
func (s *Service) Add(ctx context.Context, chatMessage, command string) (ChatCommand, error) {
	key := Normalize(chatMessage)
	command = strings.TrimSpace(command)
	if key == "" || command == "" {
		return ChatCommand{}, fmt.Errorf("%w: chat message and command are required", ErrInvalid)
	}
	if strings.ContainsAny(command, "\r\n") {
		return ChatCommand{}, fmt.Errorf("%w: command must be a single line", ErrInvalid)
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_commands WHERE chat_message = ?`, key).Scan(&exists); err != nil {
		return ChatCommand{}, err
	}
	if exists > 0 {
		return ChatCommand{}, ErrExists
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_commands (chat_message, command) VALUES (?, ?)`, key, command); err != nil {
		return ChatCommand{}, fmt.Errorf("insert chat command: %w", err)
	}

	var c ChatCommand
	if err := s.db.QueryRowContext(ctx,
		`SELECT chat_message, command, created_at FROM chat_commands WHERE chat_message = ?`, key,
	).Scan(&c.ChatMessage, &c.Command, &c.CreatedAt); err != nil {
		return ChatCommand{}, err
	}

	s.mu.Lock()
	s.cache[key] = command
	s.mu.Unlock()
	return c, nil
}

func (s *Service) Delete(ctx context.Context, chatMessage string) error {
	key := Normalize(chatMessage)
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_commands WHERE chat_message = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

func (s *Service) lookup(message string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.cache[Normalize(message)]
	return cmd, ok
}

// Attach listens for chat messages on bus. Matching commands run off the bus goroutine.
func (s *Service) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(events.ChatMessage, func(e events.Event) error {
		p, ok := e.Payload.(events.ChatMessagePayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		command, ok := s.lookup(p.Text)
		if !ok {
			return nil
		}
		s.run(command, func(logger zerolog.Logger) zerolog.Logger {
			return logger.With().Str("chat_message", Normalize(p.Text)).Str("player", p.Player).Logger()
		})
		return nil
	})
}

// ExecOnWake runs "exec <config>" every time the server leaves hibernation.
func (s *Service) ExecOnWake(bus *events.Bus, config string) *events.Subscription {
	return bus.Subscribe(events.HibernationEnded, func(events.Event) error {
		s.run("exec "+config, func(logger zerolog.Logger) zerolog.Logger {
			return logger.With().Str("config", config).Logger()
		})
		return nil
	})
}

func (s *Service) run(command string, annotate func(zerolog.Logger) zerolog.Logger) {
	logger := annotate(s.logger.With().Str("command", command).Logger())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.executor.ExecuteCommand(ctx, command); err != nil {
			logger.Error().Err(err).Msg("chat command failed")
			return
		}
		logger.Info().Msg("chat command executed")
	}()
}

// Wait blocks until all triggered commands finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
