// Package store persists server output, update output and domain events to sqlite.
// Appends never block the caller: they are queued and written by one goroutine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/launch"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/metrics"
)

// timeLayout sorts lexically in the same order as time and reads back as DATETIME.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultQueueSize = 4096
	maxBatch         = 256
)

type table string

const (
	tableServerLogs table = "server_logs"
	tableEventLogs  table = "event_logs"
	tableUpdateLogs table = "update_or_install_logs"
	tableSystemLogs table = "system_logs"
)

type record struct {
	table table
	ref   string // start id, update id, event kind or component
	level string
	text  string
	at    time.Time
	flush chan struct{}
}

type Sink struct {
	db     *sql.DB
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan record
	done   chan struct{}

	linesMu     sync.RWMutex
	linesClosed bool
	streams     map[*lineStream]struct{}
}

func NewSink(db *sql.DB, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s := &Sink{
		db:      db,
		logger:  log.WithComponent("store"),
		queue:   make(chan record, queueSize),
		done:    make(chan struct{}),
		streams: make(map[*lineStream]struct{}),
	}
	go s.run()
	return s
}

// Close stops accepting records, writes what is queued and waits for the writer.
// Live line subscriptions are closed.
func (s *Sink) Close() {
	s.closeLines()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

// Flush blocks until everything queued before the call is written.
func (s *Sink) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- record{flush: ch}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) enqueue(r record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- r:
	default:
		metrics.SinkDropsTotal.WithLabelValues(string(r.table)).Inc()
		s.logger.Warn().Str("table", string(r.table)).Msg("write queue full, dropping record")
	}
}

func (s *Sink) run() {
	defer close(s.done)
	batch := make([]record, 0, maxBatch)
	for r := range s.queue {
		batch = append(batch[:0], r)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		s.write(batch)
	}
}

func (s *Sink) write(batch []record) {
	var flushes []chan struct{}
	defer func() {
		for _, ch := range flushes {
			close(ch)
		}
	}()

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error().Err(err).Int("records", len(batch)).Msg("begin write batch")
		for _, r := range batch {
			if r.flush != nil {
				flushes = append(flushes, r.flush)
			}
		}
		return
	}
	for _, r := range batch {
		if r.flush != nil {
			flushes = append(flushes, r.flush)
			continue
		}
		var err error
		at := r.at.UTC().Format(timeLayout)
		switch r.table {
		case tableServerLogs:
			_, err = tx.Exec(`INSERT INTO server_logs (start_id, message, created_at) VALUES (?, ?, ?)`, r.ref, r.text, at)
		case tableUpdateLogs:
			_, err = tx.Exec(`INSERT INTO update_or_install_logs (update_id, message, created_at) VALUES (?, ?, ?)`, r.ref, r.text, at)
		case tableEventLogs:
			_, err = tx.Exec(`INSERT INTO event_logs (kind, data, created_at) VALUES (?, ?, ?)`, r.ref, r.text, at)
		case tableSystemLogs:
			_, err = tx.Exec(`INSERT INTO system_logs (level, component, message, created_at) VALUES (?, ?, ?, ?)`, r.level, r.ref, r.text, at)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("table", string(r.table)).Msg("write record")
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Int("records", len(batch)).Msg("commit write batch")
	}
}

// ServerStarted records a server start and returns its id. It writes synchronously so
// the output lines that follow can reference it.
func (s *Sink) ServerStarted(params launch.Parameters) string {
	id := uuid.NewString()
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte("{}")
	}
	if _, err := s.db.Exec(
		`INSERT INTO server_starts (id, parameters, started_at) VALUES (?, ?, ?)`,
		id, string(data), time.Now().UTC().Format(timeLayout),
	); err != nil {
		s.logger.Error().Err(err).Str(log.FieldStartID, id).Msg("record server start")
	}
	return id
}

func (s *Sink) ServerOutput(startID, line string) {
	at := time.Now()
	s.enqueue(record{table: tableServerLogs, ref: startID, text: line, at: at})
	s.publishLine(Line{Source: SourceServer, Ref: startID, Message: line, At: at.UTC()})
}

func (s *Sink) UpdateStarted(id string) {
	if _, err := s.db.Exec(
		`INSERT INTO update_or_install_starts (id, started_at) VALUES (?, ?)`,
		id, time.Now().UTC().Format(timeLayout),
	); err != nil {
		s.logger.Error().Err(err).Str(log.FieldUpdateID, id).Msg("record update start")
	}
}

func (s *Sink) UpdateOutput(id, line string) {
	at := time.Now()
	s.enqueue(record{table: tableUpdateLogs, ref: id, text: line, at: at})
	s.publishLine(Line{Source: SourceUpdate, Ref: id, Message: line, At: at.UTC()})
}

// SystemLog records an instance milestone such as a start or a crash.
func (s *Sink) SystemLog(level zerolog.Level, component, message string) {
	at := time.Now()
	s.enqueue(record{table: tableSystemLogs, ref: component, level: level.String(), text: message, at: at})
	s.publishLine(Line{Source: SourceSystem, Ref: component, Level: level.String(), Message: message, At: at.UTC()})
}

// SystemLogHook copies info and higher messages of a component logger into the system log.
func (s *Sink) SystemLogHook(component string) zerolog.Hook {
	return systemLogHook{sink: s, component: component}
}

type systemLogHook struct {
	sink      *Sink
	component string
}

func (h systemLogHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.InfoLevel || level >= zerolog.NoLevel || msg == "" {
		return
	}
	h.sink.SystemLog(level, h.component, msg)
}

// Event queues e for the event log.
func (s *Sink) Event(e events.Event) error {
	s.enqueue(record{table: tableEventLogs, ref: string(e.Kind), text: e.DataJSON(), at: e.At})
	return nil
}

// Attach records every event published on bus.
func (s *Sink) Attach(bus *events.Bus) *events.Subscription {
	return bus.SubscribeAll(s.Event)
}

type ServerLog struct {
	ID        int64     `json:"id"`
	StartID   string    `json:"start_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type EventLog struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

type UpdateLog struct {
	ID        int64     `json:"id"`
	UpdateID  string    `json:"update_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type SystemLog struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type UpdateStart struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Sink) ServerLogsSince(ctx context.Context, since time.Time, limit int) ([]ServerLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_id, message, created_at FROM server_logs WHERE created_at >= ? ORDER BY id LIMIT ?`,
		since.UTC().Format(timeLayout), clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []ServerLog{}
	for rows.Next() {
		var l ServerLog
		if err := rows.Scan(&l.ID, &l.StartID, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// EventsSince returns logged events, optionally only those of kind.
func (s *Sink) EventsSince(ctx context.Context, since time.Time, kind string, limit int) ([]EventLog, error) {
	query := `SELECT id, kind, data, created_at FROM event_logs WHERE created_at >= ?`
	args := []any{since.UTC().Format(timeLayout)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []EventLog{}
	for rows.Next() {
		var l EventLog
		var data string
		if err := rows.Scan(&l.ID, &l.Kind, &data, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Data = json.RawMessage(data)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Sink) UpdateLogs(ctx context.Context, updateID string) ([]UpdateLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, update_id, message, created_at FROM update_or_install_logs WHERE update_id = ? ORDER BY id`,
		updateID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []UpdateLog{}
	for rows.Next() {
		var l UpdateLog
		if err := rows.Scan(&l.ID, &l.UpdateID, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Sink) UpdateStarts(ctx context.Context, limit int) ([]UpdateStart, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at FROM update_or_install_starts ORDER BY started_at DESC LIMIT ?`, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	starts := []UpdateStart{}
	for rows.Next() {
		var u UpdateStart
		if err := rows.Scan(&u.ID, &u.StartedAt); err != nil {
			return nil, err
		}
		starts = append(starts, u)
	}
	return starts, rows.Err()
}

// SystemLogsSince returns system log entries written at or after since.
func (s *Sink) SystemLogsSince(ctx context.Context, since time.Time, limit int) ([]SystemLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, component, message, created_at FROM system_logs WHERE created_at >= ? ORDER BY id LIMIT ?`,
		since.UTC().Format(timeLayout), clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []SystemLog{}
	for rows.Next() {
		var l SystemLog
		if err := rows.Scan(&l.ID, &l.Level, &l.Component, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 5000 {
		return 5000
	}
	return limit
}
