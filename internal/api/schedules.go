package api

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reedfamily/cs2instance/internal/scheduler"
)

const scheduleColumns = `id, name, cron_expr, action, payload, enabled, COALESCE(last_run, ''), created_at`

type ScheduleHandler struct {
	db  *sql.DB
	now func() time.Time
}

func NewScheduleHandler(db *sql.DB) *ScheduleHandler {
	return &ScheduleHandler{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (h *ScheduleHandler) scan(row rowScanner) (scheduler.Schedule, error) {
	var s scheduler.Schedule
	var enabled int
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.Action, &s.Payload, &enabled, &s.LastRun, &s.CreatedAt); err != nil {
		return s, err
	}
	s.Enabled = enabled == 1
	if cron, err := scheduler.ParseCron(s.CronExpr); err == nil && s.Enabled {
		if next := cron.Next(h.now()); !next.IsZero() {
			s.NextRun = next.UTC().Format(time.RFC3339)
		}
	}
	return s, nil
}

func (h *ScheduleHandler) get(r *http.Request, id string) (scheduler.Schedule, error) {
	return h.scan(h.db.QueryRowContext(r.Context(), `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
}

// List returns all schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at DESC, id`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	defer rows.Close()

	schedules := []scheduler.Schedule{}
	for rows.Next() {
		s, err := h.scan(rows)
		if err != nil {
			continue
		}
		schedules = append(schedules, s)
	}

	writeJSON(w, http.StatusOK, schedules)
}

// Create adds a new schedule.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		CronExpr string `json:"cron_expr"`
		Action   string `json:"action"`
		Payload  string `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" || req.CronExpr == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "name, cron_expr, and action required")
		return
	}
	if _, err := scheduler.ParseCron(req.CronExpr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}
	if err := scheduler.ValidateAction(req.Action, req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.New().String()[:8]

	_, err := h.db.ExecContext(r.Context(),
		`INSERT INTO schedules (id, name, cron_expr, action, payload) VALUES (?, ?, ?, ?, ?)`,
		id, req.Name, req.CronExpr, req.Action, req.Payload,
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	s, err := h.get(r, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read schedule")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// Update modifies an existing schedule. Omitted fields keep their value.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleId")

	var req struct {
		Name     *string `json:"name"`
		CronExpr *string `json:"cron_expr"`
		Action   *string `json:"action"`
		Payload  *string `json:"payload"`
		Enabled  *bool   `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.get(r, scheduleID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read schedule")
		return
	}

	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.CronExpr != nil {
		if _, err := scheduler.ParseCron(*req.CronExpr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
		s.CronExpr = *req.CronExpr
	}
	if req.Action != nil {
		s.Action = *req.Action
	}
	if req.Payload != nil {
		s.Payload = *req.Payload
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if err := scheduler.ValidateAction(s.Action, s.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enabled := 0
	if s.Enabled {
		enabled = 1
	}
	if _, err := h.db.ExecContext(r.Context(),
		`UPDATE schedules SET name = ?, cron_expr = ?, action = ?, payload = ?, enabled = ? WHERE id = ?`,
		s.Name, s.CronExpr, s.Action, s.Payload, enabled, scheduleID,
	); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	s, err = h.get(r, scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read schedule")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Delete removes a schedule.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleId")

	result, err := h.db.ExecContext(r.Context(), "DELETE FROM schedules WHERE id = ?", scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "schedule deleted"})
}
