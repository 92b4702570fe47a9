package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/store"
)

// Updater runs update-or-install runs in the background.
type Updater interface {
	Start(ctx context.Context, after func(context.Context) error) (string, error)
	Cancel(id string) error
	Running() (string, bool)
}

// UpdateHistory reads the output of past runs.
type UpdateHistory interface {
	UpdateStarts(ctx context.Context, limit int) ([]store.UpdateStart, error)
	UpdateLogs(ctx context.Context, updateID string) ([]store.UpdateLog, error)
}

type UpdateHandler struct {
	updater Updater
	history UpdateHistory
	lines   LineSource
	logger  zerolog.Logger
}

func NewUpdateHandler(updater Updater, history UpdateHistory, lines LineSource) *UpdateHandler {
	return &UpdateHandler{updater: updater, history: history, lines: lines, logger: log.WithComponent("update-live")}
}

// Start answers with the run id right away; progress arrives as events.
func (h *UpdateHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := h.updater.Start(r.Context(), nil)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *UpdateHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.updater.Cancel(chi.URLParam(r, "updateId")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "cancel requested"})
}

// List returns past runs, newest first, and the id of the active one.
func (h *UpdateHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	starts, err := h.history.UpdateStarts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list updates")
		return
	}
	if starts == nil {
		starts = []store.UpdateStart{}
	}
	running, _ := h.updater.Running()
	writeJSON(w, http.StatusOK, map[string]any{"running": running, "runs": starts})
}

func (h *UpdateHandler) Logs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.history.UpdateLogs(r.Context(), chi.URLParam(r, "updateId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read update logs")
		return
	}
	if logs == nil {
		logs = []store.UpdateLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// Live pushes steamcmd output over a websocket while runs are in progress.
func (h *UpdateHandler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	lines, unsubscribe := h.lines.Lines(streamBuffer, store.SourceUpdate)
	defer unsubscribe()

	// Read from client to detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case l, ok := <-lines:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frameLine(l)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
