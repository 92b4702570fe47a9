package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/store"
)

const defaultLogLimit = 1000

// LogReader queries persisted server output, events and the system log.
type LogReader interface {
	ServerLogsSince(ctx context.Context, since time.Time, limit int) ([]store.ServerLog, error)
	EventsSince(ctx context.Context, since time.Time, kind string, limit int) ([]store.EventLog, error)
	SystemLogsSince(ctx context.Context, since time.Time, limit int) ([]store.SystemLog, error)
}

type LogHandler struct {
	logs LogReader
}

func NewLogHandler(logs LogReader) *LogHandler {
	return &LogHandler{logs: logs}
}

func (h *LogHandler) Server(w http.ResponseWriter, r *http.Request) {
	since, limit, err := logQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.logs.ServerLogsSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read server logs")
		return
	}
	if logs == nil {
		logs = []store.ServerLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *LogHandler) Events(w http.ResponseWriter, r *http.Request) {
	since, limit, err := logQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind != "" && !events.Kind(kind).Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event kind %q", kind))
		return
	}
	logs, err := h.logs.EventsSince(r.Context(), since, kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read event logs")
		return
	}
	if logs == nil {
		logs = []store.EventLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// System returns instance milestones such as starts, stops and crashes.
func (h *LogHandler) System(w http.ResponseWriter, r *http.Request) {
	since, limit, err := logQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.logs.SystemLogsSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read system logs")
		return
	}
	if logs == nil {
		logs = []store.SystemLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// logQuery reads since (RFC 3339, default one hour ago) and limit.
func logQuery(r *http.Request) (time.Time, int, error) {
	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid since: use RFC 3339")
		}
		since = t
	}
	limit, err := queryLimit(r)
	return since, limit, err
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLogLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}
