package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/status"
)

// StatusSource is the live view of the instance status.
type StatusSource interface {
	Snapshot() status.Snapshot
	Subscribe() chan status.Snapshot
	Unsubscribe(ch chan status.Snapshot)
}

type StatusHandler struct {
	status StatusSource
	logger zerolog.Logger
}

func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{status: source, logger: log.WithComponent("status")}
}

func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

// Live pushes a snapshot over a websocket every time the status changes.
func (h *StatusHandler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.status.Subscribe()
	defer h.status.Unsubscribe(ch)

	// Send current status immediately
	if err := conn.WriteJSON(h.status.Snapshot()); err != nil {
		return
	}

	// Read from client to detect disconnect
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
		case s, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(s); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
