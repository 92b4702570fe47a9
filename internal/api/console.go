package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/apperr"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
)

// CommandRunner executes console commands.
type CommandRunner interface {
	ExecuteCommand(ctx context.Context, command string) (string, error)
}

type ConsoleHandler struct {
	commands CommandRunner
	bus      *events.Bus
	lines    LineSource
	logger   zerolog.Logger
}

func NewConsoleHandler(commands CommandRunner, bus *events.Bus, lines LineSource) *ConsoleHandler {
	return &ConsoleHandler{commands: commands, bus: bus, lines: lines, logger: log.WithComponent("console")}
}

// Command runs one console command and returns its output.
func (h *ConsoleHandler) Command(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := h.commands.ExecuteCommand(r.Context(), req.Command)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

type commandReply struct {
	Command string `json:"command"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Stream pushes every domain event, the server console output and the system log over
// a websocket. Text frames sent by the client are executed as console commands and
// answered with a commandReply.
func (h *ConsoleHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, sub := h.bus.Stream(streamBuffer)
	defer sub.Close()
	lines, unsubscribe := h.lines.Lines(streamBuffer, store.SourceServer, store.SourceSystem)
	defer unsubscribe()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read from client to detect disconnect and take commands.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if typ != websocket.TextMessage {
				continue
			}
			command := strings.TrimSpace(string(msg))
			if command == "" {
				continue
			}
			reply := commandReply{Command: command}
			out, err := h.commands.ExecuteCommand(ctx, command)
			if err != nil {
				reply.Error = err.Error()
				reply.Kind = string(apperr.KindOf(err))
			} else {
				reply.Output = out
			}
			if err := write(reply); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := write(e); err != nil {
				return
			}
		case l, ok := <-lines:
			if !ok {
				return
			}
			if err := write(frameLine(l)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
