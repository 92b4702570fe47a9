package api

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/reedfamily/cs2instance/internal/launch"
	"github.com/reedfamily/cs2instance/internal/serverfiles"
)

// Lifecycle is the process control surface of the supervisor.
type Lifecycle interface {
	Start(ctx context.Context, params launch.Parameters) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, params launch.Parameters) error
	ExecuteCommand(ctx context.Context, command string) (string, error)
}

// ParameterStore persists the parameters of the last start.
type ParameterStore interface {
	StartParameters(ctx context.Context) (launch.Parameters, error)
	SaveStartParameters(ctx context.Context, p launch.Parameters) error
}

type ServerHandler struct {
	lifecycle Lifecycle
	params    ParameterStore
	files     *serverfiles.Layout
}

func NewServerHandler(lifecycle Lifecycle, params ParameterStore, files *serverfiles.Layout) *ServerHandler {
	return &ServerHandler{lifecycle: lifecycle, params: params, files: files}
}

// resolveParams uses the request body when one is sent and the saved parameters otherwise.
func (h *ServerHandler) resolveParams(r *http.Request) (launch.Parameters, bool, error) {
	if r.ContentLength == 0 {
		p, err := h.params.StartParameters(r.Context())
		return p, false, err
	}
	var p launch.Parameters
	if err := decodeJSON(r, &p); err != nil {
		return launch.Parameters{}, true, err
	}
	return p.WithDefaults(), true, nil
}

// Start launches the server and answers once it reports started. A disconnecting
// client does not abort the start.
func (h *ServerHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.launch(w, r, h.lifecycle.Start, "server started")
}

func (h *ServerHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.launch(w, r, h.lifecycle.Restart, "server restarted")
}

func (h *ServerHandler) launch(w http.ResponseWriter, r *http.Request, fn func(context.Context, launch.Parameters) error, msg string) {
	params, fromBody, err := h.resolveParams(r)
	if err != nil {
		if fromBody {
			writeError(w, http.StatusBadRequest, "invalid request body")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load start parameters")
		}
		return
	}
	if err := params.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fromBody {
		if err := h.params.SaveStartParameters(r.Context(), params); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save start parameters")
			return
		}
	}

	if err := fn(context.WithoutCancel(r.Context()), params); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (h *ServerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.Stop(context.WithoutCancel(r.Context())); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "server stopped"})
}

func (h *ServerHandler) GetStartParameters(w http.ResponseWriter, r *http.Request) {
	p, err := h.params.StartParameters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load start parameters")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ServerHandler) PutStartParameters(w http.ResponseWriter, r *http.Request) {
	var p launch.Parameters
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.params.SaveStartParameters(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save start parameters")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ServerHandler) Maps(w http.ResponseWriter, r *http.Request) {
	maps, err := h.files.Maps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list maps")
		return
	}
	writeJSON(w, http.StatusOK, maps)
}

// Configs lists every cfg file, and only the start configs with ?start=true.
func (h *ServerHandler) Configs(w http.ResponseWriter, r *http.Request) {
	list := h.files.Configs
	if r.URL.Query().Get("start") == "true" {
		list = h.files.StartConfigs
	}
	configs, err := list()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list configs")
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (h *ServerHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	content, err := h.files.ReadConfig(chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, serverfiles.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "config not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to read config")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"content": content})
	}
}

func (h *ServerHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.files.WriteConfig(chi.URLParam(r, "name"), req.Content)
	switch {
	case errors.Is(err, serverfiles.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to write config")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "config saved"})
	}
}
