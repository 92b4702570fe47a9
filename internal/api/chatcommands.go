package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/reedfamily/cs2instance/internal/chatcmd"
)

type ChatCommandHandler struct {
	commands *chatcmd.Service
}

func NewChatCommandHandler(commands *chatcmd.Service) *ChatCommandHandler {
	return &ChatCommandHandler{commands: commands}
}

func (h *ChatCommandHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.commands.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list chat commands")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChatCommandHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatMessage string `json:"chat_message"`
		Command     string `json:"command"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.commands.Add(r.Context(), req.ChatMessage, req.Command)
	switch {
	case errors.Is(err, chatcmd.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatcmd.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to create chat command")
	default:
		writeJSON(w, http.StatusCreated, c)
	}
}

func (h *ChatCommandHandler) Delete(w http.ResponseWriter, r *http.Request) {
	message, err := url.PathUnescape(chi.URLParam(r, "message"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat message")
		return
	}

	err = h.commands.Delete(r.Context(), message)
	switch {
	case errors.Is(err, chatcmd.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat command not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to delete chat command")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "chat command deleted"})
	}
}
