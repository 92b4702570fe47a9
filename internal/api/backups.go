package api

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/reedfamily/cs2instance/internal/backup"
	"github.com/reedfamily/cs2instance/internal/status"
)

// StateReader reports the lifecycle state.
type StateReader interface {
	State() status.LifecycleState
}

type BackupHandler struct {
	backups *backup.Service
	state   StateReader
}

func NewBackupHandler(backupSvc *backup.Service, state StateReader) *BackupHandler {
	return &BackupHandler{backups: backupSvc, state: state}
}

// List returns all config backups.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	backups, err := h.backups.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

// Create archives the current config directory.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	b, err := h.backups.Create()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create backup: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Download sends a backup file to the client.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	path, err := h.backups.FilePath(chi.URLParam(r, "backupId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	w.Header().Set("Content-Type", "application/gzip")
	http.ServeFile(w, r, path)
}

// Delete removes a backup.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.backups.Delete(chi.URLParam(r, "backupId"))
	switch {
	case errors.Is(err, backup.ErrNotFound):
		writeError(w, http.StatusNotFound, "backup not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to delete backup")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "backup deleted"})
	}
}

// Restore restores a backup. Server must be stopped first.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	switch h.state.State() {
	case status.Stopped, status.NotInstalled:
	default:
		writeError(w, http.StatusConflict, "stop the server before restoring a backup")
		return
	}

	err := h.backups.Restore(chi.URLParam(r, "backupId"))
	switch {
	case errors.Is(err, backup.ErrNotFound):
		writeError(w, http.StatusNotFound, "backup not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to restore backup: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "backup restored"})
	}
}
