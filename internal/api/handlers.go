package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/andresmejia3/scanline/internal/camera"
	"github.com/andresmejia3/scanline/internal/session"
)

type handlers struct {
	ctrl Controller
	log  *slog.Logger
}

type accepted struct {
	Accepted string `json:"accepted"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// getState returns the current session snapshot
func (h *handlers) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

// postCommand queues a presenter command. The command runs asynchronously,
// so the response only confirms that it was accepted.
func (h *handlers) postCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cmd, err := session.ParseCommand(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := h.ctrl.Dispatch(cmd); err != nil {
		h.log.Warn("command rejected", "command", name, "error", err)
		http.Error(w, "session is shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: cmd.String()})
}

// postFlash sets the torch to an explicit mode instead of toggling it.
func (h *handlers) postFlash(w http.ResponseWriter, r *http.Request) {
	mode, err := camera.ParseFlashMode(mux.Vars(r)["mode"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ctrl.SetFlashMode(mode); err != nil {
		http.Error(w, "session is shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: "flash:" + mode.String()})
}

// postForeground forwards a host resume. ?permission=false reports a denied camera.
func (h *handlers) postForeground(w http.ResponseWriter, r *http.Request) {
	granted := true
	if v := r.URL.Query().Get("permission"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "permission must be a boolean", http.StatusBadRequest)
			return
		}
		granted = b
	}
	if err := h.ctrl.OnForeground(granted); err != nil {
		http.Error(w, "session is shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: "foreground"})
}

func (h *handlers) postBackground(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.OnBackground(); err != nil {
		http.Error(w, "session is shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: "background"})
}
