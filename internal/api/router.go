// Package api exposes the scanning session over HTTP so that a remote
// presenter can follow the workflow and issue commands.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/andresmejia3/scanline/internal/camera"
	"github.com/andresmejia3/scanline/internal/session"
)

// Controller is the part of a session the API drives.
type Controller interface {
	Snapshot() session.Snapshot
	Dispatch(cmd session.Command) error
	OnForeground(granted bool) error
	OnBackground() error
	SetFlashMode(mode camera.FlashMode) error
}

func NewRouter(ctrl Controller, log *slog.Logger) *mux.Router {
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{ctrl: ctrl, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/state", h.getState).Methods("GET")
	r.HandleFunc("/commands/{name}", h.postCommand).Methods("POST")
	r.HandleFunc("/flash/{mode}", h.postFlash).Methods("POST")
	r.HandleFunc("/lifecycle/foreground", h.postForeground).Methods("POST")
	r.HandleFunc("/lifecycle/background", h.postBackground).Methods("POST")
	return r
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http presenter listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http presenter: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
