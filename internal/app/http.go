package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"estatecrm/internal/backup"
	"estatecrm/internal/blob"
)

// Router returns the ops HTTP surface.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	r.Get("/storage", a.handleStorage)
	r.Route("/backups", func(r chi.Router) {
		r.Get("/", a.handleListBackups)
		r.Post("/", a.handleCreateBackup)
	})
	return r
}

// Serve runs the ops server on addr until ctx is done.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.Logger.Info("ops server listening", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	member, signedIn := a.Store.Session()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"remote":   a.Remote.Driver(),
		"local":    a.Local.Driver(),
		"user":     member.ID,
		"signedIn": signedIn,
		"pending":  a.Outbox.Pending(),
	})
}

func (a *App) handleStorage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Store.StorageUsage())
}

type backupItem struct {
	Key  string    `json:"key"`
	Size int64     `json:"sizeBytes"`
	At   time.Time `json:"lastModified"`
	URL  string    `json:"url,omitempty"`
}

func (a *App) handleListBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := a.Archive.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]backupItem, 0, len(infos))
	for _, info := range infos {
		item := backupItem{Key: info.Key, Size: info.Size, At: info.LastModified}
		if u, err := a.Archive.DownloadURL(r.Context(), info.Key, 0); err == nil {
			item.URL = u
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	env, err := a.Export()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	info, err := a.Archive.Save(r.Context(), env)
	switch {
	case errors.Is(err, blob.ErrExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	a.Logger.Info("backup archived", "key", info.Key, "checksum", env.Integrity.Checksum)
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    backup.Key(env),
		"counts": env.Counts,
	})
}
