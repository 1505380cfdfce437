// Copyright 2024-2026 Aiku AI

package command

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/hub"
)

// maxCommandBodySize is the maximum allowed request body for a command (64 KB).
const maxCommandBodySize = 64 << 10

const shutdownTimeout = 5 * time.Second

// AdminAPI serves the command dispatcher and the hub's read-only views over
// HTTP.
type AdminAPI struct {
	addr string
	log  zerolog.Logger
}

func NewAdminAPI(addr string, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		addr: addr,
		log:  log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the API routes backed by d.
func (a *AdminAPI) Handler(d *Dispatcher) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/accounts", func(w http.ResponseWriter, r *http.Request) {
		a.writeJSON(w, http.StatusOK, d.admin.ListAccounts())
	})
	mux.HandleFunc("POST /api/accounts/{id}/relogin", func(w http.ResponseWriter, r *http.Request) {
		a.handleRelogin(w, r, d)
	})
	mux.HandleFunc("GET /api/correlations/{adapter}/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.handleCorrelation(w, r, d)
	})
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		a.writeJSON(w, http.StatusOK, d.admin.Stats())
	})
	mux.HandleFunc("POST /api/command", func(w http.ResponseWriter, r *http.Request) {
		a.handleCommand(w, r, d)
	})
	return mux
}

// Run serves the API until ctx is done.
func (a *AdminAPI) Run(ctx context.Context, d *Dispatcher) error {
	server := &http.Server{
		Addr:         a.addr,
		Handler:      a.Handler(d),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.addr).Msg("Starting bridge admin API")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("Admin API shutdown error")
		}
		return nil
	}
}

func (a *AdminAPI) handleRelogin(w http.ResponseWriter, r *http.Request, d *Dispatcher) {
	account, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	a.log.Info().Str("remote_addr", r.RemoteAddr).Int64("account", account).Msg("Relogin requested over API")

	if err := d.admin.Relogin(r.Context(), account); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, hub.ErrClientNotFound):
			status = http.StatusNotFound
		case errors.Is(err, hub.ErrNoSessions):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"account": account, "relogged": true})
}

func (a *AdminAPI) handleCorrelation(w http.ResponseWriter, r *http.Request, d *Dispatcher) {
	rec, err := d.admin.ShowCorrelation(r.PathValue("adapter"), r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, correlate.ErrNotFound) || errors.Is(err, correlate.ErrUnknownCorrelation) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

// handleCommand runs a text command from the request body and returns its
// reply as plain text.
func (a *AdminAPI) handleCommand(w http.ResponseWriter, r *http.Request, d *Dispatcher) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommandBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	text := strings.TrimSpace(string(body))
	if !strings.HasPrefix(text, Prefix) {
		text = Prefix + text
	}
	a.log.Info().Str("remote_addr", r.RemoteAddr).Str("command", text).Msg("Command received over API")

	reply := d.Run(r.Context(), text)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	switch {
	case reply.Err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(reply.Err, ErrUnknownCommand), errors.Is(reply.Err, ErrUsage), errors.Is(reply.Err, ErrNotCommand):
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	if _, err := io.WriteString(w, reply.Text+"\n"); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write command response")
	}
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write API response")
	}
}
