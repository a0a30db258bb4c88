package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"epdweather/internal/battery"
	"epdweather/internal/config"
	"epdweather/internal/cycle"
	appLog "epdweather/internal/log"
	"epdweather/internal/settings"
)

// StatusSource is the read side of the update cycle.
type StatusSource interface {
	Status() cycle.Status
}

// PreviewSource returns the PNG of the last frame and when it was drawn.
type PreviewSource interface {
	Preview() ([]byte, time.Time)
}

// Server is the read-only status server. It never triggers a fetch or a
// render; the only write is the location setting, picked up on the next wake.
type Server struct {
	cfg     *config.Config
	status  StatusSource
	preview PreviewSource
	store   settings.Store
	battery battery.Reader
	mux     *http.ServeMux
	now     func() time.Time

	// Battery status does not need sub-second precision; cache it so the
	// gauge is not polled on every request.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

const batteryCacheTTL = 30 * time.Second

// NewServer constructs a new Server. Any of status, preview, store and br
// may be nil; their endpoints then answer 503.
func NewServer(cfg *config.Config, status StatusSource, preview PreviewSource, store settings.Store, br battery.Reader) *Server {
	s := &Server{
		cfg:     cfg,
		status:  status,
		preview: preview,
		store:   store,
		battery: br,
		mux:     http.NewServeMux(),
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty user or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdweather", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the server on cfg.Listen until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "update cycle not running")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status())
}

type batteryResponse struct {
	Percent   int  `json:"percent"`
	VoltageMv int  `json:"voltage_mv"`
	Charging  bool `json:"charging"`
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.battery == nil {
		writeError(w, http.StatusServiceUnavailable, "battery reader unavailable")
		return
	}

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && s.now().Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, batteryResponse(bc.status))
		return
	}

	st, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: st, updatedAt: s.now()}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, batteryResponse(st))
}

// settingView describes one setting. Secret values are never returned.
type settingView struct {
	Value  string `json:"value,omitempty"`
	Set    bool   `json:"set"`
	Secret bool   `json:"secret,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}

	out := make(map[string]settingView, len(settings.Keys))
	for _, k := range settings.Keys {
		v, err := settings.GetString(s.store, k, "")
		if err != nil {
			appLog.Error("settings read failed", err, "key", k)
			writeError(w, http.StatusInternalServerError, "failed to read settings")
			return
		}
		view := settingView{Set: v != "", Secret: settings.IsSecret(k)}
		if !view.Secret {
			view.Value = v
		}
		out[k] = view
	}
	writeJSON(w, http.StatusOK, out)
}

type putSettingsRequest struct {
	Location *string `json:"location"`
}

// handlePutSettings updates the location setting only. Credentials are
// provisioned through the env file or the interactive sign-in.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<10))
	dec.DisallowUnknownFields()
	var req putSettingsRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Location == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	loc := strings.TrimSpace(*req.Location)
	if err := s.store.Put(settings.KeyLocation, loc); err != nil {
		appLog.Error("settings write failed", err, "key", settings.KeyLocation)
		writeError(w, http.StatusInternalServerError, "failed to write settings")
		return
	}
	appLog.Info("location updated", "location", loc)
	writeJSON(w, http.StatusOK, map[string]string{settings.KeyLocation: loc})
}

// handlePreview serves the last rendered frame as PNG.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		http.NotFound(w, r)
		return
	}
	png, at := s.preview.Preview()
	if len(png) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(png)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
