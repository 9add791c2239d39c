// Package server exposes the reporter's control surface: status stream, start
// and stop, one-off sends, login and config.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/api"
	"github.com/shaunagostinho/gpsreporter/internal/gps"
	"github.com/shaunagostinho/gpsreporter/internal/logger"
	"github.com/shaunagostinho/gpsreporter/internal/reporter"
	"github.com/shaunagostinho/gpsreporter/internal/status"
)

const maxBodyBytes = 64 << 10

// Server wires the reporter and status hub to HTTP.
type Server struct {
	cfg     *Config
	rep     *reporter.Reporter
	hub     *status.Hub
	gpsName string
	log     *zap.Logger
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	State          string         `json:"state"`
	ServerURL      string         `json:"serverUrl"`
	IntervalSecs   int            `json:"intervalSeconds"`
	LoggedIn       bool           `json:"loggedIn"`
	GPS            string         `json:"gps"`
	WakeLockHeld   bool           `json:"wakeLockHeld"`
	RestartPending bool           `json:"restartPending"`
	Clients        int            `json:"clients"`
	Latest         *status.Status `json:"latest,omitempty"`
}

// LoginBody is the body of POST /api/login.
type LoginBody struct {
	ServerURL string `json:"serverUrl"`
	Code      string `json:"code"`
	Password  string `json:"password"`
}

// SendResponse is the body of POST /api/send-now.
type SendResponse struct {
	OK        bool     `json:"ok"`
	Transport string   `json:"transport,omitempty"`
	Code      int      `json:"code,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Fix       *gps.Fix `json:"fix,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// New creates a new Server.
func New(cfg *Config, rep *reporter.Reporter, hub *status.Hub, gpsName string) *Server {
	return &Server{
		cfg:     cfg,
		rep:     rep,
		hub:     hub,
		gpsName: gpsName,
		log:     logger.Named("server"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Status stream
	mux.Handle("/ws", s.hub)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/send-now", s.handleSendNow)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, _ := s.cfg.ReporterConfig()
	if s.rep.State() != reporter.Stopped {
		cfg = s.rep.Config()
	}
	resp := StatusResponse{
		State:          s.rep.State().String(),
		ServerURL:      cfg.ServerBaseURL,
		IntervalSecs:   cfg.WithDefaults().IntervalSeconds,
		LoggedIn:       cfg.AuthToken != "",
		GPS:            s.gpsName,
		WakeLockHeld:   s.rep.Guard().Held(),
		RestartPending: s.rep.Guard().RestartPending(),
		Clients:        s.hub.Clients(),
	}
	if latest, ok := s.hub.Latest(); ok {
		resp.Latest = &latest
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := s.cfg.ReporterConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	err = s.rep.Start(cfg)
	switch {
	case err == nil:
		writeOK(w)
	case errors.Is(err, reporter.ErrNotStopped):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, gps.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.rep.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := s.cfg.ReporterConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	res, err := s.rep.SendNow(r.Context(), cfg)
	resp := SendResponse{
		OK:        err == nil,
		Transport: string(res.Transport),
		Code:      res.StatusCode,
		RequestID: res.RequestID,
	}
	if !res.Fix.CapturedAt.IsZero() {
		fix := res.Fix
		resp.Fix = &fix
	}
	if err != nil {
		resp.Error = err.Error()
	}

	code := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, gps.ErrNoFix):
		code = http.StatusServiceUnavailable
	case errors.Is(err, gps.ErrPermissionDenied):
		code = http.StatusForbidden
	case res.RequestID == "":
		code = http.StatusBadRequest
	default:
		code = http.StatusBadGateway
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body LoginBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	auth, err := Login(r.Context(), s.cfg, body.ServerURL, api.LoginRequest{Code: body.Code, Password: body.Password})
	if err != nil {
		code := http.StatusBadGateway
		if sc := api.StatusCode(err); sc == http.StatusUnauthorized || sc == http.StatusForbidden {
			code = http.StatusUnauthorized
		} else if errors.Is(err, errInvalidLogin) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": auth.Name})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		// A running reporter keeps its snapshot until restarted.
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

var errInvalidLogin = errors.New("invalid login")

// Login authenticates against serverURL and persists the returned token
// together with the normalized server URL.
func Login(ctx context.Context, cfg *Config, serverURL string, creds api.LoginRequest) (api.AuthData, error) {
	if err := api.ValidateBaseURL(serverURL); err != nil {
		return api.AuthData{}, errors.Join(errInvalidLogin, err)
	}
	if err := creds.Validate(); err != nil {
		return api.AuthData{}, errors.Join(errInvalidLogin, err)
	}
	client, err := api.NewClient(serverURL, 0)
	if err != nil {
		return api.AuthData{}, err
	}
	auth, err := client.Login(ctx, creds)
	if err != nil {
		return api.AuthData{}, err
	}

	cfg.SetLogin(client.BaseURL(), auth.AccessToken)
	if err := cfg.Save(); err != nil {
		logger.Named("server").Warn("token not persisted", zap.Error(err))
	}
	return auth, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": strings.TrimSpace(err.Error())})
}
