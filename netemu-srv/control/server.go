package control

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/config"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/codefionn/netemu/netemu-srv/radio"
	"github.com/codefionn/netemu/netemu-srv/shaping"
	"github.com/codefionn/netemu/netemu-srv/stats"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// SessionTimeout is how long an issued token stays valid
	SessionTimeout = 24 * time.Hour

	maxBodySize      = 64 * 1024
	defaultFailures  = 20
	eventQueueLength = 32
	writeWait        = 5 * time.Second
)

// JWTClaims represents the claims in a JWT token
type JWTClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Server is the HTTP control API.
type Server struct {
	config      config.ControlConfig
	conditioner *shaping.Conditioner
	model       *radio.Model
	collector   stats.Collector
	console     *Console
	jwtSecret   []byte
	metrics     http.Handler
	upgrader    websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	streams    map[*websocket.Conn]struct{}
}

// NewServer creates a control server. model may be nil; collector may be
// nil, in which case the stats route reports empty statistics.
func NewServer(cfg config.ControlConfig, conditioner *shaping.Conditioner, model *radio.Model, collector stats.Collector) *Server {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			secret = fmt.Appendf(nil, "netemu-control-%d", time.Now().UnixNano())
		}
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	return &Server{
		config:      cfg,
		conditioner: conditioner,
		model:       model,
		collector:   collector,
		console:     NewConsole(conditioner, model),
		jwtSecret:   secret,
		metrics:     promhttp.Handler(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Console returns the console backing POST /api/console.
func (s *Server) Console() *Console {
	return s.console
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return neterr.Errorf(neterr.ErrCodeListenerCreateFailed, "control listener on %s: %w", s.config.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on an existing listener in the background.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("control server already started")
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.Info("Starting control API on %s (auth: %t)", listener.Addr(), s.config.RequiresAuth())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Control API on %s failed: %v", listener.Addr(), err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for requests until ctx ends.
// Event streams are closed immediately.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.closeStreams()
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return srv.Close()
	}
	return err
}

// ServeHTTP routes control API requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Control request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if r.URL.Path == "/api/login" {
		s.serveLogin(w, r)
		return
	}
	if s.config.RequiresAuth() && !s.isAuthenticated(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="netemu"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.URL.Path {
	case "/api/network":
		s.serveNetwork(w, r)
	case "/api/radio":
		s.serveRadio(w, r)
	case "/api/console":
		s.serveConsole(w, r)
	case "/api/stats":
		s.serveStats(w, r)
	case "/api/events":
		s.serveEvents(w, r)
	case "/metrics":
		s.metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

type errorResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeConfigError reports a rejected write. Coded config errors are the
// caller's fault, everything else is ours.
func writeConfigError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if neterr.IsConfigError(err) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Code: neterr.Code(err), Error: reason(err)})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NetworkView is the shaping state returned by the network route.
type NetworkView struct {
	Config               shaping.Config `json:"config"`
	EffectiveUploadBps   int64          `json:"effective_upload_bps"`
	EffectiveDownloadBps int64          `json:"effective_download_bps"`
	MinLatencyMs         int64          `json:"min_latency_ms"`
	MaxLatencyMs         int64          `json:"max_latency_ms"`
	Quiesced             bool           `json:"quiesced"`
}

// NetworkUpdate is a partial shaping change; absent fields are kept.
type NetworkUpdate struct {
	UploadBps    *int64 `json:"upload_bps"`
	DownloadBps  *int64 `json:"download_bps"`
	MinLatencyMs *int64 `json:"min_latency_ms"`
	MaxLatencyMs *int64 `json:"max_latency_ms"`
	NoLatency    *bool  `json:"no_latency"`
	Disabled     *bool  `json:"disabled"`
}

// apply copies the set fields. Setting a latency bound without no_latency
// turns no_latency off.
func (u NetworkUpdate) apply(cfg *shaping.Config) {
	if u.UploadBps != nil {
		cfg.UploadBps = *u.UploadBps
	}
	if u.DownloadBps != nil {
		cfg.DownloadBps = *u.DownloadBps
	}
	if u.MinLatencyMs != nil {
		cfg.MinLatencyMs = *u.MinLatencyMs
	}
	if u.MaxLatencyMs != nil {
		cfg.MaxLatencyMs = *u.MaxLatencyMs
	}
	switch {
	case u.NoLatency != nil:
		cfg.NoLatency = *u.NoLatency
	case u.MinLatencyMs != nil || u.MaxLatencyMs != nil:
		cfg.NoLatency = false
	}
	if u.Disabled != nil {
		cfg.Disabled = *u.Disabled
	}
}

func (s *Server) networkView() NetworkView {
	lo, hi := s.conditioner.LatencyRange()
	return NetworkView{
		Config:               s.conditioner.Config(),
		EffectiveUploadBps:   s.conditioner.EffectiveBandwidth(shaping.Upload),
		EffectiveDownloadBps: s.conditioner.EffectiveBandwidth(shaping.Download),
		MinLatencyMs:         lo.Milliseconds(),
		MaxLatencyMs:         hi.Milliseconds(),
		Quiesced:             s.conditioner.Quiesced(),
	}
}

func (s *Server) serveNetwork(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.networkView())
	case http.MethodPut:
		var u NetworkUpdate
		if err := decodeBody(r, &u); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
		if err := s.conditioner.Update(u.apply); err != nil {
			writeConfigError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.networkView())
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

// RadioView is the radio state returned by the radio route.
type RadioView struct {
	radio.State
	Preset radio.Preset `json:"preset"`
}

// RadioUpdate is a partial radio change; absent fields are kept.
type RadioUpdate struct {
	Status         *string `json:"status"`
	VoiceStatus    *string `json:"voice_status"`
	Standard       *string `json:"standard"`
	SignalStrength *int    `json:"signal_strength"`
	BitErrorRate   *int    `json:"bit_error_rate"`
}

// apply returns st with the update applied. Signal values are clamped by
// the model.
func (u RadioUpdate) apply(st *radio.State) error {
	next := *st
	var err error
	if u.Status != nil {
		if next.Status, err = radio.ParseStatus(*u.Status); err != nil {
			return neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
		}
	}
	if u.VoiceStatus != nil {
		if next.VoiceStatus, err = radio.ParseStatus(*u.VoiceStatus); err != nil {
			return neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
		}
	}
	if u.Standard != nil {
		if next.Standard, err = radio.ParseStandard(*u.Standard); err != nil {
			return neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
		}
	}
	if u.SignalStrength != nil {
		next.SignalStrength = radio.ClampSignalStrength(*u.SignalStrength)
	}
	if u.BitErrorRate != nil {
		next.BitErrorRate = radio.ClampBitErrorRate(*u.BitErrorRate)
	}
	*st = next
	return nil
}

func (s *Server) radioView() RadioView {
	return RadioView{State: s.model.Snapshot(), Preset: s.model.Preset()}
}

func (s *Server) serveRadio(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		writeError(w, http.StatusNotFound, "radio emulation not running")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.radioView())
	case http.MethodPut:
		var u RadioUpdate
		if err := decodeBody(r, &u); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
		if err := s.model.Update(u.apply); err != nil {
			writeConfigError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.radioView())
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

// serveConsole runs the command line in the request body and returns the
// console reply as plain text.
func (s *Server) serveConsole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}
	reply := s.console.Execute(string(body))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if strings.HasPrefix(reply, replyKO) {
		w.WriteHeader(http.StatusBadRequest)
	}
	_, _ = io.WriteString(w, reply+"\n")
}

// StatsResponse is the body of the stats route.
type StatsResponse struct {
	Overview       *stats.Overview        `json:"overview"`
	RecentFailures []stats.FailureSummary `json:"recent_failures"`
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := defaultFailures
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}

	ctx := r.Context()
	overview, err := s.collector.GetOverview(ctx)
	if err != nil {
		logger.Error("Failed to load overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	failures, err := s.collector.GetRecentFailures(ctx, limit)
	if err != nil {
		logger.Error("Failed to load recent failures: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	if failures == nil {
		failures = []stats.FailureSummary{}
	}
	writeJSON(w, http.StatusOK, StatsResponse{Overview: overview, RecentFailures: failures})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.config.RequiresAuth() {
		writeError(w, http.StatusNotFound, "authentication is not configured")
		return
	}

	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	// Constant-time comparison to prevent timing attacks
	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.config.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.config.Password)) == 1
	if !usernameMatch || !passwordMatch {
		logger.Warn("Failed control login for username: %s from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	expires := time.Now().Add(SessionTimeout)
	token, err := s.createJWTSession(req.Username, expires)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	logger.Info("Successful control login for username: %s from %s", req.Username, r.RemoteAddr)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

// bearerToken returns the token of the Authorization header. Event stream
// clients that cannot set headers may pass it as the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if r.URL.Path == "/api/events" {
		return r.URL.Query().Get("token")
	}
	return ""
}

// isAuthenticated checks if the request carries a valid token
func (s *Server) isAuthenticated(r *http.Request) bool {
	raw := bearerToken(r)
	if raw == "" {
		return false
	}
	token, err := s.parseJWTToken(raw)
	if err != nil {
		logger.Debug("JWT token validation failed: %v", err)
		return false
	}
	return token.Valid
}

// parseJWTToken parses and validates a JWT token
func (s *Server) parseJWTToken(tokenString string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
}

// createJWTSession creates a signed token for username
func (s *Server) createJWTSession(username string, expires time.Time) (string, error) {
	claims := JWTClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "netemu",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		logger.Error("Failed to sign JWT token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
