// ABOUTME: HTTP host for the dispatcher: webhook routes, health, metrics and the admin API
// ABOUTME: Listens on TCP or on a tsnet node (optionally through Funnel) and shuts down in order

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/dispatch"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/state"
)

// readinessKey is read to check that the state store answers.
const readinessKey = "server:readiness"

// Options configure a Server.
type Options struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Store      state.Store
	// Metrics is served on Config.Metrics.Path when set.
	Metrics *metrics.Metrics
	// Admin guards /api. A nil verifier disables the admin API.
	Admin  auth.TokenVerifier
	Logger *slog.Logger
}

// Server hosts the webhook endpoints of one dispatcher.
type Server struct {
	config      *config.Config
	dispatcher  *dispatch.Dispatcher
	store       state.Store
	metrics     *metrics.Metrics
	router      *mux.Router
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// tasks tracks background processing started by webhook requests.
	tasks sync.WaitGroup

	mu      sync.Mutex
	baseURL string
}

// New builds the router and HTTP server. Nothing listens until Run.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Dispatcher == nil || opts.Store == nil {
		return nil, errors.New("server: dispatcher and store are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		config:     opts.Config,
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		metrics:    opts.Metrics,
		router:     mux.NewRouter(),
		logger:     opts.Logger.With("component", "server"),
		baseURL:    determineBaseURL(opts.Config),
	}

	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{platform}", s.handleWebhook).Methods(http.MethodPost, http.MethodPut)
	// Matrix homeservers append /transactions/{txn} to the registered URL.
	r.PathPrefix("/webhooks/{platform}/").HandlerFunc(s.handleWebhook).Methods(http.MethodPost, http.MethodPut)

	if s.metrics != nil && opts.Config.Metrics.Enabled {
		r.Handle(opts.Config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	if opts.Admin != nil {
		api := r.PathPrefix("/api").Subrouter()
		api.Use(auth.RequireToken(opts.Admin))
		s.registerAPIRoutes(api)
	} else {
		s.logger.Info("admin API disabled - no admin.jwt_secret configured")
	}

	s.httpServer = &http.Server{
		Addr:              opts.Config.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// BaseURL returns the public base URL webhooks are reachable at.
func (s *Server) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// determineBaseURL resolves the public URL from config or the listen mode.
func determineBaseURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Tailscale.Funnel {
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// waitUntil keeps the server's task group open until done is closed.
func (s *Server) waitUntil(done <-chan struct{}) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		<-done
	}()
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := mux.Vars(r)["platform"]
	s.dispatcher.ServeWebhook(w, r, platform, dispatch.WebhookOptions{WaitUntil: s.waitUntil})
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the state store answers and at least one
// platform is registered.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.store.Get(ctx, readinessKey); err != nil && !errors.Is(err, state.ErrNotFound) {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("state store unavailable"))
		return
	}

	platforms := s.dispatcher.Platforms()
	if len(platforms) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no platforms registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d platforms)", len(platforms))
}

// setupTCPListener creates a standard TCP listener.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting server", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Run serves until ctx is canceled or the listener fails, then shuts down.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("webhooks ready", "base_url", s.BaseURL(), "platforms", s.dispatcher.Platforms())

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-chat", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on it. Funnel
// exposes the webhooks publicly on :443.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.applyTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = s.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = s.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// applyTailscaleStatus logs the node and adopts its DNS name as the base URL
// unless one was configured.
func (s *Server) applyTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if dnsName == "" || s.config.Server.PublicURL != "" {
		return
	}
	scheme := "http://"
	if s.config.Tailscale.Funnel {
		scheme = "https://"
	}
	s.mu.Lock()
	s.baseURL = scheme + dnsName
	s.mu.Unlock()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// waitForTasks waits for background webhook processing or ctx.
func (s *Server) waitForTasks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests, drains in-flight events and then
// releases the state store and the tailscale node.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "dispatcher shutdown", s.dispatcher.Shutdown(ctx))
	errs = appendCloseError(errs, "background tasks", s.waitForTasks(ctx))
	errs = appendCloseError(errs, "state store disconnect", s.store.Disconnect(ctx))

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
