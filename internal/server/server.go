// ABOUTME: Server orchestrator that wires store, linking controller, dispatcher and frontends
// ABOUTME: Manages the HTTP listener (TCP or tailnet), background workers and graceful shutdown

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/link-relay/internal/auth"
	"github.com/2389/link-relay/internal/config"
	"github.com/2389/link-relay/internal/dedupe"
	"github.com/2389/link-relay/internal/frontend"
	"github.com/2389/link-relay/internal/frontend/matrix"
	"github.com/2389/link-relay/internal/frontend/telegram"
	"github.com/2389/link-relay/internal/linking"
	"github.com/2389/link-relay/internal/notify"
	"github.com/2389/link-relay/internal/store"
)

// dedupeCapacity bounds the number of remembered inbound event IDs.
const dedupeCapacity = 100_000

// Server owns every long-lived component of the relay.
type Server struct {
	config      *config.Config
	store       store.Store
	router      *frontend.Router
	controller  *linking.Controller
	dispatcher  *notify.Dispatcher
	seen        *dedupe.Cache
	mux         *http.ServeMux
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	telegram *telegram.Frontend
	matrix   *matrix.Frontend

	// stopWorkers cancels background workers started by Run
	stopWorkers context.CancelFunc
	workers     sync.WaitGroup

	mu   sync.Mutex
	addr string

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the store named by database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Server from configuration, connecting every enabled frontend.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	s, err := newServer(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if err := s.attachFrontends(); err != nil {
		_ = st.Close()
		return nil, err
	}

	if names := s.router.Names(); len(names) == 0 {
		s.logger.Warn("no frontends enabled; notifications cannot be delivered")
	} else {
		s.logger.Info("frontends enabled", "frontends", names)
	}
	return s, nil
}

// newServer wires the core around st without any frontend attached.
func newServer(cfg *config.Config, st store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	router := frontend.NewRouter()
	msgs := cfg.Linking.Messages

	s := &Server{
		config: cfg,
		store:  st,
		router: router,
		controller: linking.New(st, router, linking.Config{
			StartCommand: cfg.Linking.StartCommand,
			Messages: linking.Messages{
				Prompt:      msgs.Prompt,
				Confirmed:   msgs.Confirmed,
				FormatError: msgs.FormatError,
				CodeInUse:   msgs.CodeInUse,
				BeginFirst:  msgs.BeginFirst,
			},
		}, logger),
		dispatcher: notify.New(st, st, router, logger),
		seen:       dedupe.New(dedupeTTL(cfg), dedupeCapacity),
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "server"),
	}

	if err := s.registerRoutes(); err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func dedupeTTL(cfg *config.Config) time.Duration {
	if cfg.Frontends.DedupeTTL > 0 {
		return cfg.Frontends.DedupeTTL
	}
	return config.DefaultDedupeTTL
}

// registerRoutes mounts health and notification endpoints.
func (s *Server) registerRoutes() error {
	// Health endpoints - no auth required
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/ready", s.handleReady)

	var notifyHandler http.Handler = http.HandlerFunc(s.handleSendNotification)
	if secret := s.config.Auth.JWTSecret; secret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(secret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		notifyHandler = auth.RequireBearer(verifier, s.config.Auth.AllowedSubjects, s.logger)(notifyHandler)
		s.logger.Info("bearer auth enabled for notifications", "path", s.config.Server.NotifyPath)
	} else {
		s.logger.Warn("notification auth disabled - no jwt_secret configured")
	}
	s.mux.Handle("POST "+s.config.Server.NotifyPath, notifyHandler)
	return nil
}

// attachFrontends connects the enabled frontends and routes their traffic.
func (s *Server) attachFrontends() error {
	handler := frontend.MessageHandlerFunc(s.handleInbound)

	if tc := s.config.Frontends.Telegram; tc.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:           tc.Token,
			PublicURL:       tc.PublicURL,
			WebhookPath:     tc.WebhookPath,
			WebhookRefresh:  tc.WebhookRefresh,
			APIEndpoint:     tc.APIEndpoint,
			NotifyParseMode: tc.NotifyParseMode,
		}, handler, s.seen, s.logger)
		if err != nil {
			return fmt.Errorf("creating telegram frontend: %w", err)
		}
		s.telegram = tg
		s.router.Register(tg)
		s.mux.Handle(tg.WebhookPath(), tg)
	}

	if mc := s.config.Frontends.Matrix; mc.Enabled {
		mx, err := matrix.New(matrix.Config{
			Homeserver:     mc.Homeserver,
			UserID:         mc.UserID,
			AccessToken:    mc.AccessToken,
			AllowedRooms:   mc.AllowedRooms,
			RenderMarkdown: mc.RenderMarkdown,
		}, handler, s.seen, s.logger)
		if err != nil {
			return fmt.Errorf("creating matrix frontend: %w", err)
		}
		s.matrix = mx
		s.router.Register(mx)
	}

	return nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the address the HTTP listener is bound to, or "" before Run listens.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
}

// setupTCPListener creates the standard TCP listener.
func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting relay", "http_addr", s.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// startWorkers launches frontend loops and cache maintenance. Errors that
// should stop the relay are sent on errCh.
func (s *Server) startWorkers(ctx context.Context, errCh chan<- error) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopWorkers = cancel

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.seen.Run(ctx, time.Minute)
	}()

	if s.telegram != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.telegram.RunWebhookRefresher(ctx)
		}()
	}

	if s.matrix != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.matrix.Run(ctx); err != nil {
				errCh <- fmt.Errorf("matrix frontend: %w", err)
			}
		}()
	}
}

// startHTTP serves HTTP on ln in a goroutine.
func (s *Server) startHTTP(ln net.Listener, errCh chan<- error) {
	s.setAddr(ln.Addr().String())
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
}

// waitForShutdownSignal waits for context cancellation or a component error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors logs any error already queued behind the first.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the HTTP server and frontends and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or the first component error.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}

	errCh := make(chan error, 3)
	s.startHTTP(ln, errCh)
	s.startWorkers(ctx, errCh)

	serverErr := s.waitForShutdownSignal(ctx, errCh)
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the Run context is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "link-relay", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	return s.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks Funnel, tailnet TLS, or plain HTTP on the tailnet.
func (s *Server) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.createTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves :443 with Tailscale's auto-provisioned certs.
func (s *Server) createTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and workers, then releases the store.
// Calls after the first return the first call's result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	if s.stopWorkers != nil {
		s.stopWorkers()
	}
	s.workers.Wait()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
