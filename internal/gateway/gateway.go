// ABOUTME: Gateway orchestrator wiring agent sessions, router, bridge and channel handlers
// ABOUTME: Owns the gRPC health server, HTTP server, tsnet listeners and shutdown order

package gateway

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

	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/auth"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/config"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/conversation"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/dedupe"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/email"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/store"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/voice"
)

// AgentPool is the view of the agent sessions the gateway needs.
// *agent.Manager satisfies it.
type AgentPool interface {
	Backend
	List() []agent.SessionInfo
	Logs(agentID string, n int) ([]string, error)
}

// Background email work gets this long to finish during shutdown before
// its context is canceled.
const backgroundDrainTimeout = 3 * time.Second

const sweepInterval = time.Minute

// Gateway orchestrates the agent-bridge server components.
type Gateway struct {
	config *config.Config

	agents  AgentPool
	manager *agent.Manager // nil when the pool is injected

	router       *Router
	bridge       *Bridge
	store        store.Store
	conversation *conversation.Service
	voices       *voice.Registry
	mailbox      email.Mailbox
	dedupe       *dedupe.Cache
	tokens       auth.TokenVerifier
	health       *healthReporter

	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// names maps agent ids to display names
	names map[string]string

	// serverID identifies this gateway instance
	serverID string
	logger   *slog.Logger

	bgCtx      context.Context
	bgCancel   context.CancelFunc
	background sync.WaitGroup
}

// initStore opens the request ledger. AGENT_BRIDGE_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENT_BRIDGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// sessionConfig maps one configured agent onto session settings, filling
// gaps from the global timeouts.
func sessionConfig(ac config.AgentConfig, t config.TimeoutsConfig) agent.SessionConfig {
	idle := ac.IdleTimeout
	if idle <= 0 {
		idle = t.Idle
	}
	queue := ac.QueueSize
	if queue == 0 {
		queue = agent.DefaultQueueSize
	}
	return agent.SessionConfig{
		AgentID:           ac.ID,
		Endpoint:          endpointFor(ac).String(),
		Tool:              ac.Tool,
		Cwd:               ac.Cwd,
		ConcurrencyLimit:  ac.ConcurrencyLimit,
		QueueSize:         queue,
		Admission:         agent.Admission(ac.Admission),
		FailureThreshold:  ac.FailureThreshold,
		IdleTimeout:       idle,
		HeartbeatInterval: t.HeartbeatInterval,
		HeartbeatTimeout:  t.HeartbeatTimeout,
		Ping:              ac.Ping,
		Handshake:         ac.Handshake,
		HandshakeTimeout:  t.Handshake,
	}
}

func endpointFor(ac config.AgentConfig) agent.Endpoint {
	return agent.Endpoint{
		Command: ac.Command,
		Args:    ac.Args,
		Env:     ac.Env,
		Dir:     ac.Dir,
		URL:     ac.URL,
	}
}

// buildManager registers one session per configured agent.
func buildManager(cfg *config.Config, reporter *healthReporter, logger *slog.Logger) (*agent.Manager, error) {
	mgr := agent.NewManager(logger.With("component", "agent-manager"))
	for _, ac := range cfg.Agents {
		sessLogger := logger.With("component", "agent", "agent_id", ac.ID)
		tail := agent.NewLogTail(agent.DefaultLogTailSize)

		dialer, err := agent.NewDialer(endpointFor(ac), tail, sessLogger)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.ID, err)
		}
		sess := agent.NewSession(sessionConfig(ac, cfg.Timeouts), dialer, agent.SessionOptions{
			Logger:         sessLogger,
			Tail:           tail,
			OnHealthChange: reporter.update,
		})
		if err := mgr.Register(sess); err != nil {
			return nil, fmt.Errorf("registering agent %q: %w", ac.ID, err)
		}
	}
	return mgr, nil
}

// New creates a Gateway from configuration. Agent sessions are registered
// but not connected until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	reporter := newHealthReporter(logger.With("component", "health"))
	mgr, err := buildManager(cfg, reporter, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := assemble(cfg, s, mgr, reporter, logger)
	if err != nil {
		_ = mgr.Close()
		_ = s.Close()
		return nil, err
	}
	gw.manager = mgr
	return gw, nil
}

// assemble builds everything above the agent pool. Tests call it with a
// fake pool and an in-memory store.
func assemble(cfg *config.Config, s store.Store, pool AgentPool, reporter *healthReporter, logger *slog.Logger) (*Gateway, error) {
	reporter.pool = pool

	router, err := NewRouter(cfg.Routing, cfg.AgentIDs(), logger.With("component", "router"))
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	names := make(map[string]string, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		names[ac.ID] = ac.DisplayName()
	}
	voices := voice.NewRegistry(cfg.Voice, names)

	broadcaster := conversation.NewBroadcaster(logger.With("component", "broadcaster"))
	convService := conversation.New(s, broadcaster, conversation.Options{
		MaxTurns: cfg.Conversation.MaxTurns,
		TTL:      cfg.Conversation.TTL,
		Logger:   logger.With("component", "conversation"),
	})

	bridge := NewBridge(router, pool, BridgeOptions{
		Conversation: convService,
		Ledger:       s,
		Voices:       voices,
		Deadlines: Deadlines{
			Voice: cfg.Timeouts.VoiceDeadline,
			Email: cfg.Timeouts.EmailDeadline,
			API:   cfg.Timeouts.APIDeadline,
			Max:   cfg.Timeouts.MaxDeadline,
		},
		Logger: logger.With("component", "bridge"),
	})

	var tokens auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		tokens = verifier
		logger.Info("auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:       cfg,
		agents:       pool,
		router:       router,
		bridge:       bridge,
		store:        s,
		conversation: convService,
		voices:       voices,
		mailbox:      newMailbox(cfg.Email, logger),
		dedupe:       dedupe.New(cfg.Email.DedupeTTL, cfg.Email.DedupeMax),
		tokens:       tokens,
		health:       reporter,
		names:        names,
		serverID:     generateServerID(),
		logger:       logger.With("component", "gateway"),
		bgCtx:        bgCtx,
		bgCancel:     bgCancel,
	}

	gw.grpcServer = createGRPCServer(tokens, logger.With("component", "grpc"))
	registerGRPCServices(gw.grpcServer, reporter)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func newMailbox(cfg config.EmailConfig, logger *slog.Logger) email.Mailbox {
	mlog := logger.With("component", "mailbox")
	if cfg.GraphToken == "" {
		return email.NewLogMailbox(mlog)
	}
	return email.NewGraphMailbox(email.GraphOptions{
		BaseURL: cfg.GraphBaseURL,
		UserID:  cfg.UserID,
		Token:   cfg.GraphToken,
		Logger:  mlog,
	})
}

// routes builds the HTTP mux. Health probes and the mail webhook are
// public; everything else needs a token once a secret is configured.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Email.Enabled {
		mux.HandleFunc("GET /email/notification", g.handleEmailValidation)
		mux.HandleFunc("POST /email/notification", g.handleEmailNotification)
		mux.HandleFunc("POST /email/route", g.handleEmailNotification)
		mux.HandleFunc("GET /email/status", g.handleEmailStatus)
	}

	authMW := auth.HTTPAuthMiddleware(g.tokens, g.logger)
	protect := func(scope string, h http.HandlerFunc) http.Handler {
		return authMW(auth.RequireScope(scope)(h))
	}

	mux.Handle("POST /api/requests", protect(auth.ScopeRequests, g.handleSubmitRequest))
	mux.Handle("POST /voice/command", protect(auth.ScopeRequests, g.handleVoiceCommand))
	mux.Handle("GET /voice/stream", protect(auth.ScopeRequests, g.handleVoiceStream))
	mux.Handle("GET /api/agents", protect(auth.ScopeRequests, g.handleListAgents))
	mux.Handle("GET /api/sessions", protect(auth.ScopeRequests, g.handleListSessions))
	mux.Handle("GET /api/sessions/{id}", protect(auth.ScopeRequests, g.handleGetSession))
	mux.Handle("GET /api/sessions/{id}/events", protect(auth.ScopeRequests, g.handleSessionEvents))

	mux.Handle("GET /api/agents/{id}/logs", protect(auth.ScopeAdmin, g.handleAgentLogs))
	mux.Handle("POST /api/sessions/{id}/handoff", protect(auth.ScopeAdmin, g.handleHandoff))
	mux.Handle("GET /api/requests", protect(auth.ScopeAdmin, g.handleListRequests))
	mux.Handle("GET /api/requests/{id}", protect(auth.ScopeAdmin, g.handleGetRequest))

	return mux
}

// Handler returns the HTTP handler, for embedding and tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Bridge returns the request bridge.
func (g *Gateway) Bridge() *Bridge {
	return g.bridge
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// startWorkers launches the agent sessions, the conversation sweeper and,
// when configured, the routing file watcher.
func (g *Gateway) startWorkers(ctx context.Context) {
	if g.manager != nil {
		g.manager.Start(ctx)
	}
	g.health.sync()

	go g.conversation.Run(ctx, sweepInterval)

	if g.config.Routing.File != "" && g.config.Routing.Watch {
		watcher := config.NewRoutingWatcher(g.config, g.config.InlineRouting(), g.logger, func(rc config.RoutingConfig) {
			if err := g.router.Update(rc); err != nil {
				g.logger.Warn("routing reload rejected", "error", err)
				return
			}
			g.logger.Info("routing table reloaded")
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				g.logger.Error("routing watcher stopped", "error", err)
			}
		}()
	}
}

// Run starts the gateway and blocks until ctx is canceled or a server
// fails. It returns nil after a graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.startWorkers(workCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()
	cancelWork()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "agent-bridge", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks Funnel, tailnet HTTPS or plain HTTP.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves TLS with Tailscale's provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// drainBackground gives queued email work a short window, then cancels it.
func (g *Gateway) drainBackground(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.background.Wait()
		close(done)
	}()

	timer := time.NewTimer(backgroundDrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		g.bgCancel()
		return
	case <-timer.C:
	case <-ctx.Done():
	}
	g.logger.Warn("canceling unfinished email work")
	g.bgCancel()
	<-done
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops intake first, then in-flight work, then agents and
// storage. Every in-flight request is finalized before the ledger closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	g.drainBackground(ctx)

	if g.manager != nil {
		errs = appendCloseError(errs, "agent shutdown", g.manager.Close())
	}
	g.bridge.Wait(context.Background())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.dedupe.Close()
	g.conversation.Broadcaster().Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("agent-bridge-%d", time.Now().UnixNano()%1000000)
}
