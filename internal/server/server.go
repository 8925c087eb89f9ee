// Package server is the composition root: it opens the stores, builds every
// component, mounts the routes and runs the HTTP server until a signal
// arrives.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/config"
	"github.com/sakif/cosmicfire/internal/graph"
	"github.com/sakif/cosmicfire/internal/handler"
	"github.com/sakif/cosmicfire/internal/messaging"
	"github.com/sakif/cosmicfire/internal/middleware"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/position"
	"github.com/sakif/cosmicfire/internal/presence"
	"github.com/sakif/cosmicfire/internal/realtime"
	"github.com/sakif/cosmicfire/internal/repository"
	"github.com/sakif/cosmicfire/internal/repository/postgres"
	"github.com/sakif/cosmicfire/internal/repository/redisstore"
	sqliteRepo "github.com/sakif/cosmicfire/internal/repository/sqlite"
	"github.com/sakif/cosmicfire/internal/session"
)

// Deps are the externally owned pieces a Server is built from. New fills
// them from configuration; tests supply their own.
type Deps struct {
	Store     repository.Store
	Cooldowns repository.CooldownStore // nil means Store
	Providers []auth.Provider
	Clock     clock.Clock // nil means clock.Real
}

type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	store    repository.Store
	redis    *redis.Client
	feed     *realtime.Feed
	hub      *realtime.Hub
	sessions *session.Coordinator
	sweeper  *presence.Sweeper
	throttle *middleware.Throttle
	tokens   *auth.TokenService
}

// OpenStore connects to the configured relational backend and migrates it.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.URL)
	case "sqlite", "":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return sqliteRepo.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// New builds a server from configuration: database, optional Redis cooldown
// store and the enabled identity providers.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	deps := Deps{Store: store}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		deps.Cooldowns = redisstore.NewCooldown(rdb, cfg.Redis.Prefix)
	}

	if cfg.Auth.Google.Enabled() {
		g := cfg.Auth.Google
		deps.Providers = append(deps.Providers, auth.NewGoogleProvider(g.ClientID, g.ClientSecret, g.CallbackURL))
	}
	if cfg.Auth.GitHub.Enabled() {
		g := cfg.Auth.GitHub
		deps.Providers = append(deps.Providers, auth.NewGitHubProvider(g.ClientID, g.ClientSecret, g.CallbackURL))
	}
	if len(deps.Providers) == 0 {
		logger.Warn("no identity provider configured, sign-in is disabled")
	}

	s, err := NewWithDeps(cfg, deps, logger)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		store.Close()
		return nil, err
	}
	s.redis = rdb
	return s, nil
}

// NewWithDeps wires every component around deps.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	cooldowns := deps.Cooldowns
	if cooldowns == nil {
		cooldowns = deps.Store
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		var err error
		if secret, err = ephemeralSecret(); err != nil {
			return nil, err
		}
		logger.Warn("JWT_SECRET not set, using an ephemeral secret; sessions will not survive a restart")
	}
	tokens, err := auth.NewTokenService(secret, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return nil, err
	}
	serviceKey, err := auth.NewServiceKey(cfg.Auth.ServiceKeyHash)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		store:  deps.Store,
		tokens: tokens,
		feed:   realtime.NewFeed(realtime.DefaultBuffer, logger),
	}

	channel := messaging.NewChannel(deps.Store, cooldowns, s.feed, clk, messaging.Config{
		Cooldown:        cfg.Messages.Cooldown.Duration,
		TooltipDuration: cfg.Messages.TooltipDuration.Duration,
		MaxLength:       cfg.Messages.MaxLength,
		HistoryLimit:    cfg.Messages.HistoryLimit,
	}, logger)
	relationships := graph.NewService(deps.Store, deps.Store, s.feed, clk, logger)

	s.sessions = session.NewCoordinator(deps.Store, deps.Store, channel, s.feed, clk, session.Config{
		Position: position.Config{
			MinRadius:   cfg.Position.MinRadius,
			MaxRadius:   cfg.Position.MaxRadius,
			MinDistance: cfg.Position.MinDistance,
			Attempts:    cfg.Position.Attempts,
		},
	}, nil, logger)
	s.hub = realtime.NewHub(logger, s.sessions.Disconnect)

	s.sweeper = presence.NewSweeper(deps.Store, clk, presence.SweepConfig{
		OfflineAfter: cfg.Presence.OfflineAfter.Duration,
		StaleAfter:   cfg.Presence.StaleAfter.Duration,
		Interval:     cfg.Presence.SweepInterval.Duration,
	}, logger, func(presence.SweepResult) {
		// bulk change: observers re-poll
		s.feed.Publish(model.Change{Table: model.TableUserProfiles, Event: model.EventUpdate})
	})

	s.throttle = middleware.NewThrottle(cfg.Throttle.RequestsPerSecond, cfg.Throttle.Burst, 10*time.Minute, logger)

	s.setupRoutes(routeDeps{
		auth:          handler.NewAuthHandler(deps.Providers, s.sessions, tokens, deps.Store, cfg.Auth.SecureCookie, logger),
		presence:      handler.NewPresenceHandler(deps.Store, s.sessions, logger),
		messages:      handler.NewMessageHandler(channel, logger),
		relationships: handler.NewRelationshipHandler(relationships, logger),
		realtime: handler.NewRealtimeHandler(s.hub, s.feed, deps.Store, channel, s.sessions, clk, realtime.ObserverConfig{
			PollInterval:   cfg.Presence.PollInterval.Duration,
			Highlight:      cfg.Presence.Highlight.Duration,
			SeedLimit:      cfg.Messages.HistoryLimit,
			ResubscribeMin: realtime.DefaultObserverConfig().ResubscribeMin,
			ResubscribeMax: realtime.DefaultObserverConfig().ResubscribeMax,
		}, logger),
		admin:      handler.NewAdminHandler(s.sweeper, deps.Store, s.feed, clk, logger),
		serviceKey: serviceKey,
	})
	return s, nil
}

type routeDeps struct {
	auth          *handler.AuthHandler
	presence      *handler.PresenceHandler
	messages      *handler.MessageHandler
	relationships *handler.RelationshipHandler
	realtime      *handler.RealtimeHandler
	admin         *handler.AdminHandler
	serviceKey    *auth.ServiceKey
}

// setupRoutes mounts the middleware chain and every endpoint.
//
// Middleware order: RequestID → RealIP → Logger → Recoverer → Throttle. RealIP
// must run before Throttle so limits are keyed by the client, not the proxy.
func (s *Server) setupRoutes(d routeDeps) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(s.throttle.Handler)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/{provider}/login", d.auth.HandleLogin)
		r.Get("/{provider}/callback", d.auth.HandleCallback)
		r.With(auth.RequireAuth(s.tokens, s.sessions)).Post("/logout", d.auth.HandleLogout)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(s.tokens, s.sessions))

		r.Get("/me", d.auth.HandleMe)
		r.Post("/me/heartbeat", d.auth.HandleHeartbeat)

		r.Get("/users", d.presence.HandleUsers)
		r.Get("/presence", d.presence.HandlePresence)
		r.Get("/positions", d.presence.HandlePositions)

		r.Post("/messages", d.messages.HandleSend)
		r.Get("/messages/history", d.messages.HandleHistory)
		r.Get("/messages/recent", d.messages.HandleRecent)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/relationship", d.relationships.HandleStatus)
			r.Post("/follow", d.relationships.HandleFollow)
			r.Delete("/follow", d.relationships.HandleUnfollow)
			r.Post("/block", d.relationships.HandleBlock)
			r.Delete("/block", d.relationships.HandleUnblock)
			r.Get("/followers", d.relationships.HandleFollowers)
			r.Get("/following", d.relationships.HandleFollowing)
			r.Get("/friends", d.relationships.HandleFriends)
		})

		r.Get("/realtime", d.realtime.HandleRealtime)
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireServiceKey(d.serviceKey))
		r.Post("/sweep", d.admin.HandleSweep)
		r.Post("/users/offline", d.admin.HandleMarkOffline)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}` + "\n"))
		return
	}
	w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions exposes the coordinator, mainly for tests.
func (s *Server) Sessions() *session.Coordinator {
	return s.sessions
}

// Tokens exposes the token service, mainly for tests.
func (s *Server) Tokens() *auth.TokenService {
	return s.tokens
}

// Start serves HTTP until SIGINT/SIGTERM, then shuts down in order: open
// WebSockets are told to close, in-flight requests get 30 seconds, the
// sweeper stops, and finally the stores are closed.
func (s *Server) Start() error {
	defer s.Close()

	// cancelled on shutdown so long-lived WebSocket handlers return
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	s.sweeper.Start()
	defer s.sweeper.Stop()

	stopPrune := make(chan struct{})
	defer close(stopPrune)
	go s.pruneThrottle(stopPrune)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.cfg.Port)),
			slog.String("database", s.cfg.Database.Driver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancelBase()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

func (s *Server) pruneThrottle(stop <-chan struct{}) {
	ticker := s.clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if n := s.throttle.Prune(); n > 0 {
				s.logger.Debug("throttle visitors pruned", slog.Int("count", n))
			}
		}
	}
}

// Close releases the feed and the stores. Start calls it on the way out.
func (s *Server) Close() error {
	s.feed.Close()
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

func ephemeralSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
