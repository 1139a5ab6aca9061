package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/carat-studio/internal/api"
	"github.com/ashureev/carat-studio/internal/chatws"
	"github.com/ashureev/carat-studio/internal/config"
	"github.com/ashureev/carat-studio/internal/dialog"
	"github.com/ashureev/carat-studio/internal/execution"
	"github.com/ashureev/carat-studio/internal/identity"
	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/llm"
	"github.com/ashureev/carat-studio/internal/mask"
	"github.com/ashureev/carat-studio/internal/metrics"
	"github.com/ashureev/carat-studio/internal/middleware"
	"github.com/ashureev/carat-studio/internal/onboarding"
	"github.com/ashureev/carat-studio/internal/orchestrator"
	"github.com/ashureev/carat-studio/internal/router"
	"github.com/ashureev/carat-studio/internal/safety"
	"github.com/ashureev/carat-studio/internal/session"
	"github.com/ashureev/carat-studio/internal/store"
	"github.com/ashureev/carat-studio/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and WebSocket chat server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				slog.Error("Failed to load configuration", "error", err)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "image_backend", cfg.Execution.ImageBackend)

	lex, err := lexicon.Load(cfg.LexiconPath)
	if err != nil {
		return fmt.Errorf("load lexicon: %w", err)
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	images, err := execution.NewImageStore(cfg.OutputDir, execution.DefaultURLPrefix)
	if err != nil {
		return err
	}

	m := metrics.New()
	sessions := session.NewStore()
	session.StartJanitor(ctx, sessions, session.JanitorConfig{
		Interval:   cfg.Session.SweepInterval,
		PendingTTL: cfg.Session.PendingTTL,
		IdleTTL:    cfg.Session.IdleTTL,
	}, logger)

	var chat llm.Completer
	if cfg.OpenAI.APIKey != "" {
		c, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.ChatModel,
			Timeout: cfg.OpenAI.ClientTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize language model: %w", err)
		}
		chat = c
	} else {
		slog.Info("OPENAI_API_KEY not set, routing with the lexicon only")
	}

	tools, err := newImageTools(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runtime, closeRuntime, err := newAgentRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRuntime()

	channel, err := mask.ParseChannel(cfg.Execution.MaskChannel)
	if err != nil {
		return err
	}
	maskOpts := mask.DefaultOptions()
	maskOpts.Channel = channel
	maskOpts.Threshold = uint8(cfg.Execution.MaskThreshold)

	strategy := execution.NewStrategy(runtime, tools, images, execution.Config{
		Timeout:  cfg.Execution.Timeout,
		Mask:     maskOpts,
		Observer: m,
	}, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Router: router.New(lex, chat, cfg.Router.ConfidenceThreshold, logger),
		Dialog: dialog.NewManager(lex, dialog.Config{
			Defaults: dialog.Defaults{
				Subject:    cfg.Dialog.DefaultSubject,
				Style:      cfg.Dialog.DefaultStyle,
				Pose:       cfg.Dialog.DefaultPose,
				Background: cfg.Dialog.DefaultBackground,
				Mood:       cfg.Dialog.DefaultMood,
			},
			Size: cfg.Dialog.ImageSize,
		}),
		Onboarding: onboarding.NewService(lex),
		Safety:     safety.NewFilter(lex),
		Sessions:   sessions,
		Executor:   strategy,
		Images:     images,
		Repo:       repo,
		Chat:       chat,
		Observer:   m,
	}, logger)

	limiter := api.NewRateLimiter(ctx, cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
	apiHandler := api.NewHandler(orch, repo, sessions, limiter, api.Options{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		KeepAlive:      cfg.HTTP.KeepAlive,
	}, logger)
	// Base64 inflates uploads by a third.
	wsHandler := chatws.NewHandler(orch, limiter, cfg.CORSOrigins, cfg.IsDevelopment(), cfg.HTTP.MaxUploadBytes*4/3+4096, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	api.NewHealthHandler(map[string]api.Pinger{"database": repo}).RegisterHealth(r)
	r.Handle("/metrics", m.Handler())
	r.Handle("/outputs/*", http.StripPrefix("/outputs/", http.FileServer(http.Dir(images.Dir()))))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	r.Handle("/*", web.SPAHandler())

	// SSE turns can outlast any write timeout; keepalives hold them open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("Server stopped successfully")
	return nil
}

// newImageTools builds the direct fallback backend. A missing key leaves
// the fallback without tools; tasks then fail with an external API error.
func newImageTools(ctx context.Context, cfg *config.Config, logger *slog.Logger) (execution.ImageTools, error) {
	switch cfg.Execution.ImageBackend {
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			slog.Warn("GEMINI_API_KEY not set, direct image backend disabled")
			return nil, nil
		}
		t, err := execution.NewGeminiTools(ctx, execution.GeminiConfig{
			APIKey:  cfg.Gemini.APIKey,
			BaseURL: cfg.Gemini.BaseURL,
			Model:   cfg.Gemini.Model,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize gemini image tools: %w", err)
		}
		return t, nil
	default:
		client, err := llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		if errors.Is(err, llm.ErrNoAPIKey) {
			slog.Warn("OPENAI_API_KEY not set, direct image backend disabled")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return execution.NewOpenAITools(client, cfg.OpenAI.ImageModel, cfg.OpenAI.EditModel, logger), nil
	}
}

// newAgentRuntime dials the primary agent when one is configured. A dial
// failure is not fatal: tasks go straight to the fallback path.
func newAgentRuntime(cfg *config.Config, logger *slog.Logger) (execution.Runtime, func(), error) {
	kind, err := execution.ParseRuntimeKind(cfg.Execution.AgentRuntime)
	if err != nil {
		return nil, nil, err
	}
	if kind == execution.RuntimeNone {
		slog.Info("Agent runtime disabled, using direct image tools")
		return nil, func() {}, nil
	}

	slog.Info("Connecting to image agent via gRPC", "address", cfg.Execution.AgentAddr, "runtime", kind)
	conn, err := execution.Dial(execution.DefaultGrpcConfig(cfg.Execution.AgentAddr), logger)
	if err != nil {
		slog.Warn("Image agent unavailable, falling back to direct image tools", "error", err)
		return nil, func() {}, nil
	}
	closeConn := func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("Failed to close gRPC connection", "error", closeErr)
		}
	}
	runtime, err := execution.NewRuntime(kind, conn)
	if err != nil {
		closeConn()
		return nil, nil, err
	}
	return runtime, closeConn, nil
}
