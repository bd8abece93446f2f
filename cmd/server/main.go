package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentforms/formchat/internal/config"
	"github.com/agentforms/formchat/internal/database"
	"github.com/agentforms/formchat/internal/handler"
	"github.com/agentforms/formchat/internal/jobs"
	"github.com/agentforms/formchat/internal/lock"
	"github.com/agentforms/formchat/internal/middleware"
	"github.com/agentforms/formchat/internal/pubsub"
	"github.com/agentforms/formchat/internal/redis"
	"github.com/agentforms/formchat/internal/repository"
	"github.com/agentforms/formchat/internal/repository/memory"
	"github.com/agentforms/formchat/internal/service"
	"github.com/agentforms/formchat/internal/util"
)

// stores groups the repositories of the selected backend.
type stores struct {
	agents      repository.AgentRepository
	visitors    repository.VisitorRepository
	sessions    repository.SessionRepository
	messages    repository.MessageRepository
	fieldValues repository.FieldValueRepository
	ping        handler.Pinger
	close       func()
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err == nil {
		log.Info().Msg("loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	st := openStores(cfg)
	defer st.close()

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	broker := pubsub.NewBroker(redisClient, cfg.SubscriberBuffer)

	var locker lock.Locker
	if cfg.LockBackend == config.LockBackendLocal {
		locker = lock.NewLocalLocker()
	} else {
		locker = lock.NewRedisLocker(redisClient.Client)
	}

	var ipSealer *util.Sealer
	if cfg.EncryptionKey != "" {
		ipSealer, err = util.NewSealer(cfg.EncryptionKey, service.VisitorIPPurpose)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid encryption key")
		}
	}

	agentCatalog := service.NewAgentCatalog(st.agents)
	visitorService := service.NewVisitorService(st.visitors, ipSealer, cfg.ConsentVersion)
	sessionService := service.NewSessionService(st.sessions, st.visitors, st.agents, st.fieldValues, locker, broker)
	messageService := service.NewMessageService(st.messages, st.sessions, broker)
	orchestrator := service.NewCompletionOrchestrator(st.fieldValues, st.agents, sessionService)
	fieldService := service.NewFieldService(st.fieldValues, st.sessions, st.agents, sessionService, orchestrator)
	conversationService := service.NewConversationService(
		agentCatalog, sessionService, messageService, fieldService,
		service.NewFieldValidator(), service.NewPromptResponder(), cfg.ResponderTimeout(),
	)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	publicRateLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		rateLimiter, cfg.PublicRateLimitPerMin, config.PublicRateLimitWindow, "public",
	)
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminPasswordHash)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	requestTimeout := chimiddleware.Timeout(config.ServerRequestTimeout)

	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"store": st.ping,
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	agentHandler := handler.NewAgentHandler(agentCatalog)
	visitorHandler := handler.NewVisitorHandler(visitorService)
	sessionHandler := handler.NewSessionHandler(conversationService, sessionService, messageService, fieldService)
	eventsHandler := handler.NewEventsHandler(messageService, sessionService)
	wsHandler := handler.NewWebSocketHandler(messageService, sessionService, cfg.WSOriginPatterns)
	adminHandler := handler.NewAdminHandler(sessionService, messageService, fieldService, visitorService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(publicRateLimitMiddleware.Handler)

			r.With(requestTimeout).Mount("/agents", agentHandler.Routes())
			r.With(requestTimeout).Mount("/visitors", visitorHandler.Routes())

			// Streams stay open for the life of the session and skip the request timeout.
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/{sessionId}/events", eventsHandler.ServeHTTP)
				r.Get("/{sessionId}/ws", wsHandler.ServeHTTP)
				r.With(requestTimeout).Mount("/", sessionHandler.Routes())
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(securityHeadersMiddleware.Handler)
			r.Use(adminAuthMiddleware.Handler)
			r.Use(requestTimeout)
			r.Mount("/", adminHandler.Routes())
		})
	})

	abandonJob := jobs.NewAbandonJob(sessionService, cfg.AbandonAfter(), cfg.AbandonCheckInterval())
	abandonJob.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("store", cfg.StoreBackend).
			Str("lock", cfg.LockBackend).
			Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Closing the broker first ends open streams so Shutdown does not wait on them.
	broker.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := conversationService.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("responder calls still running at shutdown")
	}
	abandonJob.Stop()

	log.Info().Msg("server stopped")
}

func openStores(cfg *config.Config) *stores {
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn().Msg("using in-memory store: data is lost on restart")
		store := memory.NewStore()
		return &stores{
			agents:      store.Agents(),
			visitors:    store.Visitors(),
			sessions:    store.Sessions(),
			messages:    store.Messages(),
			fieldValues: store.FieldValues(),
			ping:        func(context.Context) error { return nil },
			close:       func() {},
		}
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().Msg("database connected")

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		log.Info().Msg("database schema applied")
	}

	return &stores{
		agents:      repository.NewAgentRepository(db.DB),
		visitors:    repository.NewVisitorRepository(db.DB),
		sessions:    repository.NewSessionRepository(db.DB),
		messages:    repository.NewMessageRepository(db.DB),
		fieldValues: repository.NewFieldValueRepository(db.DB),
		ping:        db.Ping,
		close:       func() { db.Close() },
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
