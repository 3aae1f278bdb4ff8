package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-chat/nexus-server/internal/api"
	"github.com/nexus-chat/nexus-server/internal/apierrors"
	"github.com/nexus-chat/nexus-server/internal/auth"
	"github.com/nexus-chat/nexus-server/internal/bus"
	"github.com/nexus-chat/nexus-server/internal/channel"
	"github.com/nexus-chat/nexus-server/internal/config"
	"github.com/nexus-chat/nexus-server/internal/e2ee"
	"github.com/nexus-chat/nexus-server/internal/federation"
	"github.com/nexus-chat/nexus-server/internal/gateway"
	"github.com/nexus-chat/nexus-server/internal/httputil"
	"github.com/nexus-chat/nexus-server/internal/id"
	"github.com/nexus-chat/nexus-server/internal/member"
	"github.com/nexus-chat/nexus-server/internal/message"
	"github.com/nexus-chat/nexus-server/internal/postgres"
	"github.com/nexus-chat/nexus-server/internal/presence"
	"github.com/nexus-chat/nexus-server/internal/ratelimit"
	"github.com/nexus-chat/nexus-server/internal/server"
	"github.com/nexus-chat/nexus-server/internal/user"
	"github.com/nexus-chat/nexus-server/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// srv holds the shared dependencies route handlers and middleware draw on.
type srv struct {
	cfg *config.Config
	db  *pgxpool.Pool
	rdb *redis.Client

	messageHandler    *api.MessageHandler
	typingHandler     *api.TypingHandler
	gatewayHandler    *api.GatewayHandler
	keysHandler       *api.KeysHandler
	encryptedHandler  *api.EncryptedMessageHandler
	federationHandler *api.FederationHandler
	health            *api.HealthHandler

	limiter *ratelimit.Limiter
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Str("node_id", cfg.NodeID).
		Msg("Starting Nexus")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	idGen := id.NewGenerator(cfg.WorkerID)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	eventBus := bus.New(cfg.NodeID, rdb, log.Logger)
	go runWithBackoff(subCtx, "event-bus-relay", eventBus.Run)

	userRepo := user.NewPGRepository(db, log.Logger, idGen)
	serverRepo := server.NewPGRepository(db, log.Logger, idGen)
	channelRepo := channel.NewPGRepository(db, log.Logger, idGen)
	memberRepo := member.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger, idGen, channelRepo, eventBus)
	e2eeRepo := e2ee.NewPGRepository(db, log.Logger)
	presenceStore := presence.NewStore(rdb)

	e2eeStore := e2ee.NewStore(e2eeRepo, channelRepo, idGen, eventBus, log.Logger)

	messageSweeper := message.NewSweeper(db, log.Logger, eventBus, 0)
	go runWithBackoff(subCtx, "message-outbox-sweeper", messageSweeper.Run)

	// Federation: load (or derive) this node's signing key, then wire
	// verification, inbound acceptance, and the outbound send loop
	// (spec.md §4.5, §4.6).
	federationRepo := federation.NewPGRepository(db, idGen, log.Logger)

	var signingKey *federation.SigningKey
	if cfg.FederationSigningSeed != "" {
		seed, decodeErr := hex.DecodeString(cfg.FederationSigningSeed)
		if decodeErr != nil {
			return fmt.Errorf("decode FEDERATION_SIGNING_SEED: %w", decodeErr)
		}
		signingKey, err = federation.NewSigningKeyFromSeed(cfg.FederationKeyID, seed, time.Now())
	} else {
		log.Warn().Msg("FEDERATION_SIGNING_SEED is not set. A fresh signing key will be generated on every restart.")
		signingKey, err = federation.NewSigningKey(cfg.FederationKeyID, time.Now())
	}
	if err != nil {
		return fmt.Errorf("create federation signing key: %w", err)
	}
	if err := federationRepo.SaveKey(ctx, federation.VerifyKey{
		ServerName: cfg.ServerName,
		KeyID:      signingKey.KeyID,
		PublicKey:  []byte(signingKey.Public),
		ValidUntil: signingKey.ExpiresAt.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("save own federation key: %w", err)
	}

	signer := federation.NewSigner(cfg.ServerName, signingKey)
	keyCache := federation.NewValkeyKeyCache(rdb)
	keyFetcher := federation.NewHTTPKeyFetcher(func(serverName string) string {
		servers, err := federationRepo.ListServers(ctx)
		if err != nil {
			return ""
		}
		for _, s := range servers {
			if s.ServerName == serverName {
				return s.BaseURL
			}
		}
		return ""
	})
	verifier := federation.NewVerifier(keyCache, keyFetcher, nil)
	rooms := federation.NewChannelRoomResolver(channelRepo)
	inbox := federation.NewInbox(federationRepo, verifier, rooms, eventBus, cfg.ServerName, log.Logger)
	sender := federation.NewSender(federationRepo, signer, log.Logger)

	if cfg.FederationEnabled {
		go runWithBackoff(subCtx, "federation-sender", func(ctx context.Context) error {
			return runFederationSender(ctx, sender, federationRepo, cfg.FederationSendInterval, log.Logger)
		})
	}

	sessionStore := gateway.NewSessionStore(rdb, cfg.GatewaySessionTTL, cfg.GatewayReplayBufferSize)
	gatewayHub := gateway.NewHub(eventBus, cfg, sessionStore, userRepo, serverRepo, channelRepo, memberRepo, presenceStore, log.Logger)

	limiter := ratelimit.New(rdb, ratelimit.DefaultConfigs, log.Logger)

	app := fiber.New(fiber.Config{
		AppName:   "Nexus",
		BodyLimit: cfg.BodyLimitBytes(),
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierrors.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/api/v1/health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	s := &srv{
		cfg:               cfg,
		db:                db,
		rdb:               rdb,
		messageHandler:    api.NewMessageHandler(messageRepo, channelRepo, log.Logger),
		typingHandler:     api.NewTypingHandler(presenceStore, eventBus, log.Logger),
		gatewayHandler:    api.NewGatewayHandler(gatewayHub),
		keysHandler:       api.NewKeysHandler(e2eeStore, e2eeRepo, log.Logger),
		encryptedHandler:  api.NewEncryptedMessageHandler(e2eeStore, log.Logger),
		federationHandler: api.NewFederationHandler(inbox, federationRepo, channelRepo, signer, cfg.ServerName, cfg.ServerURL, log.Logger),
		health:            &api.HealthHandler{DB: db, Redis: rdb},
		limiter:           limiter,
	}
	s.registerRoutes(app)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		gatewayHub.Shutdown()

		if cfg.FederationEnabled {
			drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
			drainFederationOutbox(drainCtx, sender, federationRepo, log.Logger)
			drainCancel()
		}

		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Debug().
		Uint64("alloc_mb", mem.Alloc/1024/1024).
		Uint64("sys_mb", mem.Sys/1024/1024).
		Uint64("heap_inuse_mb", mem.HeapInuse/1024/1024).
		Uint64("stack_inuse_mb", mem.StackInuse/1024/1024).
		Uint32("num_gc", mem.NumGC).
		Msg("Runtime memory stats")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *srv) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.cfg.JWTSecret, s.cfg.ServerURL)

	app.Get("/api/v1/health", s.health.Health)

	// Message routes (spec.md §6).
	channelGroup := app.Group("/api/v1/channels", requireAuth)
	channelGroup.Get("/:channelID/messages",
		ratelimit.Middleware(s.limiter, ratelimit.ClassChannelRead), s.messageHandler.ListMessages)
	channelGroup.Post("/:channelID/messages",
		ratelimit.Middleware(s.limiter, ratelimit.ClassMessageSend), s.messageHandler.CreateMessage)
	channelGroup.Post("/:channelID/messages/encrypted",
		ratelimit.Middleware(s.limiter, ratelimit.ClassMessageSend), s.encryptedHandler.Send)
	channelGroup.Post("/:channelID/typing",
		ratelimit.Middleware(s.limiter, ratelimit.ClassPresence), s.typingHandler.StartTyping)
	channelGroup.Delete("/:channelID/typing",
		ratelimit.Middleware(s.limiter, ratelimit.ClassPresence), s.typingHandler.StopTyping)

	messageGroup := app.Group("/api/v1/messages", requireAuth)
	messageGroup.Patch("/:messageID", s.messageHandler.EditMessage)
	messageGroup.Delete("/:messageID", s.messageHandler.DeleteMessage)

	// End-to-end encryption key management (spec.md §4.7).
	keysGroup := app.Group("/api/v1/keys", requireAuth, ratelimit.Middleware(s.limiter, ratelimit.ClassAuth))
	keysGroup.Post("/devices", s.keysHandler.RegisterDevice)
	keysGroup.Post("/devices/prekeys", s.keysHandler.PublishOneTimePreKeys)
	keysGroup.Post("/claim", s.keysHandler.ClaimBundle)

	// Gateway WebSocket endpoint (unauthenticated at the HTTP layer;
	// authentication happens inside the socket via Identify/Resume).
	app.Get("/gateway", s.gatewayHandler.Upgrade)

	// Server-to-server federation surface (spec.md §4.5, §4.6, §6).
	fedGroup := app.Group("/_nexus/federation/v1",
		ratelimit.Middleware(s.limiter, ratelimit.ClassFederationInbound))
	fedGroup.Put("/send/:txnID", s.federationHandler.Send)
	fedGroup.Get("/event/:eventID", s.federationHandler.Event)
	fedGroup.Get("/backfill/:roomID", s.federationHandler.Backfill)
	fedGroup.Post("/get_missing_events/:roomID", s.federationHandler.GetMissingEvents)
	fedGroup.Get("/make_join/:roomID/:userID", s.federationHandler.MakeJoin)
	fedGroup.Put("/send_join/:roomID/:eventID", s.federationHandler.SendJoin)

	app.Get("/.well-known/nexus/server", s.federationHandler.WellKnown)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// runFederationSender periodically drains the outbound federation queue for
// every server this node has exchanged traffic with (spec.md §4.6). A
// single ticker sweeping all known destinations is sufficient at the scale
// this deployment targets; a busier cluster would shard this per
// destination instead.
func runFederationSender(ctx context.Context, sender *federation.Sender, repo federation.Repository, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			drainFederationOutbox(ctx, sender, repo, logger)
		}
	}
}

// drainFederationOutbox runs one drain pass across every known destination.
// Used both by the periodic sender loop and, with a bounded context, by the
// shutdown sequence to flush what it can before the process exits.
func drainFederationOutbox(ctx context.Context, sender *federation.Sender, repo federation.Repository, logger zerolog.Logger) {
	servers, err := repo.ListServers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("federation sender: list servers failed")
		return
	}
	for _, dest := range servers {
		if err := sender.DrainOnce(ctx, dest.ServerName, dest.BaseURL); err != nil {
			logger.Warn().Err(err).Str("destination", dest.ServerName).Msg("federation sender: drain failed")
		}
	}
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest protocol
// error code.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierrors.NotFound
	case fiber.StatusMethodNotAllowed:
		return apierrors.ValidationError
	case fiber.StatusTooManyRequests:
		return apierrors.RateLimited
	case fiber.StatusRequestEntityTooLarge:
		return apierrors.PayloadTooLarge
	case fiber.StatusServiceUnavailable:
		return apierrors.ServiceUnavailable
	default:
		if status >= 400 && status < 500 {
			return apierrors.ValidationError
		}
		return apierrors.InternalError
	}
}
