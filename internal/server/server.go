// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"fmt"
	"time"

	_ "chatterbox/docs" // swagger docs
	"chatterbox/internal/cache"
	"chatterbox/internal/config"
	"chatterbox/internal/database"
	"chatterbox/internal/events"
	"chatterbox/internal/featureflags"
	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/notifications"
	"chatterbox/internal/repository"
	"chatterbox/internal/service"
	"chatterbox/internal/storage"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const serviceName = "chatterbox-api"

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	store        *repository.Store
	files        storage.AttachmentStore
	events       events.Publisher
	featureFlags *featureflags.Manager
	presence     *notifications.Presence
	fanout       *notifications.Fanout

	chatService        *service.ChatService
	userService        *service.UserService
	requestService     *service.RequestService
	preferencesService *service.PreferencesService
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	return NewServerWithDeps(cfg, db, cache.GetClient())
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this when a bootstrap layer establishes DB/Redis and optionally
// performs explicit seeding.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	// The read-through caches use the package client.
	cache.SetClient(redisClient)
	s := newServer(cfg, db, redisClient, attachmentStore(cfg), eventPublisher(cfg))
	s.promMiddleware = middleware.InitMetrics(serviceName)
	return s, nil
}

// newServer wires services without process-global side effects such as
// Prometheus registration.
func newServer(cfg *config.Config, db *gorm.DB, rdb *redis.Client, files storage.AttachmentStore, pub events.Publisher) *Server {
	store := repository.NewStore(db)
	flags := featureflags.NewManager(cfg.FeatureFlags)

	presence := notifications.NewPresence(notifications.PresenceConfig{
		Redis:        rdb,
		Status:       store.Users,
		OfflineGrace: time.Duration(cfg.OfflineGraceSeconds) * time.Second,
	})
	fanout := notifications.NewFanout(presence, notifications.NewNotifier(rdb))

	s := &Server{
		config:       cfg,
		db:           db,
		redis:        rdb,
		store:        store,
		files:        files,
		events:       pub,
		featureFlags: flags,
		presence:     presence,
		fanout:       fanout,
	}
	s.chatService = service.NewChatService(service.ChatConfig{
		Store:       store,
		Files:       files,
		Broadcaster: fanout,
		Events:      pub,
		Flags:       flags,
	})
	s.userService = service.NewUserService(store, rdb, cfg.JWTSecret)
	s.requestService = service.NewRequestService(store, s.chatService, fanout)
	s.preferencesService = service.NewPreferencesService(store)
	return s
}

// attachmentStore selects MinIO when an S3 endpoint is configured.
func attachmentStore(cfg *config.Config) storage.AttachmentStore {
	if cfg.S3Endpoint == "" {
		return storage.NoopStore{}
	}
	store, err := storage.NewMinioStore(storage.Options{
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UseSSL:        cfg.S3UseSSL,
		Logger:        middleware.Logger,
	})
	if err != nil {
		middleware.Logger.Error("attachment storage unavailable, uploads disabled", "endpoint", cfg.S3Endpoint, "error", err)
		return storage.NoopStore{}
	}
	return store
}

// eventPublisher connects the Kafka event stream when the flag is on and
// brokers are configured.
func eventPublisher(cfg *config.Config) events.Publisher {
	flags := featureflags.NewManager(cfg.FeatureFlags)
	brokers := cfg.KafkaBrokerList()
	if !flags.On(featureflags.EventStream) || len(brokers) == 0 {
		return events.Noop{}
	}
	pub, err := events.NewKafkaPublisher(brokers, cfg.KafkaTopic)
	if err != nil {
		middleware.Logger.Error("event stream unavailable", "brokers", cfg.KafkaBrokers, "error", err)
		return events.Noop{}
	}
	return pub
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New())

	app.Use(middleware.StructuredLogger())

	// CORS runs before anything that can short-circuit so error responses
	// still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400, // 24 hours
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	// Health checks
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "Chatterbox Metrics Dashboard",
	}))

	api.Get("/swagger/*", swagger.HandlerDefault)

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/signup", middleware.RateLimit(
		s.redis, 3, 10*time.Minute, "signup"), s.Signup)
	auth.Post("/login", middleware.RateLimit(
		s.redis, 10, 5*time.Minute, "login"), s.Login)
	auth.Post("/logout", s.AuthRequired(), s.Logout)

	// Websocket upgrade authenticates with a ticket, not a bearer token.
	api.Get("/ws", s.WebSocketAuth(), s.WebSocketHandler())

	protected := api.Group("", s.AuthRequired())
	protected.Post("/ws/ticket", s.IssueWSTicket)
	protected.Get("/feature-flags", s.GetFeatureFlags)

	users := protected.Group("/users")
	users.Get("/me", s.GetMyProfile)
	users.Put("/me", s.UpdateMyProfile)
	users.Get("/search", middleware.RateLimit(
		s.redis, 30, time.Minute, "user_search"), s.SearchUsers)
	users.Get("/:id", s.GetUserProfile)

	requests := protected.Group("/requests")
	requests.Get("/", s.GetIncomingRequests)
	requests.Post("/:requestId/accept", s.AcceptRequest)
	requests.Post("/:requestId/reject", s.RejectRequest)
	requests.Post("/:userId", middleware.RateLimit(
		s.redis, 10, 5*time.Minute, "chat_request"), s.SendRequest)

	// Specific routes before the generic /:id ones
	chats := protected.Group("/chats")
	chats.Get("/", s.GetMyChats)
	chats.Get("/unread", s.GetUnreadSummary)
	chats.Post("/read", s.MarkChatsRead)
	chats.Post("/groups", s.CreateGroup)
	chats.Get("/:id/messages", s.GetMessages)
	chats.Post("/:id/messages", middleware.RateLimit(
		s.redis, 30, time.Minute, "send_message"), s.SendMessage)
	chats.Delete("/:id/messages", s.ClearChat)
	chats.Post("/:id/read", s.MarkChatRead)
	chats.Post("/:id/delivered", s.MarkChatDelivered)
	chats.Post("/:id/block", s.BlockChat)
	chats.Delete("/:id/block", s.UnblockChat)
	chats.Put("/:id/name", s.RenameGroup)
	chats.Put("/:id/info", s.UpdateGroupInfo)
	chats.Post("/:id/members", s.AddGroupMember)
	chats.Delete("/:id/members/:userId", s.RemoveGroupMember)
	chats.Post("/:id/leave", s.LeaveGroup)
	chats.Get("/:id", s.GetChat)
	chats.Delete("/:id", s.DeleteGroup)

	messages := protected.Group("/messages")
	messages.Post("/:id/delete-for-me", s.DeleteMessageForMe)
	messages.Post("/:id/delete-for-everyone", s.DeleteMessageForEveryone)

	prefs := protected.Group("/preferences")
	prefs.Get("/", s.GetPreferences)
	prefs.Patch("/", s.UpdatePreferences)
	prefs.Put("/password", s.ChangePassword)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	// Realtime tickets and cross-process fan-out need Redis.
	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"service": serviceName,
		"status":  overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"online_sessions": len(s.presence.OnlineUsers(ctx)),
		"time":            time.Now(),
	})
}

// newApp builds the Fiber application with middleware and routes.
func (s *Server) newApp() *fiber.App {
	bodyLimit := 4 << 20
	if s.config.MaxUploadMB > 0 {
		if perMessage := (s.config.MaxUploadMB*models.MaxAttachmentsPerMessage + 1) << 20; perMessage > bodyLimit {
			bodyLimit = perMessage
		}
	}

	app := fiber.New(fiber.Config{
		AppName:   "Chatterbox API",
		BodyLimit: bodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", "path", c.Path(), "error", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err), !s.config.IsProduction())
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	s.app = s.newApp()

	go func() {
		if err := s.fanout.Start(s.shutdownCtx); err != nil {
			middleware.Logger.Error("realtime fan-out subscriber stopped", "error", err)
		}
	}()

	middleware.Logger.Info("server starting", "port", s.config.Port, "env", s.config.Env)
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Stops the fan-out subscriber
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", "error", err)
		}
	}

	if err := s.presence.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error closing websocket sessions", "error", err)
	}

	// Pending attachment deletes finish before the process exits.
	s.chatService.Messages().WaitRemote()

	if err := s.events.Close(); err != nil {
		middleware.Logger.Error("error closing event stream", "error", err)
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", "error", cerr)
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", "error", rerr)
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
