package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prism-board/api"
	"prism-board/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(
		sdktrace.ParentBased(sdktrace.TraceIDRatioBased(envFloat("OTEL_SAMPLE_RATIO", 1))),
	))
	otel.SetTracerProvider(tp)

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	base, closeStore := openStore(connStr, logger)
	defer closeStore()

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))
	defer rc.Close()

	channel := envString("BOARD_CHANNEL", storage.DefaultBoardChannel)
	cache := storage.NewCache(base, rc, envDur("TASKS_CACHE_TTL", time.Minute), channel)
	deduper := api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))

	var events *api.Publisher
	if queue := os.Getenv("EVENTS_QUEUE"); queue != "" {
		if connStr == "" {
			log.Fatal("EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
		}
		sink, err := storage.NewEventQueue(connStr, queue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		events = api.NewPublisher(sink, api.PublisherConfig{
			Workers:        envInt("EVENTS_WORKERS", 4),
			Buffer:         envInt("EVENTS_BUFFER", 1024),
			HandoffTimeout: envDur("EVENTS_HANDOFF_TIMEOUT", 25*time.Millisecond),
			RetryInitial:   envDur("EVENTS_RETRY_INITIAL", 250*time.Millisecond),
			RetryMax:       envDur("EVENTS_RETRY_MAX", 30*time.Second),
			MaxAttempts:    envInt("EVENTS_MAX_ATTEMPTS", 5),
		}, logger)
	}

	auth := newAuth()

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware())

	broker := api.NewBroker()
	svc := api.Services{
		Store:   cache,
		Auth:    auth,
		Deduper: deduper,
		Redis:   rc,
		Broker:  broker,
		Logger:  logger,
	}
	if events != nil {
		svc.Events = events
	}
	api.Register(e, svc)
	go api.SubscribeBoardChanges(ctx, rc, channel, broker, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	if events != nil {
		if err := events.Close(shutdownCtx); err != nil {
			logger.WithError(err).Error("event publisher shutdown")
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("tracer shutdown")
	}
}

func openStore(connStr string, logger *log.Logger) (api.Storage, func()) {
	switch backend := strings.ToLower(envString("STORE_BACKEND", "tables")); backend {
	case "tables":
		tasksTable := os.Getenv("TASKS_TABLE")
		if connStr == "" || tasksTable == "" {
			log.Fatal("missing storage config")
		}
		s, err := storage.NewTables(connStr, tasksTable, envInt("MOVE_MAX_ATTEMPTS", 5), logger)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return s, func() {}
	case "sqlite":
		s, err := storage.OpenSQLite(envString("SQLITE_PATH", "board.db"))
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return s, func() { _ = s.Close() }
	default:
		log.Fatalf("unsupported STORE_BACKEND %q", backend)
		return nil, nil
	}
}

func newAuth() *api.Auth {
	cacheTTL := envDur("JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL)
	if mode := strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")); mode != "" {
		if mode != "hs256" {
			log.Fatalf("unsupported LOCAL_AUTH_MODE %q", mode)
		}
		secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			log.Fatal("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		log.Warn("local HS256 authentication enabled")
		return api.NewAuth(api.AuthConfig{SharedSecret: []byte(secret), KeyCacheTTL: cacheTTL})
	}

	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      "https://" + domain + "/",
		KeyCacheTTL: cacheTTL,
	})
}
