/**
 * @description
 * This is the main entry point for the kiosk backend. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, external API clients, message brokers, repositories,
 * the application services, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/faceclient, pkg/processorclient, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/api"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/app"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/config"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/faceclient"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/processorclient"
	rmrabbit "github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting kiosk backend\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish audit and transaction events.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment processor client.
	processor := processorclient.NewClient(processorclient.Config{
		BaseURL:      cfg.ProcessorAPIBaseURL,
		TokenURL:     cfg.ProcessorTokenURL,
		ClientID:     cfg.ProcessorClientID,
		ClientSecret: cfg.ProcessorClientSecret,
		Timeout:      30 * time.Second,
	})

	// Initialize the face verification client. Missing config is tolerated:
	// the auth flow degrades per FACE_FACTOR_POLICY.
	var face app.FaceVerifier
	if strings.TrimSpace(cfg.FaceServiceURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"face service url missing; face factor disabled\" env=FACE_SERVICE_URL")
	} else {
		face = faceclient.NewClient(cfg.FaceServiceURL, 10*time.Second)
	}

	// Optional Redis: login rate limiting and the bill-provider cache.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; cache and rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; cache and rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Wire the application services.
	audit := app.NewAuditRecorder(repository, producer)

	// A nil *redis.Client must not reach the interface fields, so wire the
	// Redis-backed pieces only when the connection is live.
	providerCache := app.NewProviderCache(nil)
	var loginLimiter *app.RedisLoginRateLimiter
	if redisClient != nil {
		providerCache = app.NewProviderCache(redisClient)
		loginLimiter = app.NewRedisLoginRateLimiter(redisClient, "easypay:rate_limit", 10, time.Minute)
	}

	authService := app.NewAuthService(repository, face, audit, loginLimiter, cfg)
	ledgerService := app.NewLedgerService(repository, processor, producer, audit, providerCache, cfg)

	// Reconciliation job for stale PENDING transactions.
	reconciler := app.NewReconciler(
		ledgerService,
		repository,
		processor,
		time.Duration(cfg.ReconcileIntervalMinutes)*time.Minute,
		time.Duration(cfg.ReconcileAfterMinutes)*time.Minute,
	)
	if err := reconciler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconciler start failed\" err=%v", err)
	}
	defer reconciler.Stop()

	// Consume processor status events when a broker is available.
	statusConsumer := app.NewProcessorStatusConsumer(ledgerService, repository)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relying on reconciliation polling\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			app.ProcessorStatusRoutingKey: statusConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(app.ProcessorEventsExchange, cfg.ProcessorEventQueue, bindings); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"status consumer start failed; relying on reconciliation polling\" err=%v", err)
		} else {
			log.Println("level=info component=bootstrap msg=\"processor status consumer started\"")
		}
	}

	// Initialize the API handlers and router.
	handlers := api.NewKioskHandlers(authService, ledgerService, repository, providerCache)
	router := api.KioskRoutes(handlers, authService)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
