/**
 * @description
 * This is the main entry point for the token-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * storefront service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/railclient: Client for the payment rail gateway.
 * - pkg/catalogclient: Client for the external package catalog.
 * - pkg/rabbitmq: Client for RabbitMQ.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/counselhub/token-service/internal/api"
	"github.com/counselhub/token-service/internal/app"
	"github.com/counselhub/token-service/internal/config"
	"github.com/counselhub/token-service/internal/store"
	"github.com/counselhub/token-service/pkg/catalogclient"
	rmrabbit "github.com/counselhub/token-service/pkg/rabbitmq"
	"github.com/counselhub/token-service/pkg/railclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting token-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish ledger events. A broker
	// outage must not prevent boot, so failures fall back to a no-op publisher.
	var rabbitPublisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		rabbitPublisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		rabbitPublisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment rail gateway.
	railGateway := railclient.NewClient(cfg.RailGatewayBaseURL, cfg.RailGatewayAPIKey)

	var redisClient *redis.Client
	if cfg.PurchaseRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; purchase rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; purchase rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; purchase rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core storefront service with its dependencies.
	methodCatalog := app.NewPaymentMethodCatalog()
	ledger := app.NewTokenLedger(repository)
	processor := app.NewPaymentProcessor(methodCatalog, railGateway, repository)
	storeService := app.NewService(repository, methodCatalog, processor, ledger, rabbitPublisher, cfg.StoreSystemName)

	// Missing catalog-service config should not prevent boot; the built-in
	// package list is served instead.
	if strings.TrimSpace(cfg.CatalogServiceURL) == "" || strings.TrimSpace(cfg.CatalogServiceAPIKey) == "" {
		log.Printf("level=warn component=bootstrap msg=\"catalog-service client not configured; serving built-in packages\" catalog_service_url_set=%t catalog_service_key_set=%t",
			strings.TrimSpace(cfg.CatalogServiceURL) != "",
			strings.TrimSpace(cfg.CatalogServiceAPIKey) != "",
		)
	} else {
		storeService.SetPackageSource(catalogclient.NewClient(cfg.CatalogServiceURL, cfg.CatalogServiceAPIKey))
	}

	if redisClient != nil {
		storeService.SetPurchaseRateLimiter(
			app.NewRedisPurchaseRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.PurchaseRateLimitPerMinute,
		)
	}

	// Initialize the API handlers.
	storeHandlers := api.NewStoreHandlers(storeService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/store", api.StoreRoutes(storeHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the payment status consumer: bind to gateway status events and
	// ensure graceful shutdown.
	paymentConsumer := app.NewPaymentStatusConsumer(repository, storeService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	paymentBindings := map[string]func([]byte) bool{
		"payment.status.bank_transfer.succeeded": paymentConsumer.HandleMessage,
		"payment.status.bank_transfer.declined":  paymentConsumer.HandleMessage,
		"payment.status.bank_transfer.pending":   paymentConsumer.HandleMessage,
		"payment.status.paypal.succeeded":        paymentConsumer.HandleMessage,
		"payment.status.paypal.declined":         paymentConsumer.HandleMessage,
		"payment.status.crypto_pay.succeeded":    paymentConsumer.HandleMessage,
		"payment.status.crypto_pay.declined":     paymentConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings("gateway.events", cfg.PaymentEventQueue, paymentBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
	}

	// Background reconciliation loop resolving payments whose outcome is
	// still ambiguous (timed-out charges, slow bank transfers).
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.ReconcileIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-reconcileCtx.Done():
				return
			case <-ticker.C:
				result, reconcileErr := storeService.ReconcilePendingPayments(reconcileCtx, cfg.ReconcileBatchLimit)
				if reconcileErr != nil {
					log.Printf("level=error component=reconcile msg=\"pass failed\" err=%v", reconcileErr)
					continue
				}
				if result.Processed > 0 {
					log.Printf("level=info component=reconcile msg=\"pass complete\" processed=%d credited=%d declined=%d still_pending=%d lookup_failures=%d",
						result.Processed, result.Credited, result.Declined, result.StillPending, result.LookupFailures)
				}
			}
		}
	}()

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

	stopReconcile()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
