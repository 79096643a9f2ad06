package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	pubnubv7 "github.com/pubnub/go/v7"

	"ticket-ledger/config"
	"ticket-ledger/handlers"
	_ "ticket-ledger/migrations"
	"ticket-ledger/monitoring"
	"ticket-ledger/security"
	"ticket-ledger/services"
	"ticket-ledger/store"
	"ticket-ledger/utils"
)

func main() {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisClient.Close()

	// Initialize PubNub for the external notification mirror
	var pn *pubnub.PubNub
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pn = pubnub.NewPubNub(pnConfig)
	}

	// The settlement listener runs on the newer PubNub SDK.
	var pnSettlements *pubnubv7.PubNub
	if cfg.PubNubSubscribeKey != "" {
		pnV7Config := pubnubv7.NewConfigWithUserId(pubnubv7.UserId("ledger-settlements"))
		pnV7Config.SubscribeKey = cfg.PubNubSubscribeKey
		pnV7Config.SecretKey = cfg.PubNubSecretKey
		pnSettlements = pubnubv7.NewPubNub(pnV7Config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	monitor := monitoring.NewMonitor()
	ledger := store.NewRedisStore(redisClient)
	locks := utils.NewKeyedMutex()

	broadcast := services.NewBroadcaster(cfg.SubscriberBuffer, pn, monitor)
	manager := services.NewDelegationManager(ledger, locks, broadcast)
	pipeline := services.NewCommitPipeline(ledger, manager, broadcast, monitor, cfg.CommitInterval)
	payments := services.NewRedisPaymentService(redisClient, pnSettlements, cfg.SettlementChannel)
	defer payments.Close()
	processor := services.NewProcessor(ledger, payments, manager, broadcast, monitor)

	// Initialize handlers
	eventHandler := handlers.NewEventHandler(app, processor)
	delegationHandler := handlers.NewDelegationHandler(app, manager, pipeline)
	realtimeHandler := handlers.NewRealtimeHandler(app, broadcast)
	adminHandler := handlers.NewAdminHandler(payments, manager, processor)
	limiter := security.NewRateLimiter(redisClient)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Start background tasks
	go pipeline.Run(ctx)

	if cfg.EnableBridge {
		bridge := services.NewNotificationBridge(cfg.AMQPURL, broadcast)
		go bridge.Run(ctx)
	}

	if cfg.EnableMetrics {
		go serveMetrics(cfg.MetricsPort)
	}

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Event endpoints
		e.Router.POST("/api/v1/events", eventHandler.InitializeEvent)
		e.Router.POST("/api/v1/events/{eventId}/purchase", limiter.Limit(eventHandler.PurchaseTicket))
		e.Router.POST("/api/v1/events/{eventId}/capacity", eventHandler.UpdateCapacity)
		e.Router.GET("/api/v1/events/{eventId}/stats", eventHandler.GetStats)
		e.Router.POST("/api/v1/tickets/{ticketId}/checkin", eventHandler.CheckInTicket)

		// Delegation endpoints
		e.Router.POST("/api/v1/events/{eventId}/delegate", delegationHandler.Delegate)
		e.Router.POST("/api/v1/events/{eventId}/commit", delegationHandler.Commit)
		e.Router.POST("/api/v1/events/{eventId}/undelegate", delegationHandler.Undelegate)

		// Realtime endpoints
		e.Router.GET("/api/v1/events/{eventId}/live", realtimeHandler.SubscribeEvent)
		e.Router.GET("/api/v1/live", realtimeHandler.SubscribeAll)

		// Admin endpoints
		e.Router.POST("/api/v1/admin/deposit", adminHandler.Deposit)
		e.Router.GET("/api/v1/admin/balance/{account}", adminHandler.Balance)
		e.Router.GET("/api/v1/admin/delegated", adminHandler.DelegatedEvents)
		e.Router.POST("/api/v1/admin/events/{eventId}/unfreeze", adminHandler.UnfreezeEvent)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}

// serveMetrics exposes Prometheus metrics on a separate port so the scrape
// endpoint stays off the public API surface.
func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics listening on :%s", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Printf("Metrics server error: %v", err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
