package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/guglxni/vyapaar-mcp/pkg/admin"
	"github.com/guglxni/vyapaar-mcp/pkg/anomaly"
	"github.com/guglxni/vyapaar-mcp/pkg/audit"
	"github.com/guglxni/vyapaar-mcp/pkg/breaker"
	"github.com/guglxni/vyapaar-mcp/pkg/config"
	"github.com/guglxni/vyapaar-mcp/pkg/governance"
	"github.com/guglxni/vyapaar-mcp/pkg/identity"
	"github.com/guglxni/vyapaar-mcp/pkg/idempotency"
	"github.com/guglxni/vyapaar-mcp/pkg/ingress"
	"github.com/guglxni/vyapaar-mcp/pkg/ledger"
	"github.com/guglxni/vyapaar-mcp/pkg/notify"
	"github.com/guglxni/vyapaar-mcp/pkg/observability"
	"github.com/guglxni/vyapaar-mcp/pkg/paymentaction"
	"github.com/guglxni/vyapaar-mcp/pkg/policy"
	"github.com/guglxni/vyapaar-mcp/pkg/reputation"
)

const externalCallTimeout = 5 * time.Second

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

var startServer = runServer

// Run is the CLI entrypoint, kept separate from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "server":
		startServer()
		return 0
	default:
		_, _ = fmt.Fprintf(stdout, "unknown command %q, defaulting to server\n", args[1])
		startServer()
		return 0
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: vyapaar-guard [server]")
	_, _ = fmt.Fprintln(w, "\nRuns the payout governance firewall. With no arguments, starts the server.")
}

func runServer() {
	log.Println("[vyapaar-guard] starting")
	ctx := context.Background()
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.Info("config loaded", "config", cfg.Redacted())

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: invalid url: %v", err)
	}
	rdb := redis.NewClient(redisOpt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: ping failed: %v", err)
	}
	log.Println("[vyapaar-guard] redis: connected")

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres: open failed: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("postgres: ping failed: %v", err)
	}
	log.Println("[vyapaar-guard] postgres: connected")

	obsCfg := observability.DefaultConfig()
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Warn("observability init degraded (no OTLP endpoint)", "error", err)
		obsCfg.Enabled = false
		obs, _ = observability.New(ctx, obsCfg)
	}

	policyStore := policy.NewStore(db)
	if err := policyStore.Migrate(ctx); err != nil {
		log.Fatalf("policy: migrate failed: %v", err)
	}
	auditSink := audit.NewSink(db, cfg.AuditFallback)
	if err := auditSink.Migrate(ctx); err != nil {
		log.Fatalf("audit: migrate failed: %v", err)
	}

	budgetLedger := ledger.New(rdb)
	idemRegistry := idempotency.New(rdb)
	anomalyScorer := anomaly.New(rdb, cfg.AnomalyRiskThresh)

	onBreakerTrip := func(name string) {
		obs.Prom.BreakerOpenTotal.WithLabelValues(name).Inc()
	}

	reputationBreaker := breaker.New("reputation", cfg.BreakerFailureMax, cfg.BreakerResetAfter)
	reputationBreaker.OnTrip(onBreakerTrip)
	reputationEvaluator := reputation.New(rdb, reputationBreaker, cfg.SafeBrowsingAPIURL, cfg.SafeBrowsingAPIKey, cfg.ReputationCacheTTL, externalCallTimeout)

	identityBreaker := breaker.New("identity", cfg.BreakerFailureMax, cfg.BreakerResetAfter)
	identityBreaker.OnTrip(onBreakerTrip)
	identityVerifier := identity.New(rdb, identityBreaker, cfg.GLEIFAPIURL, externalCallTimeout)

	paymentClient := paymentaction.New(cfg.RazorpayAPIBase, cfg.RazorpayKeySecret)
	paymentClient.Breaker().OnTrip(onBreakerTrip)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisOpt.Addr,
		Password: redisOpt.Password,
		DB:       redisOpt.DB,
	})
	defer asynqClient.Close()

	var slackNotifier *notify.SlackNotifier
	if cfg.SlackBotToken != "" {
		slackNotifier = notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannelID)
		slackNotifier.Breaker().OnTrip(onBreakerTrip)
	}
	var ntfyNotifier *notify.NtfyNotifier
	if cfg.NtfyTopic != "" {
		ntfyNotifier = notify.NewNtfyNotifier(cfg.NtfyURL, cfg.NtfyTopic, "")
	}
	dispatcher := notify.NewDispatcher(slackNotifier, ntfyNotifier, asynqClient)

	engine := governance.New(governance.Deps{
		Ledger:          budgetLedger,
		Idempotent:      idemRegistry,
		Policies:        policyStore,
		Audit:           auditSink,
		Reputation:      reputationEvaluator,
		Identity:        identityVerifier,
		Anomaly:         anomalyScorer,
		Action:          paymentClient,
		Notify:          dispatcher.Notify,
		Tracker:         obs,
		Logger:          logger,
		RateLimitRedis:  rdb,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})

	breakers := map[string]*breaker.Breaker{
		"paymentaction": paymentClient.Breaker(),
		"reputation":    reputationBreaker,
		"identity":      identityBreaker,
	}
	if slackNotifier != nil {
		breakers["notify.slack"] = slackNotifier.Breaker()
	}

	adminServer := admin.New(admin.Deps{
		Evaluator: engine,
		Budget:    budgetLedger,
		Policies:  policyStore,
		Audit:     auditSink,
		Metrics:   obs.Prom,
		Breakers:  breakers,
		JWTSecret: cfg.AdminJWTSecret,
	})

	webhookAdapter := ingress.New(engine, cfg.WebhookSigningSecret)
	webhookHandler := limitInFlight(webhookAdapter, cfg.MaxInFlight)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/payout", webhookHandler)
	mux.Handle("/", adminServer.Handler())

	retryMux := asynq.NewServeMux()
	dispatcher.RegisterRetryHandler(retryMux)
	retrySrv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     redisOpt.Addr,
		Password: redisOpt.Password,
		DB:       redisOpt.DB,
	}, asynq.Config{Concurrency: 5})

	go func() {
		if err := retrySrv.Run(retryMux); err != nil {
			logger.Error("notification retry worker failed", "error", err)
		}
	}()

	pollCancel := func() {}
	if cfg.AutoPoll {
		pollCtx, cancel := context.WithCancel(ctx)
		pollCancel = cancel
		poller := ingress.NewPoller(paymentClient, engine, idemRegistry, cfg.PollInterval)
		go poller.Run(pollCtx)
		log.Println("[vyapaar-guard] poll ingestion: started")
	} else {
		log.Println("[vyapaar-guard] poll ingestion: disabled")
	}

	go func() {
		log.Printf("[vyapaar-guard] console server: :%s", cfg.Port)
		if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
			logger.Error("console server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Println("[vyapaar-guard] health server: :8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			logger.Error("health server failed", "error", err)
		}
	}()

	log.Println("[vyapaar-guard] ready")
	log.Println("[vyapaar-guard] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	pollCancel()
	retrySrv.Shutdown()
	if err := obs.Shutdown(ctx); err != nil {
		logger.Error("observability shutdown", "error", err)
	}
	log.Println("[vyapaar-guard] shutting down")
}

// limitInFlight bounds concurrent webhook handling to max, returning
// 503 once the bound is reached rather than queueing unboundedly.
func limitInFlight(next http.Handler, max int) http.Handler {
	if max <= 0 {
		return next
	}
	sem := make(chan struct{}, max)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "too many in-flight payout evaluations", http.StatusServiceUnavailable)
		}
	})
}
