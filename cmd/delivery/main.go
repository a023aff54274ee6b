// Command delivery consumes CtxDelivery messages off each route's
// delivery-{route}/deferred-{route} queues and drives the matching
// delivery.Worker, then routes the outcome onward per §4.6.3: success
// drops the message, a retryable failure republishes onto the deferred
// exchange, and retry exhaustion dead-letters it and (when warranted)
// produces a DSN.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymta/relaymta/internal/broker"
	"github.com/relaymta/relaymta/internal/cmdutil"
	"github.com/relaymta/relaymta/internal/config"
	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/dnsutil"
	"github.com/relaymta/relaymta/internal/observability"
	"github.com/relaymta/relaymta/internal/plugin/pgstore"
	"github.com/relaymta/relaymta/internal/stagectx"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "config/relaymta.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := cmdutil.SetupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting delivery", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	publisher := broker.NewClient(asynqClient)

	if cfg.Database.AutoMigrate {
		logger.Info("running auto-migrations")
		if err := cmdutil.RunMigrations(cfg.Database); err != nil {
			logger.Error("running migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations complete")
	}

	archive, err := pgstore.Open(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Error("opening quarantine/dead-letter archive", "error", err)
		os.Exit(1)
	}
	defer archive.Close()

	var tlsPolicy delivery.TLSPolicy
	if cfg.Delivery.TLSPolicy == "enforce" {
		tlsPolicy = delivery.TLSEnforce
	}

	systemEnv, err := config.LoadSystemEnv()
	if err != nil {
		logger.Error("loading SYSTEM environment variable", "error", err)
		os.Exit(1)
	}
	dnsResolver := cfg.DNS.Resolver
	if systemEnv.DNSResolver != "" {
		dnsResolver = systemEnv.DNSResolver
	}

	resolver := dnsutil.New(dnsResolver, cfg.DNS.Timeout)
	breaker := delivery.NewCircuitBreaker(cfg.Delivery.CircuitFailureLimit, cfg.Delivery.CircuitOpenDuration)
	basicWorker := delivery.NewBasicWorker(resolver, delivery.BasicWorkerConfig{
		HeloDomain:     cfg.Delivery.HELODomain,
		ConnectTimeout: cfg.Delivery.ConnectTimeout,
		CommandTimeout: cfg.Delivery.SendTimeout,
		TLSPolicy:      tlsPolicy,
		Breaker:        breaker,
		Logger:         logger,
	})
	maildirWorker := delivery.NewMaildirWorker(delivery.LookupLocalPart, systemEnv.LocalGroup).
		WithUserMap(systemEnv.LocalUsers)
	mboxWorker := delivery.NewMboxWorker(cfg.Delivery.MboxBasePath)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metricsSrv := observability.NewMetricsServer(cfg.Server.HTTPAddr, reg)

	queues := make(map[string]int, len(cfg.Delivery.Routes)*2)
	for _, route := range cfg.Delivery.Routes {
		queues["delivery-"+route] = 2
		queues["deferred-"+route] = 1
	}

	asynqSrv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Workers.Concurrency,
		Queues:      queues,
		Logger:      cmdutil.NewAsynqLogger(logger),
	})

	h := &deliveryHandler{
		publisher:     publisher,
		archive:       archive,
		basicWorker:   basicWorker,
		maildirWorker: maildirWorker,
		mboxWorker:    mboxWorker,
		logger:        logger,
	}

	mux := asynq.NewServeMux()
	mux.Use(observability.AsynqMetricsMiddleware(metrics))
	mux.HandleFunc(broker.TaskCtxDelivery, h.handle)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
		asynqSrv.Shutdown()
	}()

	go func() {
		logger.Info("starting metrics server", "addr", cfg.Server.HTTPAddr)
		if err := metricsSrv.ListenAndServe(); err != nil {
			logger.Error("metrics server", "error", err)
		}
	}()

	logger.Info("consuming delivery queues", "routes", cfg.Delivery.Routes)
	if err := asynqSrv.Run(mux); err != nil {
		logger.Error("delivery server error", "error", err)
		os.Exit(1)
	}
	logger.Info("delivery stopped")
}

type deliveryHandler struct {
	publisher     *broker.Client
	archive       *pgstore.Store
	basicWorker   *delivery.BasicWorker
	maildirWorker *delivery.MaildirWorker
	mboxWorker    *delivery.MboxWorker
	logger        *slog.Logger
}

// handle drives one CtxDelivery through its route's worker and applies
// the three-way post-delivery policy of §4.6.3.
func (h *deliveryHandler) handle(ctx context.Context, task *asynq.Task) error {
	var payload broker.CtxDeliveryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("delivery: unmarshalling ctx delivery: %w", err)
	}

	var priorAttempts []delivery.Attempt
	if len(payload.Attempts) > 0 {
		if err := json.Unmarshal(payload.Attempts, &priorAttempts); err != nil {
			return fmt.Errorf("delivery: unmarshalling prior attempts: %w", err)
		}
	}

	addrs := addressesOf(payload.RcptTo)

	attempt := h.deliverOnce(ctx, payload, addrs)
	attempts := append(priorAttempts, attempt)

	outcome := delivery.EvaluateOutcome(addrs, attempts, delivery.DefaultMaxRetries)

	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("delivery: marshalling attempts: %w", err)
	}
	payload.Attempts = attemptsJSON

	switch outcome {
	case delivery.OutcomeSuccess:
		h.logger.Info("delivery complete", "uuid", payload.UUID, "route", payload.RoutingKey)
		return nil
	case delivery.OutcomeDelayed:
		delay := delivery.DelayFunc(len(attempts))
		_, err := h.publisher.PublishDeferred(ctx, payload.RoutingKey, payload, delay)
		return err
	default: // OutcomeDead
		if err := h.archive.DeadLetter(ctx, pgstore.DeadLetterRecord{
			MessageUUID: payload.UUID,
			Route:       payload.RoutingKey,
			Ctx:         payload,
		}); err != nil {
			h.logger.Error("archiving dead letter", "uuid", payload.UUID, "error", err)
		}

		support := delivery.ShouldNotify{Failure: true, Delay: true}
		notifyPrefs := notifyPrefsOf(payload.RcptTo)
		if delivery.ShouldProduceDSN(attempts, notifyPrefs, support) {
			if _, err := h.publisher.PublishDSN(ctx, payload); err != nil {
				return err
			}
		}
		_, err := h.publisher.PublishDead(ctx, payload)
		return err
	}
}

func (h *deliveryHandler) deliverOnce(ctx context.Context, payload broker.CtxDeliveryPayload, addrs []string) delivery.Attempt {
	mailFrom := ""
	if payload.MailFrom != nil {
		mailFrom = *payload.MailFrom
	}

	route, ok := stagectx.ParseRouteKey(payload.RoutingKey)
	if !ok {
		h.logger.Warn("no worker configured for route", "route", payload.RoutingKey)
		return delivery.Attempt{Recipients: addrs}
	}

	switch route.Kind {
	case stagectx.RouteMaildir:
		return h.maildirWorker.Deliver(addrs, payload.UUID, payload.RawMessage)
	case stagectx.RouteMbox:
		return h.mboxWorker.Deliver(addrs, payload.RawMessage)
	case stagectx.RouteForward:
		return delivery.NewForwardWorker(route.Service).Deliver(addrs)
	case stagectx.RouteBasic:
		byDomain := groupByDomain(addrs)
		var merged delivery.Attempt
		for domain, recipients := range byDomain {
			a := h.basicWorker.Deliver(ctx, domain, recipients, mailFrom, payload.RawMessage)
			merged.Recipients = append(merged.Recipients, a.Recipients...)
			merged.PerRecipient = append(merged.PerRecipient, a.PerRecipient...)
		}
		return merged
	default:
		h.logger.Warn("no worker configured for route", "route", payload.RoutingKey)
		return delivery.Attempt{Recipients: addrs}
	}
}

func groupByDomain(recipients []string) map[string][]string {
	byDomain := make(map[string][]string)
	for _, addr := range recipients {
		idx := strings.LastIndexByte(addr, '@')
		domain := addr
		if idx >= 0 {
			domain = addr[idx+1:]
		}
		byDomain[domain] = append(byDomain[domain], addr)
	}
	return byDomain
}

// addressesOf extracts the bare forward-path addresses the delivery
// workers operate on; NotifyOn stays behind in the Recipient slice for
// notifyPrefsOf to consume separately.
func addressesOf(recipients []stagectx.Recipient) []string {
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = r.ForwardPath
	}
	return out
}

// notifyPrefsOf builds the real per-recipient NOTIFY preference map
// ShouldProduceDSN needs, straight from the Recipient values carried
// across the broker boundary (§8: "a recipient with notify_on = Never
// never causes a DSN regardless of outcome").
func notifyPrefsOf(recipients []stagectx.Recipient) map[string]stagectx.NotifyOn {
	out := make(map[string]stagectx.NotifyOn, len(recipients))
	for _, r := range recipients {
		out[r.ForwardPath] = r.NotifyOn
	}
	return out
}
