// Command working implements the rule engine's post-queue stage (§4.3)
// and the broker fan-out that follows it: it consumes CtxReceived
// messages off the to-working queue, runs the OnPostQueue stage against
// a rehydrated context, and republishes one CtxDelivery per route
// bucket onto that route's delivery queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymta/relaymta/internal/broker"
	"github.com/relaymta/relaymta/internal/cmdutil"
	"github.com/relaymta/relaymta/internal/config"
	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/mailmsg"
	"github.com/relaymta/relaymta/internal/observability"
	"github.com/relaymta/relaymta/internal/reply"
	"github.com/relaymta/relaymta/internal/ruleengine"
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
	logger.Info("starting working", "version", Version)

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

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metricsSrv := observability.NewMetricsServer(cfg.Server.HTTPAddr, reg)

	asynqSrv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Workers.Concurrency,
		Queues:      map[string]int{broker.QueueToWorking: 1},
		Logger:      cmdutil.NewAsynqLogger(logger),
	})

	localDomains := make(map[string]bool, len(cfg.Receiver.LocalDomains))
	for _, d := range cfg.Receiver.LocalDomains {
		localDomains[d] = true
	}

	// Directive registration happens outside this binary, same as
	// cmd/receiver: an empty registry just means OnPostQueue falls
	// through to its builtin default (Success) below.
	rules := ruleengine.NewRegistry()
	dumper := ruleengine.NewFileDumper(cfg.Receiver.DumpDir)

	mux := asynq.NewServeMux()
	mux.Use(observability.AsynqMetricsMiddleware(metrics))
	mux.HandleFunc(broker.TaskCtxReceived, dispatchHandler(publisher, rules, localDomains, dumper, logger))

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

	logger.Info("consuming to-working queue", "concurrency", cfg.Workers.Concurrency)
	if err := asynqSrv.Run(mux); err != nil {
		logger.Error("working server error", "error", err)
		os.Exit(1)
	}
	logger.Info("working stopped")
}

// dispatchHandler runs the post-queue rule stage against a rehydrated
// context, then fans the CtxReceived payload out into one CtxDelivery
// per route bucket, each published onto its own delivery-{route} queue
// (§3.5, §4.6.1 "Working service → reads to-working, runs PostQueue
// rules, then emits...").
func dispatchHandler(publisher *broker.Client, rules *ruleengine.Registry, localDomains map[string]bool, dumper ruleengine.IOPort, logger *slog.Logger) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload broker.CtxReceivedPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("working: unmarshalling ctx received: %w", err)
		}

		mail, err := mailmsg.ParseHeaders(payload.RawMessage)
		if err != nil {
			logger.Error("parsing message for post-queue stage", "uuid", payload.MessageUUID, "error", err)
			_, pubErr := publisher.PublishQuarantine(ctx, "dead", payload)
			return pubErr
		}

		if payload.MailFrom == nil {
			if info, err := delivery.ClassifyDSN(payload.RawMessage); err == nil {
				logger.Info("classified incoming bounce report", "uuid", payload.MessageUUID,
					"bounce_type", info.Type, "permanent", info.Permanent, "recipient", info.Recipient)
			}
		}

		rctx := stagectx.Rehydrate(payload.Helo, payload.MailFrom, payload.Routes, mail)
		flow := ruleengine.ComputeFlow(rctx, localDomains)
		api := &ruleengine.RuleAPI{Ctx: rctx, IO: dumper, Logger: ruleengine.NewSlogLogger(logger)}
		status := rules.RunStage(api, flow, ruleengine.OnPostQueue)

		switch status.Kind {
		case reply.Fail:
			logger.Warn("post-queue rule failed message", "uuid", payload.MessageUUID)
			_, err := publisher.PublishQuarantine(ctx, "dead", payload)
			return err
		case reply.Quarantine:
			logger.Info("post-queue rule quarantined message", "uuid", payload.MessageUUID, "queue", status.QueueName)
			_, err := publisher.PublishQuarantine(ctx, status.QueueName, payload)
			return err
		}

		return fanOut(ctx, publisher, payload, logger)
	}
}

// fanOut republishes payload as one CtxDelivery per route bucket,
// preserving each recipient's NotifyOn preference across the broker
// boundary (§8: a recipient with notify_on = Never must never cause a
// DSN, which requires the real per-recipient preference downstream,
// not a fabricated default).
func fanOut(ctx context.Context, publisher *broker.Client, payload broker.CtxReceivedPayload, logger *slog.Logger) error {
	if len(payload.Routes) == 0 {
		_, err := publisher.PublishNoRoute(ctx, payload)
		return err
	}

	for route, recipients := range payload.Routes {
		deliveryPayload := broker.CtxDeliveryPayload{
			UUID:       payload.MessageUUID,
			RoutingKey: route,
			MailFrom:   payload.MailFrom,
			RcptTo:     recipients,
			RawMessage: payload.RawMessage,
		}

		result, err := publisher.PublishDelivery(ctx, route, deliveryPayload)
		if err != nil {
			logger.Error("publishing delivery", "route", route, "uuid", payload.MessageUUID, "error", err)
			return err
		}
		if result.NoRoute {
			logger.Warn("route has no consumer queue", "route", route, "uuid", payload.MessageUUID)
		}
	}
	return nil
}
