// Command receiver runs the inbound SMTP front end of §4.1: it accepts
// connections on every configured listener, runs each session's stages
// through the rule engine, and publishes completed transactions onto
// the broker topology for the working binary to pick up.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/relaymta/relaymta/internal/broker"
	"github.com/relaymta/relaymta/internal/cmdutil"
	"github.com/relaymta/relaymta/internal/config"
	"github.com/relaymta/relaymta/internal/observability"
	"github.com/relaymta/relaymta/internal/ruleengine"
	"github.com/relaymta/relaymta/internal/smtpd"
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
	logger.Info("starting receiver", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Receiver.DumpDir, 0o750); err != nil {
		logger.Error("creating dump directory", "error", err)
		os.Exit(1)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()
	publisher := broker.NewClient(asynqClient)

	localDomains := make(map[string]bool, len(cfg.Receiver.LocalDomains))
	for _, d := range cfg.Receiver.LocalDomains {
		localDomains[d] = true
	}

	listeners := make([]smtpd.Listener, 0, len(cfg.Receiver.Listeners))
	sessionCfg := smtpd.Config{
		ServerName:        cfg.Receiver.ServerName,
		SoftErrorLimit:    cfg.Receiver.SoftErrorLimit,
		HardErrorLimit:    cfg.Receiver.HardErrorLimit,
		InterErrorDelay:   cfg.Receiver.InterErrorDelay,
		MaxMessageBytes:   cfg.Receiver.MaxMessageBytes,
		PipeliningEnabled: cfg.Receiver.PipeliningEnabled,
		STARTTLSEnabled:   cfg.Receiver.STARTTLSEnabled,
		DSNEnabled:        cfg.Receiver.DSNEnabled,
		SASLMechanisms:    cfg.Receiver.SASLMechanisms,
		ReadTimeout:       cfg.Receiver.ReadTimeout,
		WriteTimeout:      cfg.Receiver.WriteTimeout,
	}
	for _, l := range cfg.Receiver.Listeners {
		lc := sessionCfg
		switch l.Kind {
		case "relay":
			lc.Kind = smtpd.KindRelay
		case "submission":
			lc.Kind = smtpd.KindSubmission
		case "tunneled":
			lc.Kind = smtpd.KindTunneled
		}
		listeners = append(listeners, smtpd.Listener{Addr: l.Addr, Cfg: lc})
	}

	// Directive registration happens outside this binary: the rule
	// engine's script host is out of scope here, so an empty registry
	// just means every stage falls through to its builtin default.
	rules := ruleengine.NewRegistry()
	dumper := ruleengine.NewFileDumper(cfg.Receiver.DumpDir)

	srv := smtpd.NewServer(listeners, rules, localDomains, publisher, dumper, logger)

	reg := prometheus.NewRegistry()
	_ = observability.NewMetrics(reg)
	metricsSrv := observability.NewMetricsServer(cfg.Server.HTTPAddr, reg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("accepting connections", "listeners", len(listeners))
		if err := srv.ListenAndServe(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting metrics server", "addr", cfg.Server.HTTPAddr)
		if err := metricsSrv.ListenAndServe(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("receiver error", "error", err)
		os.Exit(1)
	}
	logger.Info("receiver stopped")
}
