// Command dsncomposer consumes the dsn queue (§4.6.3) and renders each
// CtxDelivery into an RFC 3464 multipart/report message addressed back
// to the original sender, then republishes it onto the basic delivery
// route for the outbound path to send like any other message.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymta/relaymta/internal/broker"
	"github.com/relaymta/relaymta/internal/cmdutil"
	"github.com/relaymta/relaymta/internal/config"
	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/observability"
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
	logger.Info("starting dsncomposer", "version", Version)

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
		Queues:      map[string]int{broker.QueueDSN: 1},
		Logger:      cmdutil.NewAsynqLogger(logger),
	})

	h := &dsnHandler{publisher: publisher, heloDomain: cfg.Delivery.HELODomain, logger: logger}

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

	logger.Info("consuming dsn queue")
	if err := asynqSrv.Run(mux); err != nil {
		logger.Error("dsncomposer error", "error", err)
		os.Exit(1)
	}
	logger.Info("dsncomposer stopped")
}

type dsnHandler struct {
	publisher  *broker.Client
	heloDomain string
	logger     *slog.Logger
}

func (h *dsnHandler) handle(ctx context.Context, task *asynq.Task) error {
	var payload broker.CtxDeliveryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("dsncomposer: unmarshalling ctx delivery: %w", err)
	}
	if payload.MailFrom == nil || *payload.MailFrom == "" {
		h.logger.Info("dropping dsn for null-sender message", "uuid", payload.UUID)
		return nil
	}

	var attempts []delivery.Attempt
	if len(payload.Attempts) > 0 {
		if err := json.Unmarshal(payload.Attempts, &attempts); err != nil {
			return fmt.Errorf("dsncomposer: unmarshalling attempts: %w", err)
		}
	}

	body, err := composeDSN(h.heloDomain, payload, attempts)
	if err != nil {
		return fmt.Errorf("dsncomposer: composing dsn: %w", err)
	}

	dsnUUID := uuid.NewString()
	bounceAddr := "" // DSNs carry a null reverse-path (RFC 3464 §2)
	delivered := broker.CtxDeliveryPayload{
		UUID:       dsnUUID,
		RoutingKey: "basic",
		MailFrom:   &bounceAddr,
		RcptTo:     []stagectx.Recipient{{ForwardPath: *payload.MailFrom}},
		RawMessage: body,
	}

	_, err = h.publisher.PublishDelivery(ctx, "basic", delivered)
	return err
}

// composeDSN renders an RFC 3464 multipart/report: a human-readable
// part, a machine-readable message/delivery-status part summarizing
// each recipient's final action, per §4.6.3.
func composeDSN(heloDomain string, payload broker.CtxDeliveryPayload, attempts []delivery.Attempt) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := textproto.MIMEHeader{}
	headers.Set("From", "mailer-daemon@"+heloDomain)
	headers.Set("To", deref(payload.MailFrom))
	headers.Set("Subject", "Delivery Status Notification (Failure)")
	headers.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	headers.Set("Content-Type", fmt.Sprintf("multipart/report; report-type=delivery-status; boundary=%q", mw.Boundary()))
	headers.Set("MIME-Version", "1.0")

	var out bytes.Buffer
	writeHeaders(&out, headers)
	out.WriteString("\r\n")

	human, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(human, "Delivery failed for the following recipient(s) of message %s:\r\n\r\n", payload.UUID)
	for action, count := range delivery.ActionCounts(attempts) {
		fmt.Fprintf(human, "  %s: %d\r\n", action, count)
	}

	status, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"message/delivery-status"}})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(status, "Reporting-MTA: dns; %s\r\n\r\n", heloDomain)
	last := make(map[string]delivery.Action)
	for _, a := range attempts {
		for _, pr := range a.PerRecipient {
			last[pr.Address] = pr.Action
		}
	}
	for _, rcpt := range payload.RcptTo {
		action, code := "failed", "5.0.0"
		if a, ok := last[rcpt.ForwardPath]; ok && a != delivery.ActionFailed {
			action, code = a.String(), "2.0.0"
			if a == delivery.ActionDelayed {
				code = "4.0.0"
			}
		}
		fmt.Fprintf(status, "Final-Recipient: rfc822; %s\r\nAction: %s\r\nStatus: %s\r\n\r\n", rcpt.ForwardPath, action, code)
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	out.Write(buf.Bytes())

	return out.Bytes(), nil
}

func writeHeaders(w *bytes.Buffer, h textproto.MIMEHeader) {
	for k, vs := range h {
		for _, v := range vs {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
