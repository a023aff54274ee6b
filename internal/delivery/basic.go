package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/relaymta/relaymta/internal/dnsutil"
	"github.com/relaymta/relaymta/internal/reply"
)

// TLSPolicy controls how a BasicWorker reacts to a missing or failed
// STARTTLS offer.
type TLSPolicy int

const (
	TLSOpportunistic TLSPolicy = iota
	TLSEnforce
)

// BasicWorker implements the Basic delivery route of §4.5: direct MX
// delivery grounded on the teacher's internal/engine/sender.go
// deliverToDomain/deliverToHost, generalized to build a per-attempt
// RemoteInformation instead of a flat SendResult.
type BasicWorker struct {
	resolver       *dnsutil.Resolver
	breaker        *CircuitBreaker
	heloDomain     string
	connectTimeout time.Duration
	commandTimeout time.Duration
	tlsPolicy      TLSPolicy
	logger         *slog.Logger
	port           string
}

// BasicWorkerConfig configures a BasicWorker.
type BasicWorkerConfig struct {
	HeloDomain     string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	TLSPolicy      TLSPolicy
	Breaker        *CircuitBreaker
	Logger         *slog.Logger
}

// NewBasicWorker builds a BasicWorker. Zero timeouts default to 30s
// connect / 5m total command budget.
func NewBasicWorker(resolver *dnsutil.Resolver, cfg BasicWorkerConfig) *BasicWorker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker(0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BasicWorker{
		resolver:       resolver,
		breaker:        cfg.Breaker,
		heloDomain:     cfg.HeloDomain,
		connectTimeout: cfg.ConnectTimeout,
		commandTimeout: cfg.CommandTimeout,
		tlsPolicy:      cfg.TLSPolicy,
		logger:         cfg.Logger,
		port:           "25",
	}
}

// Deliver resolves domain's MX hosts and attempts delivery through each
// in priority order until one host accepts the conversation far enough
// to produce per-recipient actions, or all hosts are exhausted.
func (w *BasicWorker) Deliver(ctx context.Context, domain string, recipients []string, mailFrom string, message []byte) Attempt {
	info := &RemoteInformation{}

	mxRecords, err := w.resolver.LookupMX(ctx, domain)
	if err != nil {
		info.advance(StageDNSMxLookup, err)
		return w.failAll(recipients, info, err)
	}
	for _, mx := range mxRecords {
		info.MXRecords = append(info.MXRecords, MXRecord{Host: mx.Host, Priority: mx.Priority})
	}
	sort.Slice(info.MXRecords, func(i, j int) bool { return info.MXRecords[i].Priority < info.MXRecords[j].Priority })
	info.advance(StageDNSMxIPLookup, nil)

	var lastErr error
	for _, mx := range info.MXRecords {
		select {
		case <-ctx.Done():
			return w.failAll(recipients, info, ctx.Err())
		default:
		}

		if !w.breaker.Allow(mx.Host) {
			continue
		}

		attempt, err := w.deliverToHost(ctx, mx.Host, mailFrom, recipients, message, info)
		if err == nil {
			w.breaker.RecordSuccess(mx.Host)
			return attempt
		}
		w.breaker.RecordFailure(mx.Host)
		lastErr = err
		w.logger.Warn("delivery attempt failed", "mx_host", mx.Host, "domain", domain, "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable MX host for %s", domain)
	}
	return w.failAll(recipients, info, lastErr)
}

// failAll marks every recipient Delayed with info's current IOErr as the
// diagnostic; a retry will pick a different (or the same, cooled-down)
// MX host next time.
func (w *BasicWorker) failAll(recipients []string, info *RemoteInformation, err error) Attempt {
	info.IOErr = err
	per := make([]DeliveredRecipient, 0, len(recipients))
	for _, r := range recipients {
		per = append(per, DeliveredRecipient{Address: r, Action: ActionDelayed, Diagnostic: err.Error()})
	}
	return Attempt{Recipients: recipients, Remote: info, PerRecipient: per}
}

func (w *BasicWorker) deliverToHost(ctx context.Context, host string, mailFrom string, recipients []string, message []byte, info *RemoteInformation) (Attempt, error) {
	addr := net.JoinHostPort(host, w.port)
	info.Target = addr

	dialer := net.Dialer{Timeout: w.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		info.advance(StageTCPConnection, err)
		return Attempt{}, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(w.commandTimeout))

	tp := textproto.NewConn(conn)
	info.advance(StageTCPConnection, nil)

	greeting, _, err := readResponse(tp)
	if err != nil {
		info.advance(StageSMTPGreetings, err)
		return Attempt{}, fmt.Errorf("reading greeting from %s: %w", host, err)
	}
	info.Greeting = &greeting
	info.advance(StageSMTPGreetings, nil)
	if !greeting.IsPositive() {
		return Attempt{}, fmt.Errorf("negative greeting from %s: %s", host, greeting.String())
	}

	_, ehloLines, err := w.sendEhlo(tp)
	if err != nil {
		info.advance(StageSMTPEhlo, err)
		return Attempt{}, err
	}
	info.EhloLines = ehloLines
	info.advance(StageSMTPEhlo, nil)

	if offersExtension(ehloLines, "STARTTLS") {
		if err := w.upgradeTLS(tp, conn, host); err != nil {
			if w.tlsPolicy == TLSEnforce {
				info.advance(StageSMTPTLSUpgrade, err)
				return Attempt{}, fmt.Errorf("STARTTLS required but failed for %s: %w", host, err)
			}
			w.logger.Warn("STARTTLS failed, continuing in cleartext", "host", host, "error", err)
		} else {
			info.TLSUpgraded = true
			_, ehloLines, err = w.sendEhlo(tp)
			if err != nil {
				info.advance(StageSMTPEhlo, err)
				return Attempt{}, err
			}
			info.EhloLines = ehloLines
		}
		info.advance(StageSMTPTLSUpgrade, nil)
	} else if w.tlsPolicy == TLSEnforce {
		err := fmt.Errorf("STARTTLS required but not offered by %s", host)
		info.advance(StageSMTPTLSUpgrade, err)
		return Attempt{}, err
	}

	mailID, err := tp.Cmd("MAIL FROM:<%s>", mailFrom)
	if err != nil {
		info.advance(StageSMTPMailFrom, err)
		return Attempt{}, fmt.Errorf("MAIL FROM to %s: %w", host, err)
	}
	tp.StartResponse(mailID)
	mailReply, _, err := readResponse(tp)
	tp.EndResponse(mailID)
	if err != nil {
		info.advance(StageSMTPMailFrom, err)
		return Attempt{}, fmt.Errorf("reading MAIL FROM response from %s: %w", host, err)
	}
	info.MailFromReply = &mailReply
	info.advance(StageSMTPMailFrom, nil)
	if !mailReply.IsPositive() {
		return Attempt{}, fmt.Errorf("MAIL FROM rejected by %s: %s", host, mailReply.String())
	}

	info.RcptReplies = make(map[string]reply.Reply, len(recipients))
	var accepted []string
	for _, rcpt := range recipients {
		id, err := tp.Cmd("RCPT TO:<%s>", rcpt)
		if err != nil {
			info.advance(StageSMTPRcptTo, err)
			return Attempt{}, fmt.Errorf("RCPT TO %s at %s: %w", rcpt, host, err)
		}
		tp.StartResponse(id)
		r, _, err := readResponse(tp)
		tp.EndResponse(id)
		if err != nil {
			info.advance(StageSMTPRcptTo, err)
			return Attempt{}, fmt.Errorf("reading RCPT TO response for %s at %s: %w", rcpt, host, err)
		}
		info.RcptReplies[rcpt] = r
		if r.IsPositive() {
			accepted = append(accepted, rcpt)
		}
	}
	info.advance(StageSMTPRcptTo, nil)

	if len(accepted) == 0 {
		_, _ = tp.Cmd("RSET")
		return w.perRecipientFromRcptOnly(recipients, info), nil
	}

	dataID, err := tp.Cmd("DATA")
	if err != nil {
		info.advance(StageSMTPData, err)
		return Attempt{}, fmt.Errorf("DATA to %s: %w", host, err)
	}
	tp.StartResponse(dataID)
	dataStartReply, _, err := readResponse(tp)
	tp.EndResponse(dataID)
	if err != nil {
		info.advance(StageSMTPData, err)
		return Attempt{}, fmt.Errorf("reading DATA response from %s: %w", host, err)
	}
	info.advance(StageSMTPData, nil)
	if !dataStartReply.IsPositive() {
		return Attempt{}, fmt.Errorf("DATA rejected by %s: %s", host, dataStartReply.String())
	}

	dw := tp.DotWriter()
	if _, err := dw.Write(message); err != nil {
		_ = dw.Close()
		info.advance(StageSMTPDataEnd, err)
		return Attempt{}, fmt.Errorf("writing message body to %s: %w", host, err)
	}
	if err := dw.Close(); err != nil {
		info.advance(StageSMTPDataEnd, err)
		return Attempt{}, fmt.Errorf("closing DATA to %s: %w", host, err)
	}

	finalReply, _, err := readResponse(tp)
	if err != nil {
		info.advance(StageSMTPDataEnd, err)
		return Attempt{}, fmt.Errorf("reading end-of-DATA response from %s: %w", host, err)
	}
	info.DataReply = &finalReply
	info.advance(StageSMTPDataEnd, nil)

	_, _ = tp.Cmd("QUIT")

	return w.perRecipientFromFinal(recipients, accepted, info), nil
}

func (w *BasicWorker) perRecipientFromRcptOnly(recipients []string, info *RemoteInformation) Attempt {
	per := make([]DeliveredRecipient, 0, len(recipients))
	for _, r := range recipients {
		rr := info.RcptReplies[r]
		action := DeriveAction(&rr, nil)
		per = append(per, DeliveredRecipient{Address: r, Action: action, Diagnostic: rr.String()})
	}
	return Attempt{Recipients: recipients, Remote: info, PerRecipient: per}
}

func (w *BasicWorker) perRecipientFromFinal(recipients, accepted []string, info *RemoteInformation) Attempt {
	acceptedSet := make(map[string]bool, len(accepted))
	for _, a := range accepted {
		acceptedSet[a] = true
	}
	per := make([]DeliveredRecipient, 0, len(recipients))
	for _, r := range recipients {
		rr := info.RcptReplies[r]
		if !acceptedSet[r] {
			per = append(per, DeliveredRecipient{Address: r, Action: DeriveAction(&rr, nil), Diagnostic: rr.String()})
			continue
		}
		action := DeriveAction(&rr, info.DataReply)
		diag := rr.String()
		if info.DataReply != nil {
			diag = info.DataReply.String()
		}
		per = append(per, DeliveredRecipient{Address: r, Action: action, Diagnostic: diag})
	}
	return Attempt{Recipients: recipients, Remote: info, PerRecipient: per}
}

func (w *BasicWorker) sendEhlo(tp *textproto.Conn) (reply.Reply, []string, error) {
	id, err := tp.Cmd("EHLO %s", w.heloDomain)
	if err != nil {
		return reply.Reply{}, nil, err
	}
	tp.StartResponse(id)
	r, lines, err := readResponse(tp)
	tp.EndResponse(id)
	if err != nil {
		id, err = tp.Cmd("HELO %s", w.heloDomain)
		if err != nil {
			return reply.Reply{}, nil, err
		}
		tp.StartResponse(id)
		r, lines, err = readResponse(tp)
		tp.EndResponse(id)
		if err != nil {
			return reply.Reply{}, nil, err
		}
	}
	return r, lines, nil
}

func (w *BasicWorker) upgradeTLS(tp *textproto.Conn, conn net.Conn, host string) error {
	id, err := tp.Cmd("STARTTLS")
	if err != nil {
		return err
	}
	tp.StartResponse(id)
	r, _, err := readResponse(tp)
	tp.EndResponse(id)
	if err != nil {
		return err
	}
	if !r.IsPositive() {
		return fmt.Errorf("STARTTLS rejected: %s", r.String())
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	return tlsConn.Handshake()
}

// readResponse reads one (possibly multi-line) SMTP response and parses
// it into a reply.Reply, returning the raw lines alongside for callers
// that need the individual EHLO extension lines.
func readResponse(tp *textproto.Conn) (reply.Reply, []string, error) {
	var lines []string
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return reply.Reply{}, nil, err
		}
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}
	last := lines[len(lines)-1]
	code, enhanced, text, err := reply.ParseCode(last)
	if err != nil {
		return reply.Reply{}, lines, err
	}
	return reply.Reply{Code: code, Enhanced: enhanced, Text: text}, lines, nil
}

func offersExtension(ehloLines []string, ext string) bool {
	for i, line := range ehloLines {
		if i == 0 {
			continue // banner line
		}
		body := line
		if len(body) > 4 {
			body = body[4:]
		}
		fields := strings.Fields(body)
		if len(fields) > 0 && strings.EqualFold(fields[0], ext) {
			return true
		}
	}
	return false
}
