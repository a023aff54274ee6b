package smtpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/relaymta/relaymta/internal/broker"
	"github.com/relaymta/relaymta/internal/mailmsg"
	"github.com/relaymta/relaymta/internal/reply"
	"github.com/relaymta/relaymta/internal/ruleengine"
	"github.com/relaymta/relaymta/internal/stagectx"
)

// Publisher is the subset of *broker.Client a session needs; an
// interface here keeps this package's tests from requiring a live
// Redis/asynq setup.
type Publisher interface {
	PublishToWorking(ctx context.Context, payload broker.CtxReceivedPayload) (broker.PublishResult, error)
	PublishQuarantine(ctx context.Context, ruleName string, payload any) (broker.PublishResult, error)
}

// Session owns one TCP connection from accept to close, per §4.1. It
// translates wire commands into stagectx mutations and rule-stage
// invocations, mirroring the teacher's backend.Session but as a
// hand-rolled textproto loop instead of an emersion/go-smtp callback
// set, so per-command error accounting and pipelined-reply ordering
// are this package's own to control.
type Session struct {
	cfg Config

	conn   net.Conn
	tp     *textproto.Conn
	reader *bufio.Reader

	rules        *ruleengine.Registry
	localDomains map[string]bool
	publisher    Publisher
	ioPort       ruleengine.IOPort
	logger       *slog.Logger

	ctx *stagectx.Context

	secured       bool
	softErrors    int
	hardErrors    int
	authCancels   int
	quarantineTag string
}

// NewSession builds a session bound to conn, ready to Serve.
func NewSession(cfg Config, conn net.Conn, rules *ruleengine.Registry, localDomains map[string]bool, publisher Publisher, ioPort ruleengine.IOPort, logger *slog.Logger) *Session {
	reader := bufio.NewReader(conn)
	return &Session{
		cfg:          cfg,
		conn:         conn,
		tp:           textproto.NewConn(struct {
			io.Reader
			io.Writer
			io.Closer
		}{reader, conn, conn}),
		reader:       reader,
		rules:        rules,
		localDomains: localDomains,
		publisher:    publisher,
		ioPort:       ioPort,
		logger:       logger,
		ctx:          stagectx.New(conn.RemoteAddr(), conn.LocalAddr(), cfg.ServerName),
	}
}

// Serve runs the session to completion: greeting, command loop, close.
// It never returns an error the caller must act on; connection-ending
// conditions are handled internally (reply then close).
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()

	if s.cfg.Kind == KindTunneled {
		if err := s.upgradeTLS(nil); err != nil {
			s.logger.Warn("implicit TLS handshake failed", "err", err)
			return
		}
	}

	if !s.closeOnDeny(ruleengine.OnConnect) {
		return
	}

	s.writeLine(fmt.Sprintf("220 %s ESMTP ready", s.cfg.ServerName))

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		line, err := s.tp.ReadLine()
		if err != nil {
			return
		}
		if !s.dispatch(ctx, line) {
			return
		}
	}
}

// dispatch handles a single command line, returning false when the
// connection should close. Pipelining (§4.1 "reads MAIL+RCPT+RCPT as a
// pipelined block") needs no special batching here: the client may
// have written several commands in one flush, but textproto.ReadLine
// still hands them back one at a time in arrival order, and each
// iteration of Serve's loop replies before reading the next — so
// replies are naturally emitted in the same order the commands arrived,
// whether pipelined or not.
func (s *Session) dispatch(ctx context.Context, line string) bool {
	verb, arg := splitCommand(line)
	switch strings.ToUpper(verb) {
	case "EHLO":
		return s.handleEHLO(arg, true)
	case "HELO":
		return s.handleEHLO(arg, false)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		return s.handleAUTH(ctx, arg)
	case "MAIL":
		return s.handleMAIL(arg)
	case "RCPT":
		return s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.ctx.Reset()
		s.writeLine("250 2.0.0 Ok")
		return true
	case "NOOP":
		s.writeLine("250 2.0.0 Ok")
		return true
	case "QUIT":
		s.writeLine("221 2.0.0 Bye")
		return false
	default:
		return s.malformed("500 5.5.2 Command not recognized")
	}
}

func splitCommand(line string) (verb, arg string) {
	line = strings.TrimRight(line, "\r\n")
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return line, ""
	}
	return line[:sp], strings.TrimSpace(line[sp+1:])
}

// malformed applies §4.1's error accounting: soft/hard counters, the
// inter-error delay at the soft limit, and the hard-limit connection
// close.
func (s *Session) malformed(msg string) bool {
	s.softErrors++
	s.hardErrors++
	if s.hardErrors >= s.cfg.HardErrorLimit {
		s.writeLine("451 4.3.0 Too many errors from the client")
		return false
	}
	if s.softErrors >= s.cfg.SoftErrorLimit {
		time.Sleep(s.cfg.InterErrorDelay)
		s.softErrors = 0
	}
	s.writeLine(msg)
	return true
}

func (s *Session) writeLine(line string) {
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_ = s.tp.PrintfLine("%s", line)
}

func (s *Session) writeLines(lines []string) {
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	for _, l := range lines {
		_ = s.tp.PrintfLine("%s", l)
	}
}

// runStage resolves and runs a rule stage and returns its raw status,
// recording a Quarantine tag as a side effect shared by every caller.
// It does NOT decide whether a Deny closes the connection or how the
// transaction rolls back: §4.1's rule-stage table gives each stage its
// own Deny handling (Connect/Helo close the connection; MAIL FROM,
// RCPT TO, and PreQueue each have a narrower, non-closing effect), so
// that decision belongs to each handler below.
func (s *Session) runStage(stage ruleengine.StageName) reply.Status {
	flow := ruleengine.ComputeFlow(s.ctx, s.localDomains)
	api := &ruleengine.RuleAPI{Ctx: s.ctx, IO: s.ioPort, Logger: ruleengine.NewSlogLogger(s.logger)}
	status := s.rules.RunStage(api, flow, stage)
	if status.Kind == reply.Quarantine {
		s.quarantineTag = status.QueueName
	}
	return status
}

// closeOnDeny runs stage and applies the Connect/Helo Deny handling of
// §4.1: reply, then close the connection.
func (s *Session) closeOnDeny(stage ruleengine.StageName) bool {
	status := s.runStage(stage)
	if status.Kind == reply.Deny {
		s.replyFromStatus(status, "550 5.7.1 Rejected")
		return false
	}
	return true
}

func (s *Session) replyFromStatus(status reply.Status, fallback string) {
	if status.Reply != nil {
		s.writeLines(status.Reply.Lines())
		return
	}
	s.writeLine(fallback)
}

func (s *Session) handleEHLO(clientName string, extended bool) bool {
	if clientName == "" {
		return s.malformed("501 5.5.4 Syntax: EHLO domain")
	}
	if err := s.ctx.SetHelo(clientName, !extended); err != nil {
		return s.malformed("503 5.5.1 Bad sequence of commands")
	}
	if !s.closeOnDeny(ruleengine.OnHelo) {
		return false
	}
	if !extended {
		s.writeLine(fmt.Sprintf("250 %s greets %s", s.cfg.ServerName, clientName))
		return true
	}
	s.writeLines(BuildEHLOLines(s.cfg, clientName, s.secured))
	return true
}

func (s *Session) handleSTARTTLS() bool {
	if !s.cfg.STARTTLSEnabled || s.cfg.TLSConfig == nil {
		return s.malformed("502 5.5.1 STARTTLS not supported")
	}
	if s.secured || s.cfg.Kind == KindTunneled {
		return s.malformed("503 5.5.1 Bad sequence of commands")
	}
	s.writeLine("220 2.0.0 Ready to start TLS")
	if err := s.upgradeTLS(s.cfg.TLSConfig); err != nil {
		s.logger.Warn("STARTTLS handshake failed", "err", err)
		return false
	}
	// §4.1: session restarts at Connect-like semantics; client must
	// re-issue EHLO before MAIL FROM is accepted again.
	s.ctx.Reset()
	return true
}

// upgradeTLS performs (or, for Tunneled, performs unconditionally) the
// TLS handshake and rewires the session's textproto.Conn atop the
// encrypted connection. cfg may be nil only when called for an
// already-implicit-TLS Tunneled connection using s.cfg.TLSConfig.
func (s *Session) upgradeTLS(cfg *tls.Config) error {
	tlsCfg := cfg
	if tlsCfg == nil {
		tlsCfg = s.cfg.TLSConfig
	}
	tlsConn := tls.Server(s.conn, tlsCfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.tp = textproto.NewConn(struct {
		io.Reader
		io.Writer
		io.Closer
	}{s.reader, tlsConn, tlsConn})
	s.secured = true

	state := tlsConn.ConnectionState()
	var peerCerts [][]byte
	for _, c := range state.PeerCertificates {
		peerCerts = append(peerCerts, c.Raw)
	}
	_ = s.ctx.SetSecured(state.ServerName, state.Version, state.CipherSuite, peerCerts, state.NegotiatedProtocol)
	return nil
}

func (s *Session) handleAUTH(ctx context.Context, arg string) bool {
	if len(s.cfg.SASLMechanisms) == 0 {
		return s.malformed("502 5.5.1 AUTH not supported")
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return s.malformed("501 5.5.4 Syntax: AUTH mechanism")
	}
	mechName := strings.ToUpper(fields[0])
	if !containsMechanism(s.cfg.SASLMechanisms, mechName) {
		return s.malformed("504 5.5.4 Unrecognized authentication mechanism")
	}

	verify := func(identity, username, password string) error {
		flow := ruleengine.ComputeFlow(s.ctx, s.localDomains)
		api := &ruleengine.RuleAPI{Ctx: s.ctx, IO: s.ioPort, Logger: ruleengine.NewSlogLogger(s.logger)}
		status := s.rules.RunStage(api, flow, ruleengine.OnAuthenticate)
		if status.Kind != reply.Accept {
			return fmt.Errorf("authentication rejected")
		}
		return nil
	}
	mech, err := newMechanism(mechName, verify)
	if err != nil {
		return s.malformed("504 5.5.4 Unrecognized authentication mechanism")
	}

	var initial []byte
	if len(fields) > 1 {
		decoded, derr := decodeBase64(fields[1])
		if derr != nil {
			return s.malformed("501 5.5.4 Malformed initial response")
		}
		initial = decoded
	}

	challenge, done, err := mech.Next(initial)
	for {
		if err != nil {
			return s.authFailed()
		}
		if done {
			break
		}
		s.writeLine("334 " + encodeBase64(challenge))
		line, rerr := s.tp.ReadLine()
		if rerr != nil {
			return false
		}
		if line == "*" {
			return s.authFailed()
		}
		resp, derr := decodeBase64(line)
		if derr != nil {
			return s.malformed("501 5.5.4 Malformed response")
		}
		challenge, done, err = mech.Next(resp)
	}

	s.writeLine("235 2.7.0 Authentication successful")
	return true
}

func (s *Session) authFailed() bool {
	s.authCancels++
	if s.authCancels >= s.cfg.HardErrorLimit {
		s.writeLine("454 4.7.0 Too many authentication failures")
		return false
	}
	s.writeLine("535 5.7.8 Authentication failed")
	return true
}

func containsMechanism(mechs []string, name string) bool {
	for _, m := range mechs {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

func (s *Session) handleMAIL(arg string) bool {
	rev, envid, ret, ok := parseMailFrom(arg)
	if !ok {
		return s.malformed("501 5.5.4 Syntax: MAIL FROM:<address>")
	}
	if err := s.ctx.SetMailFrom(rev, envid, ret); err != nil {
		return s.malformed("503 5.5.1 Bad sequence of commands")
	}
	// §4.1: a Deny here rejects only this MAIL FROM and returns the
	// transaction to Helo; it never closes the connection.
	if status := s.runStage(ruleengine.OnMailFrom); status.Kind == reply.Deny {
		if err := s.ctx.AbortMailFrom(); err != nil {
			s.logger.Error("aborting mail from after deny", "err", err)
		}
		s.replyFromStatus(status, "550 5.7.1 Rejected")
		return true
	}
	s.writeLine("250 2.1.0 Ok")
	return true
}

func parseMailFrom(arg string) (rev *string, envid *string, ret stagectx.DSNRet, ok bool) {
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		return nil, nil, stagectx.RetUnset, false
	}
	rest := arg[len("FROM:"):]
	addr, params := splitAddrParams(rest)
	if addr != "<>" {
		a := trimAngle(addr)
		rev = &a
	}
	for k, v := range params {
		switch strings.ToUpper(k) {
		case "ENVID":
			e := v
			envid = &e
		case "RET":
			if strings.EqualFold(v, "FULL") {
				ret = stagectx.RetFull
			} else if strings.EqualFold(v, "HDRS") {
				ret = stagectx.RetHdrs
			}
		}
	}
	return rev, envid, ret, true
}

func (s *Session) handleRCPT(arg string) bool {
	stage := s.ctx.Stage()
	if stage != stagectx.MailFrom && stage != stagectx.RcptTo {
		return s.malformed("503 5.5.1 Bad sequence of commands")
	}
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		return s.malformed("501 5.5.4 Syntax: RCPT TO:<address>")
	}
	rest := arg[len("TO:"):]
	addr, params := splitAddrParams(rest)
	forward := trimAngle(addr)
	if forward == "" {
		return s.malformed("501 5.5.4 Syntax: RCPT TO:<address>")
	}

	notify := parseNotify(params["NOTIFY"])
	route := stagectx.DeliveryRoute{Kind: stagectx.RouteBasic}
	if err := s.ctx.SetRcptTo(route, stagectx.Recipient{ForwardPath: forward, NotifyOn: notify}); err != nil {
		return s.malformed("503 5.5.1 Bad sequence of commands")
	}
	// §4.1: a Deny here rejects only this recipient; it is not added,
	// and the connection stays open for further RCPT TO or DATA.
	if status := s.runStage(ruleengine.OnRcptTo); status.Kind == reply.Deny {
		if err := s.ctx.RemoveRecipient(route); err != nil {
			s.logger.Error("removing recipient after deny", "err", err)
		}
		s.replyFromStatus(status, "550 5.7.1 Rejected")
		return true
	}
	s.writeLine("250 2.1.5 Ok")
	return true
}

func parseNotify(value string) stagectx.NotifyOn {
	if value == "" {
		return stagectx.NotifyOn{Failure: true}
	}
	var n stagectx.NotifyOn
	for _, part := range strings.Split(value, ",") {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "NEVER":
			n.Never = true
		case "SUCCESS":
			n.Success = true
		case "FAILURE":
			n.Failure = true
		case "DELAY":
			n.Delay = true
		}
	}
	return n
}

func splitAddrParams(s string) (addr string, params map[string]string) {
	params = make(map[string]string)
	s = strings.TrimSpace(s)
	end := strings.IndexByte(s, '>')
	if end < 0 {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return "", params
		}
		addr = fields[0]
		for _, f := range fields[1:] {
			k, v, _ := strings.Cut(f, "=")
			params[k] = v
		}
		return addr, params
	}
	addr = s[:end+1]
	rest := strings.TrimSpace(s[end+1:])
	for _, f := range strings.Fields(rest) {
		k, v, _ := strings.Cut(f, "=")
		params[k] = v
	}
	return addr, params
}

func trimAngle(addr string) string {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return addr
}

func (s *Session) handleDATA(ctx context.Context) bool {
	if s.ctx.Stage() != stagectx.RcptTo {
		return s.malformed("503 5.5.1 Bad sequence of commands")
	}
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readBody()
	if err != nil {
		if err == errMessageTooLarge {
			s.writeLine("552 4.3.1 Message size exceeds fixed maximum")
			return true
		}
		return false
	}

	mail, err := mailmsg.ParseHeaders(raw)
	if err != nil {
		s.writeLine("554 5.6.0 Message content rejected")
		s.ctx.Reset()
		return true
	}

	if err := s.ctx.SetComplete(mail); err != nil {
		return s.malformed("503 5.5.1 Bad sequence of commands")
	}

	// §4.1: a Deny here drops the message but does not close the
	// connection; the client is free to start a new transaction.
	if status := s.runStage(ruleengine.OnPreQueue); status.Kind == reply.Deny {
		s.replyFromStatus(status, "550 5.7.1 Rejected")
		s.ctx.Reset()
		s.quarantineTag = ""
		return true
	}

	if s.quarantineTag != "" {
		s.publishQuarantine(ctx, raw)
	} else {
		s.publishAccepted(ctx, raw)
	}

	s.writeLine(fmt.Sprintf("250 2.0.0 message of %d bytes Ok", len(raw)))
	s.ctx.Reset()
	s.quarantineTag = ""
	return true
}

var errMessageTooLarge = fmt.Errorf("message exceeds configured size limit")

// readBody streams the DATA payload until a line containing only "."
// per RFC 5321 §4.5.2, enforcing cfg.MaxMessageBytes. Once the limit is
// exceeded it keeps draining (discarding) lines until the terminator so
// the connection's command stream doesn't desync on the leftover body.
func (s *Session) readBody() ([]byte, error) {
	var buf []byte
	var total int64
	oversize := false
	for {
		line, err := s.tp.ReadLineBytes()
		if err != nil {
			return nil, err
		}
		if string(line) == "." {
			if oversize {
				return nil, errMessageTooLarge
			}
			return buf, nil
		}
		if oversize {
			continue
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		total += int64(len(line)) + 2
		if s.cfg.MaxMessageBytes > 0 && total > s.cfg.MaxMessageBytes {
			oversize = true
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\r', '\n')
	}
}

func (s *Session) publishAccepted(ctx context.Context, raw []byte) {
	mf, _ := s.ctx.MailFromInfo()
	rt, _ := s.ctx.RcptToInfo()
	helo, _ := s.ctx.Helo()
	connect := s.ctx.Connect()

	payload := broker.CtxReceivedPayload{
		ConnectUUID: connect.ConnectUUID.String(),
		MessageUUID: mf.MessageUUID.String(),
		Helo:        helo.ClientIdentity,
		MailFrom:    mf.ReversePath,
		Routes:      rt.Routes,
		RawMessage:  raw,
	}
	if _, err := s.publisher.PublishToWorking(ctx, payload); err != nil {
		s.logger.Error("publish to-working failed", "err", err)
	}
}

func (s *Session) publishQuarantine(ctx context.Context, raw []byte) {
	mf, _ := s.ctx.MailFromInfo()
	payload := broker.CtxReceivedPayload{
		MessageUUID: mf.MessageUUID.String(),
		MailFrom:    mf.ReversePath,
		RawMessage:  raw,
	}
	if _, err := s.publisher.PublishQuarantine(ctx, s.quarantineTag, payload); err != nil {
		s.logger.Error("publish quarantine failed", "err", err)
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
