package smtpd

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymta/relaymta/internal/broker"
	"github.com/relaymta/relaymta/internal/reply"
	"github.com/relaymta/relaymta/internal/ruleengine"
)

type fakePublisher struct {
	accepted    []broker.CtxReceivedPayload
	quarantined []broker.CtxReceivedPayload
}

func (p *fakePublisher) PublishToWorking(ctx context.Context, payload broker.CtxReceivedPayload) (broker.PublishResult, error) {
	p.accepted = append(p.accepted, payload)
	return broker.PublishResult{Queue: broker.QueueToWorking}, nil
}

func (p *fakePublisher) PublishQuarantine(ctx context.Context, ruleName string, payload any) (broker.PublishResult, error) {
	cp, _ := payload.(broker.CtxReceivedPayload)
	p.quarantined = append(p.quarantined, cp)
	return broker.PublishResult{Queue: "quarantine-" + ruleName}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession wires a Session atop one end of a net.Pipe and runs it on
// its own goroutine, handing the test the other end to drive as a
// client. The registry is empty by default, so every rule stage falls
// through to Next and the receiver's own defaults apply.
func startSession(t *testing.T, cfg Config, pub Publisher) (client net.Conn, done chan struct{}) {
	t.Helper()
	return startSessionWithRules(t, cfg, pub, ruleengine.NewRegistry())
}

// startSessionWithRules is startSession with a caller-supplied registry,
// for tests that need a directive to Deny a specific stage.
func startSessionWithRules(t *testing.T, cfg Config, pub Publisher, rules *ruleengine.Registry) (client net.Conn, done chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	sess := NewSession(cfg, serverConn, rules, map[string]bool{}, pub, nil, discardLogger())

	done = make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()
	return clientConn, done
}

func denyEverything(api *ruleengine.RuleAPI) reply.Status {
	return reply.DenyStatus(nil)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func writeLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func baseTestConfig() Config {
	cfg := DefaultConfig()
	cfg.ServerName = "mx.relaymta.test"
	cfg.SASLMechanisms = nil
	return cfg
}

func TestSessionPipelinedRepliesMatchCommandOrder(t *testing.T) {
	pub := &fakePublisher{}
	client, done := startSession(t, baseTestConfig(), pub)
	defer client.Close()
	r := bufio.NewReader(client)

	readLine(t, r) // 220 greeting
	writeLine(t, client, "EHLO client.test")
	for {
		line := readLine(t, r)
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	// Write a pipelined block in one flush: MAIL, RCPT, RCPT, DATA.
	block := "MAIL FROM:<sender@client.test>\r\n" +
		"RCPT TO:<a@dest.test>\r\n" +
		"RCPT TO:<b@dest.test>\r\n" +
		"DATA\r\n"
	_, err := client.Write([]byte(block))
	require.NoError(t, err)

	var codes []string
	for i := 0; i < 4; i++ {
		line := readLine(t, r)
		codes = append(codes, strings.Fields(line)[0])
	}
	assert.Equal(t, []string{"250", "250", "250", "354"}, codes)

	// finish the transaction so Serve can exit cleanly
	writeLine(t, client, ".")
	readLine(t, r) // final 250
	writeLine(t, client, "QUIT")
	readLine(t, r)
	client.Close()
	<-done
}

func TestSessionHardErrorLimitClosesConnection(t *testing.T) {
	cfg := baseTestConfig()
	cfg.SoftErrorLimit = 2
	cfg.HardErrorLimit = 3
	cfg.InterErrorDelay = time.Millisecond

	pub := &fakePublisher{}
	client, done := startSession(t, cfg, pub)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine(t, r) // greeting

	var lastLine string
	for i := 0; i < cfg.HardErrorLimit; i++ {
		writeLine(t, client, "BOGUS")
		lastLine = readLine(t, r)
	}
	assert.True(t, strings.HasPrefix(lastLine, "451"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after hitting the hard error limit")
	}
}

func TestSessionOversizeRejected(t *testing.T) {
	cfg := baseTestConfig()
	cfg.MaxMessageBytes = 16

	pub := &fakePublisher{}
	client, done := startSession(t, cfg, pub)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine(t, r)

	writeLine(t, client, "EHLO client.test")
	for {
		if strings.HasPrefix(readLine(t, r), "250 ") {
			break
		}
	}
	writeLine(t, client, "MAIL FROM:<sender@client.test>")
	readLine(t, r)
	writeLine(t, client, "RCPT TO:<a@dest.test>")
	readLine(t, r)
	writeLine(t, client, "DATA")
	readLine(t, r) // 354

	writeLine(t, client, "Subject: this line alone exceeds the configured sixteen byte limit")
	writeLine(t, client, ".")
	reply := readLine(t, r)
	assert.True(t, strings.HasPrefix(reply, "552 4.3.1"))

	writeLine(t, client, "QUIT")
	readLine(t, r)
	client.Close()
	<-done
	assert.Empty(t, pub.accepted)
}

func TestSessionAcceptedMessagePublishesToWorking(t *testing.T) {
	pub := &fakePublisher{}
	client, done := startSession(t, baseTestConfig(), pub)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine(t, r)

	writeLine(t, client, "EHLO client.test")
	for {
		if strings.HasPrefix(readLine(t, r), "250 ") {
			break
		}
	}
	writeLine(t, client, "MAIL FROM:<sender@client.test>")
	readLine(t, r)
	writeLine(t, client, "RCPT TO:<a@dest.test>")
	readLine(t, r)
	writeLine(t, client, "DATA")
	readLine(t, r)
	writeLine(t, client, "Subject: hi")
	writeLine(t, client, "")
	writeLine(t, client, "body")
	writeLine(t, client, ".")
	reply := readLine(t, r)
	assert.True(t, strings.HasPrefix(reply, "250 2.0.0"))

	writeLine(t, client, "QUIT")
	readLine(t, r)
	client.Close()
	<-done

	require.Len(t, pub.accepted, 1)
	assert.NotNil(t, pub.accepted[0].MailFrom)
	assert.Equal(t, "sender@client.test", *pub.accepted[0].MailFrom)
}

func TestSessionSTARTTLSThenReEHLO(t *testing.T) {
	cfg := baseTestConfig()
	cfg.STARTTLSEnabled = true
	cfg.TLSConfig = generateTestTLSConfig(t)
	cfg.SASLMechanisms = []string{"PLAIN", "LOGIN"}

	pub := &fakePublisher{}
	client, done := startSession(t, cfg, pub)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine(t, r)

	writeLine(t, client, "EHLO client.test")
	var preLines []string
	for {
		line := readLine(t, r)
		preLines = append(preLines, line)
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	assertContainsSubstr(t, preLines, "STARTTLS")

	writeLine(t, client, "STARTTLS")
	ready := readLine(t, r)
	require.True(t, strings.HasPrefix(ready, "220"))

	tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tlsClient.Handshake())
	tr := bufio.NewReader(tlsClient)

	_, err := tlsClient.Write([]byte("EHLO client.test\r\n"))
	require.NoError(t, err)
	var postLines []string
	for {
		line, rerr := tr.ReadString('\n')
		require.NoError(t, rerr)
		line = strings.TrimRight(line, "\r\n")
		postLines = append(postLines, line)
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	assertContainsSubstr(t, postLines, "AUTH")

	_, _ = tlsClient.Write([]byte("QUIT\r\n"))
	_, _ = tr.ReadString('\n')
	tlsClient.Close()
	<-done
}

func assertContainsSubstr(t *testing.T, lines []string, substr string) {
	t.Helper()
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return
		}
	}
	t.Fatalf("expected a line containing %q among %v", substr, lines)
}

// generateTestTLSConfig builds a throwaway self-signed server TLS
// config for exercising the STARTTLS handshake in-process.
func generateTestTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relaymta-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestSessionMailFromDenyStaysConnectedAndReturnsToHelo(t *testing.T) {
	rules := ruleengine.NewRegistry()
	rules.Register("*", ruleengine.OnMailFrom, denyEverything)

	pub := &fakePublisher{}
	client, done := startSessionWithRules(t, baseTestConfig(), pub, rules)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine(t, r)

	writeLine(t, client, "EHLO client.test")
	for {
		if strings.HasPrefix(readLine(t, r), "250 ") {
			break
		}
	}

	writeLine(t, client, "MAIL FROM:<sender@client.test>")
	assert.True(t, strings.HasPrefix(readLine(t, r), "550"))

	// The connection must still be open, and a second MAIL FROM (which
	// only SetMailFrom accepts from Helo) must be legal again.
	writeLine(t, client, "MAIL FROM:<sender@client.test>")
	assert.True(t, strings.HasPrefix(readLine(t, r), "550"))

	writeLine(t, client, "QUIT")
	readLine(t, r)
	client.Close()
	<-done

	assert.Empty(t, pub.accepted)
}

func TestSessionRcptToDenyLeavesRecipientUnadded(t *testing.T) {
	rules := ruleengine.NewRegistry()
	rules.Register("*", ruleengine.OnRcptTo, denyEverything)

	pub := &fakePublisher{}
	client, done := startSessionWithRules(t, baseTestConfig(), pub, rules)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine(t, r)

	writeLine(t, client, "EHLO client.test")
	for {
		if strings.HasPrefix(readLine(t, r), "250 ") {
			break
		}
	}
	writeLine(t, client, "MAIL FROM:<sender@client.test>")
	readLine(t, r)

	writeLine(t, client, "RCPT TO:<a@dest.test>")
	assert.True(t, strings.HasPrefix(readLine(t, r), "550"))

	// With no recipient ever added, DATA must be rejected as an
	// out-of-sequence command rather than accepted with zero recipients.
	writeLine(t, client, "DATA")
	assert.True(t, strings.HasPrefix(readLine(t, r), "503"))

	writeLine(t, client, "QUIT")
	readLine(t, r)
	client.Close()
	<-done

	assert.Empty(t, pub.accepted)
}

func TestSessionPreQueueDenyDropsMessageWithoutClosing(t *testing.T) {
	rules := ruleengine.NewRegistry()
	rules.Register("*", ruleengine.OnPreQueue, denyEverything)

	pub := &fakePublisher{}
	client, done := startSessionWithRules(t, baseTestConfig(), pub, rules)
	defer client.Close()
	r := bufio.NewReader(client)
	readLine(t, r)

	writeLine(t, client, "EHLO client.test")
	for {
		if strings.HasPrefix(readLine(t, r), "250 ") {
			break
		}
	}
	writeLine(t, client, "MAIL FROM:<sender@client.test>")
	readLine(t, r)
	writeLine(t, client, "RCPT TO:<a@dest.test>")
	readLine(t, r)
	writeLine(t, client, "DATA")
	readLine(t, r)
	writeLine(t, client, "Subject: hi")
	writeLine(t, client, "")
	writeLine(t, client, "body")
	writeLine(t, client, ".")
	assert.True(t, strings.HasPrefix(readLine(t, r), "550"))

	// The connection survives; a fresh transaction can start right away.
	writeLine(t, client, "MAIL FROM:<sender@client.test>")
	assert.True(t, strings.HasPrefix(readLine(t, r), "250"))

	writeLine(t, client, "QUIT")
	readLine(t, r)
	client.Close()
	<-done

	assert.Empty(t, pub.accepted)
}
