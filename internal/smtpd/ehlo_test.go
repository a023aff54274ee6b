package smtpd

import (
	"crypto/tls"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBuildEHLOLinesFormat exercises §8's universal invariant: the
// number of "250-" lines equals the number of advertised extensions,
// and the last line always uses "250 ".
func TestBuildEHLOLinesFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerName = "mx.example.test"
	cfg.STARTTLSEnabled = true
	cfg.TLSConfig = &tls.Config{}

	lines := BuildEHLOLines(cfg, "client.test", false)

	dashCount := 0
	for _, l := range lines[:len(lines)-1] {
		assert.True(t, strings.HasPrefix(l, "250-"), "expected continuation line, got %q", l)
		dashCount++
	}
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "250 "))

	// greeting + ENHANCEDSTATUSCODES + PIPELINING + DSN + STARTTLS + AUTH + SIZE
	assert.Equal(t, 7, len(lines))
	assert.Equal(t, 6, dashCount)
}

func TestBuildEHLOLinesOmitsSTARTTLSWhenSecured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerName = "mx.example.test"
	cfg.STARTTLSEnabled = true
	cfg.TLSConfig = &tls.Config{}

	lines := BuildEHLOLines(cfg, "client.test", true)
	for _, l := range lines {
		assert.NotContains(t, l, "STARTTLS")
	}
}

func TestBuildEHLOLinesOmitsSTARTTLSForTunneled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerName = "mx.example.test"
	cfg.STARTTLSEnabled = true
	cfg.TLSConfig = &tls.Config{}
	cfg.Kind = KindTunneled

	lines := BuildEHLOLines(cfg, "client.test", false)
	for _, l := range lines {
		assert.NotContains(t, l, "STARTTLS")
	}
}

func TestBuildEHLOLinesFixedExtensionOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerName = "mx.example.test"
	cfg.STARTTLSEnabled = true
	cfg.TLSConfig = &tls.Config{}

	lines := BuildEHLOLines(cfg, "client.test", false)
	var order []string
	for _, l := range lines[1:] {
		order = append(order, strings.Fields(strings.TrimPrefix(strings.TrimPrefix(l, "250-"), "250 "))[0])
	}
	assert.Equal(t, []string{"ENHANCEDSTATUSCODES", "PIPELINING", "DSN", "STARTTLS", "AUTH", "SIZE"}, order)
}
