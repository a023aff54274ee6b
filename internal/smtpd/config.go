// Package smtpd implements the inbound SMTP receiver state machine of
// SPEC_FULL.md §4.1: a hand-rolled wire loop (not emersion/go-smtp's
// Session abstraction, which hides the per-command error accounting and
// pipelined-reply ordering the spec requires) built over stagectx,
// ruleengine, and the authverify verifiers.
package smtpd

import (
	"crypto/tls"
	"time"
)

// ConnKind names the three listening surfaces of §4.1.
type ConnKind int

const (
	KindRelay ConnKind = iota
	KindSubmission
	KindTunneled
)

func (k ConnKind) String() string {
	switch k {
	case KindRelay:
		return "relay"
	case KindSubmission:
		return "submission"
	case KindTunneled:
		return "tunneled"
	default:
		return "unknown"
	}
}

// Config holds the per-connection parameters of §4.1, configuration
// driven and shared across every session a listener accepts.
type Config struct {
	Kind ConnKind

	ServerName string

	SoftErrorLimit  int
	HardErrorLimit  int
	InterErrorDelay time.Duration

	MaxMessageBytes int64

	PipeliningEnabled bool
	STARTTLSEnabled   bool
	DSNEnabled        bool

	SASLMechanisms []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns sane defaults matching the teacher's own
// ServerConfig zero-value conventions.
func DefaultConfig() Config {
	return Config{
		SoftErrorLimit:    3,
		HardErrorLimit:    10,
		InterErrorDelay:   2 * time.Second,
		MaxMessageBytes:   35 * 1024 * 1024,
		PipeliningEnabled: true,
		DSNEnabled:        true,
		SASLMechanisms:    []string{"PLAIN", "LOGIN"},
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}
}
