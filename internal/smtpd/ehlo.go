package smtpd

import "fmt"

// BuildEHLOLines constructs the EHLO reply lines of §4.1: one greeting
// line naming the server, then one line per enabled extension in the
// fixed order ENHANCEDSTATUSCODES, PIPELINING, DSN, STARTTLS, AUTH,
// SIZE. Every line but the last uses "250-"; the last uses "250 ". This
// is a pure function so the §8 universal invariant ("number of 250-
// lines equals advertised extensions plus one") is directly testable
// without a live connection.
func BuildEHLOLines(cfg Config, clientName string, secured bool) []string {
	lines := []string{fmt.Sprintf("250-%s greets %s", cfg.ServerName, clientName)}

	lines = append(lines, "250-ENHANCEDSTATUSCODES")

	if cfg.PipeliningEnabled {
		lines = append(lines, "250-PIPELINING")
	}
	if cfg.DSNEnabled {
		lines = append(lines, "250-DSN")
	}
	if cfg.STARTTLSEnabled && cfg.TLSConfig != nil && !secured && cfg.Kind != KindTunneled {
		lines = append(lines, "250-STARTTLS")
	}
	if len(cfg.SASLMechanisms) > 0 {
		lines = append(lines, "250-AUTH "+joinMechanisms(cfg.SASLMechanisms))
	}
	if cfg.MaxMessageBytes > 0 {
		lines = append(lines, fmt.Sprintf("250-SIZE %d", cfg.MaxMessageBytes))
	}

	last := len(lines) - 1
	lines[last] = "250 " + lines[last][4:]

	return lines
}

func joinMechanisms(mechs []string) string {
	out := mechs[0]
	for _, m := range mechs[1:] {
		out += " " + m
	}
	return out
}
