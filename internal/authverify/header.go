// Authentication-Results header rendering per RFC 8601 / §4.4.5.
package authverify

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/relaymta/relaymta/internal/stagectx"
)

// HeaderInputs collects every stored auth result that may contribute a
// section to the rendered header.
type HeaderInputs struct {
	ServerID string // auth-serv-id

	IPrev       *stagectx.AuthVerdict
	ClientIP    net.IP
	SPFHelo     *SPFResult
	HeloIsIP    bool
	SPFMailFrom *SPFResult
	DKIM        []VerifyResult
	DMARC       *stagectx.DMARCResult
}

// CreateHeader renders the Authentication-Results header body (without
// the leading "Authentication-Results:" header name) per §4.4.5. If no
// verifier ran at all, the value is "none".
func CreateHeader(in HeaderInputs) string {
	var sections []string

	if in.IPrev != nil {
		s := fmt.Sprintf("iprev=%s", in.IPrev.Value)
		if in.ClientIP != nil {
			s += fmt.Sprintf(" policy.iprev=%s", in.ClientIP)
		}
		sections = append(sections, s)
	}

	if in.SPFHelo != nil {
		s := fmt.Sprintf("spf=%s", in.SPFHelo.Value)
		if in.HeloIsIP {
			s += " smtp.helo=(IP literal)"
		} else {
			s += fmt.Sprintf(" smtp.helo=%s", in.SPFHelo.Domain)
		}
		sections = append(sections, s)
	}

	if in.SPFMailFrom != nil {
		sections = append(sections, fmt.Sprintf("spf=%s smtp.mailfrom=%s", in.SPFMailFrom.Value, in.SPFMailFrom.Domain))
	}

	for _, d := range in.DKIM {
		if d.Value == stagectx.ValueNone && d.SDID == "" {
			continue
		}
		bShort := ""
		if len(d.Signature) > 0 {
			encoded := base64.StdEncoding.EncodeToString(d.Signature)
			if len(encoded) > 8 {
				encoded = encoded[:8]
			}
			bShort = encoded
		}
		algo := d.Algorithm
		if algo == "" {
			algo = "rsa-sha256"
		}
		sections = append(sections, fmt.Sprintf(
			"dkim=%s header.d=%s header.i=%s header.a=%s header.s=%s header.b=%s",
			d.Value, d.SDID, d.AUID, algo, d.Selector, bShort,
		))
	}

	if in.DMARC != nil {
		sections = append(sections, fmt.Sprintf("dmarc=%s header.from=%s", in.DMARC.Value, in.DMARC.From))
	}

	if len(sections) == 0 {
		return fmt.Sprintf("%s; none", in.ServerID)
	}
	return fmt.Sprintf("%s;\n  %s", in.ServerID, strings.Join(sections, ";\n  "))
}

// AddHeader returns a complete "Authentication-Results: ..." header line
// built by CreateHeader, for scripts calling auth::add_header (§4.3). The
// auth-serv-id is taken from in.ServerID; the serverID argument is not used.
func AddHeader(serverID string, in HeaderInputs) string {
	return "Authentication-Results: " + CreateHeader(in)
}
