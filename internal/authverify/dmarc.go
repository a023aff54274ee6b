// DMARC alignment per RFC 7489 / §4.4.4, generalized from the teacher's
// ad hoc VerifyDMARC TXT-record existence check (internal/engine/dns.go)
// into a real alignment evaluation against SPF and DKIM results.
package authverify

import (
	"context"
	"strings"

	"github.com/relaymta/relaymta/internal/dnsutil"
	"github.com/relaymta/relaymta/internal/stagectx"
)

// Alignment is the comparison mode of a DMARC record's aspf/adkim tags.
type Alignment int

const (
	AlignRelaxed Alignment = iota
	AlignStrict
)

// Policy is the parsed subset of a DMARC record relevant to alignment.
type Policy struct {
	SPFAlignment  Alignment
	DKIMAlignment Alignment
}

// CheckDMARC implements §4.4.4 steps 1-5: parse the record, then check
// SPF alignment first, falling back to DKIM alignment, defaulting to Fail.
func CheckDMARC(ctx context.Context, r *dnsutil.Resolver, fromDomain string, spf SPFResult, dkimResults []VerifyResult) (stagectx.DMARCResult, error) {
	record, err := lookupDMARCRecord(ctx, r, fromDomain)
	if err != nil {
		var nx *dnsutil.ErrNXDomain
		if isNX(err, &nx) {
			return stagectx.DMARCResult{Value: stagectx.ValueNone, From: fromDomain}, nil
		}
		return stagectx.DMARCResult{Value: stagectx.ValueTempError, From: fromDomain}, nil
	}
	if record == "" {
		return stagectx.DMARCResult{Value: stagectx.ValueNone, From: fromDomain}, nil
	}

	policy := parseDMARCPolicy(record)

	if spf.Value == stagectx.ValuePass && domainsAligned(spf.Domain, fromDomain, policy.SPFAlignment) {
		return stagectx.DMARCResult{Value: stagectx.ValuePass, From: fromDomain}, nil
	}
	for _, d := range dkimResults {
		if d.Value == stagectx.ValuePass && domainsAligned(d.SDID, fromDomain, policy.DKIMAlignment) {
			return stagectx.DMARCResult{Value: stagectx.ValuePass, From: fromDomain}, nil
		}
	}
	return stagectx.DMARCResult{Value: stagectx.ValueFail, From: fromDomain}, nil
}

func lookupDMARCRecord(ctx context.Context, r *dnsutil.Resolver, fromDomain string) (string, error) {
	records, err := r.LookupTXT(ctx, "_dmarc."+fromDomain)
	if err != nil {
		return "", err
	}
	var dmarcRecords []string
	for _, rec := range records {
		if strings.HasPrefix(rec, "v=DMARC1") {
			dmarcRecords = append(dmarcRecords, rec)
		}
	}
	// §4.4.4 step 2: zero or multiple records -> None.
	if len(dmarcRecords) != 1 {
		return "", nil
	}
	return dmarcRecords[0], nil
}

func parseDMARCPolicy(record string) Policy {
	p := Policy{SPFAlignment: AlignRelaxed, DKIMAlignment: AlignRelaxed}
	for _, tag := range strings.Split(record, ";") {
		tag = strings.TrimSpace(tag)
		kv := strings.SplitN(tag, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "aspf":
			if strings.TrimSpace(kv[1]) == "s" {
				p.SPFAlignment = AlignStrict
			}
		case "adkim":
			if strings.TrimSpace(kv[1]) == "s" {
				p.DKIMAlignment = AlignStrict
			}
		}
	}
	return p
}

// domainsAligned compares an authenticated domain against the From
// domain per the given alignment mode.
func domainsAligned(authDomain, fromDomain string, mode Alignment) bool {
	authDomain = strings.ToLower(strings.TrimSuffix(authDomain, "."))
	fromDomain = strings.ToLower(strings.TrimSuffix(fromDomain, "."))
	if authDomain == "" {
		return false
	}
	if mode == AlignStrict {
		return authDomain == fromDomain
	}
	return organizationalDomain(authDomain) == organizationalDomain(fromDomain)
}

// organizationalDomain approximates the "organizational domain" of RFC
// 7489 Appendix A by keeping the last two labels. A full implementation
// would consult the Public Suffix List; that list is not part of any
// example repo in the corpus, so this heuristic is used instead and
// documented as a known simplification.
func organizationalDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
