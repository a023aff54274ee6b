// SPF verification per RFC 7208, generalized from the teacher's ad hoc
// VerifySPF string-matching in internal/engine/dns.go into a real term
// evaluator producing the uniform verdict of §4.4.
package authverify

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/relaymta/relaymta/internal/dnsutil"
	"github.com/relaymta/relaymta/internal/stagectx"
)

// Identity selects which of the two SPF checks of §4.4.2 to run.
type Identity int

const (
	IdentityHelo Identity = iota
	IdentityMailFrom
)

// SPFResult is the outcome of one identity check, stored on
// spf_helo_identity or spf_mail_from_identity (§4.4.2).
type SPFResult struct {
	stagectx.AuthVerdict
	Identity Identity
}

// maxSPFLookups bounds how deeply include: mechanisms may nest, after
// RFC 7208 §4.6.4's 10-lookup limit; a and mx lookups are not counted
// against it, and redirect= modifiers are not followed.
const maxSPFLookups = 10

// CheckHostSPF evaluates the SPF record for domain against ip, following
// RFC 7208 mechanism evaluation order: each mechanism is tried in
// sequence until one matches, defaulting to Neutral ("?all" equivalent)
// when the record has no terminal "all".
func CheckHostSPF(ctx context.Context, r *dnsutil.Resolver, domain string, ip net.IP, heloOrMailFromDomain string) (SPFResult, error) {
	if domain == "" {
		return SPFResult{AuthVerdict: stagectx.AuthVerdict{Value: stagectx.ValueNone}}, nil
	}

	record, err := lookupSPFRecord(ctx, r, domain)
	if err != nil {
		var nx *dnsutil.ErrNXDomain
		if isNX(err, &nx) {
			return SPFResult{AuthVerdict: stagectx.AuthVerdict{Value: stagectx.ValueNone, Domain: domain}}, nil
		}
		return SPFResult{AuthVerdict: stagectx.AuthVerdict{Value: stagectx.ValueTempError, Domain: domain}}, nil
	}
	if record == "" {
		return SPFResult{AuthVerdict: stagectx.AuthVerdict{Value: stagectx.ValueNone, Domain: domain}}, nil
	}

	value, detail := evaluateSPF(ctx, r, record, domain, ip, 0)
	return SPFResult{AuthVerdict: stagectx.AuthVerdict{Value: value, Domain: domain, Detail: detail}}, nil
}

func lookupSPFRecord(ctx context.Context, r *dnsutil.Resolver, domain string) (string, error) {
	records, err := r.LookupTXT(ctx, domain)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if strings.HasPrefix(rec, "v=spf1") {
			return rec, nil
		}
	}
	return "", nil
}

// evaluateSPF walks the mechanism terms of an SPF record in order.
func evaluateSPF(ctx context.Context, r *dnsutil.Resolver, record, domain string, ip net.IP, depth int) (stagectx.AuthValue, string) {
	if depth > maxSPFLookups {
		return stagectx.ValuePermError, "too many DNS mechanism lookups"
	}

	terms := strings.Fields(record)
	for _, term := range terms[1:] { // skip "v=spf1"
		qualifier, mech, arg := splitTerm(term)

		var matched bool
		switch {
		case mech == "all":
			matched = true
		case mech == "ip4" || mech == "ip6":
			matched = matchCIDR(ip, arg)
		case mech == "a":
			matched = matchA(ctx, r, arg, domain, ip)
		case mech == "mx":
			matched = matchMX(ctx, r, arg, domain, ip)
		case mech == "include":
			included, includeErr := lookupSPFRecord(ctx, r, arg)
			if includeErr == nil && included != "" {
				v, _ := evaluateSPF(ctx, r, included, arg, ip, depth+1)
				matched = v == stagectx.ValuePass
			}
		default:
			continue
		}

		if matched {
			return qualifierToValue(qualifier), fmt.Sprintf("matched %q", term)
		}
	}
	return stagectx.ValueNeutral, "no terms matched, implicit ?all"
}

func splitTerm(term string) (qualifier byte, mech string, arg string) {
	qualifier = '+'
	if len(term) > 0 {
		switch term[0] {
		case '+', '-', '~', '?':
			qualifier = term[0]
			term = term[1:]
		}
	}
	if i := strings.IndexByte(term, ':'); i >= 0 {
		return qualifier, term[:i], term[i+1:]
	}
	if i := strings.IndexByte(term, '='); i >= 0 {
		return qualifier, term[:i], term[i+1:]
	}
	return qualifier, term, ""
}

func qualifierToValue(q byte) stagectx.AuthValue {
	switch q {
	case '+':
		return stagectx.ValuePass
	case '-':
		return stagectx.ValueFail
	case '~':
		return stagectx.ValueSoftFail
	case '?':
		return stagectx.ValueNeutral
	default:
		return stagectx.ValueNeutral
	}
}

func matchCIDR(ip net.IP, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		return ip.Equal(net.ParseIP(cidr))
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

func matchA(ctx context.Context, r *dnsutil.Resolver, arg, domain string, ip net.IP) bool {
	host := arg
	if host == "" {
		host = domain
	}
	ips, err := r.ResolveIP(ctx, host)
	if err != nil {
		return false
	}
	for _, i := range ips {
		if i.Equal(ip) {
			return true
		}
	}
	return false
}

func matchMX(ctx context.Context, r *dnsutil.Resolver, arg, domain string, ip net.IP) bool {
	host := arg
	if host == "" {
		host = domain
	}
	records, err := r.LookupMX(ctx, host)
	if err != nil {
		return false
	}
	for _, mx := range records {
		if matchA(ctx, r, mx.Host, domain, ip) {
			return true
		}
	}
	return false
}

// CheckHeloSPF implements the HELO identity check of §4.4.2: when the
// HELO/EHLO argument is an IP literal rather than a domain, the result is
// None.
func CheckHeloSPF(ctx context.Context, r *dnsutil.Resolver, heloArg string, ip net.IP) (SPFResult, error) {
	if net.ParseIP(heloArg) != nil {
		return SPFResult{AuthVerdict: stagectx.AuthVerdict{Value: stagectx.ValueNone}, Identity: IdentityHelo}, nil
	}
	res, err := CheckHostSPF(ctx, r, heloArg, ip, heloArg)
	res.Identity = IdentityHelo
	return res, err
}

// CheckMailFromSPF implements the MAIL FROM identity check of §4.4.2:
// when the reverse path is null ("<>"), the HELO domain is used instead.
func CheckMailFromSPF(ctx context.Context, r *dnsutil.Resolver, reversePath *string, heloDomain string, ip net.IP) (SPFResult, error) {
	domain := heloDomain
	if reversePath != nil {
		if at := strings.LastIndexByte(*reversePath, '@'); at >= 0 {
			domain = (*reversePath)[at+1:]
		}
	}
	res, err := CheckHostSPF(ctx, r, domain, ip, domain)
	res.Identity = IdentityMailFrom
	return res, err
}

func isNX(err error, target **dnsutil.ErrNXDomain) bool {
	nx, ok := err.(*dnsutil.ErrNXDomain)
	if ok {
		*target = nx
	}
	return ok
}
