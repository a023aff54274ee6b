// Package dnsutil wraps github.com/miekg/dns the way the teacher's
// internal/engine/dns.go does raw queries, generalized into the shared
// resolver internal/authverify and internal/delivery build verdicts on.
package dnsutil

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// MX is one resolved mail-exchanger record, sorted by ascending priority.
type MX struct {
	Host     string
	Priority uint16
}

// Resolver performs the DNS queries of §6: MX, A/AAAA, TXT, PTR.
type Resolver struct {
	nameserver string
	timeout    time.Duration
}

// New creates a Resolver. If nameserver is empty, it reads /etc/resolv.conf
// and falls back to 8.8.8.8:53, matching the teacher's getSystemResolver.
func New(nameserver string, timeout time.Duration) *Resolver {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if nameserver == "" || nameserver == "system" {
		nameserver = systemResolver()
	}
	if !strings.Contains(nameserver, ":") {
		nameserver += ":53"
	}
	return &Resolver{nameserver: nameserver, timeout: timeout}
}

func systemResolver() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(cfg.Servers) > 0 {
		return cfg.Servers[0] + ":53"
	}
	return "8.8.8.8:53"
}

// ErrNXDomain distinguishes "no such record" from a transport/server
// failure, since SPF/DKIM/DMARC/IPrev each treat the two differently.
type ErrNXDomain struct{ Name string }

func (e *ErrNXDomain) Error() string { return fmt.Sprintf("dnsutil: no record for %s", e.Name) }

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	c := &dns.Client{Timeout: r.timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	reply, _, err := c.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("dnsutil: query %s (%s): %w", name, dns.TypeToString[qtype], err)
	}
	switch reply.Rcode {
	case dns.RcodeSuccess:
		return reply, nil
	case dns.RcodeNameError:
		return reply, &ErrNXDomain{Name: name}
	default:
		return reply, fmt.Errorf("dnsutil: query %s returned %s", name, dns.RcodeToString[reply.Rcode])
	}
}

// LookupMX resolves MX records sorted ascending by priority, falling back
// to the bare domain per RFC 5321 when none exist.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	reply, err := r.query(ctx, domain, dns.TypeMX)
	var nx *ErrNXDomain
	if err != nil && !isNXDomain(err, &nx) {
		return nil, err
	}

	var records []MX
	if reply != nil {
		for _, ans := range reply.Answer {
			if mx, ok := ans.(*dns.MX); ok {
				records = append(records, MX{Host: strings.TrimSuffix(mx.Mx, "."), Priority: mx.Preference})
			}
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Priority < records[j].Priority })

	if len(records) == 0 {
		records = append(records, MX{Host: domain, Priority: 0})
	}
	return records, nil
}

// LookupTXT returns every TXT record's joined value for name.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	reply, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ans := range reply.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// LookupPTR resolves the reverse-DNS names for ip.
func (r *Resolver) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, fmt.Errorf("dnsutil: building reverse address for %s: %w", ip, err)
	}
	reply, err := r.query(ctx, arpa, dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ans := range reply.Answer {
		if ptr, ok := ans.(*dns.PTR); ok {
			out = append(out, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return out, nil
}

// ResolveIP resolves A and AAAA records for host.
func (r *Resolver) ResolveIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	if replyA, err := r.query(ctx, host, dns.TypeA); err == nil {
		for _, ans := range replyA.Answer {
			if a, ok := ans.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}
	if replyAAAA, err := r.query(ctx, host, dns.TypeAAAA); err == nil {
		for _, ans := range replyAAAA.Answer {
			if aaaa, ok := ans.(*dns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dnsutil: no A or AAAA records for %s", host)
	}
	return ips, nil
}

func isNXDomain(err error, target **ErrNXDomain) bool {
	nx, ok := err.(*ErrNXDomain)
	if ok {
		*target = nx
	}
	return ok
}
