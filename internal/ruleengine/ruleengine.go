// Package ruleengine hosts the rule-engine surface of §4.3 as a
// Go-native hook registry rather than an embedded scripting language,
// per §9's "scripting host neutrality" note: the capability surface is
// what's specified, not the host language. Shaped like the teacher's
// middleware-style handler composition, generalized from per-request
// chains to per-stage directive chains keyed by domain and flow.
package ruleengine

import (
	"log/slog"

	"github.com/relaymta/relaymta/internal/reply"
	"github.com/relaymta/relaymta/internal/stagectx"
)

// StageName names one of the hook points of §4.3.
type StageName string

const (
	OnConnect     StageName = "connect"
	OnHelo        StageName = "helo"
	OnAuthenticate StageName = "authenticate"
	OnMailFrom    StageName = "mail_from"
	OnRcptTo      StageName = "rcpt_to"
	OnPreQueue    StageName = "pre_queue"
	OnPostQueue   StageName = "post_queue"
)

// FlowType classifies a message's traffic direction (§4.3 "Email flow tag").
type FlowType int

const (
	FlowInbound FlowType = iota
	FlowOutbound
	FlowLocal
)

func (f FlowType) String() string {
	switch f {
	case FlowInbound:
		return "inbound"
	case FlowOutbound:
		return "outbound"
	case FlowLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Flow is the computed dispatch key: which domain's rules apply, and
// along which direction.
type Flow struct {
	Domain string
	Type   FlowType
}

// ComputeFlow derives a Flow from a context in progress, per §4.3:
// Local when the recipient's route resolves to a local mailbox on this
// host, Outbound when the sender's domain is locally hosted, Inbound
// otherwise. localDomains is the set of domains this node is
// authoritative for.
func ComputeFlow(c *stagectx.Context, localDomains map[string]bool) Flow {
	helo, err := c.Helo()
	domain := ""
	if err == nil {
		domain = helo.ClientIdentity
	}
	if mf, merr := c.MailFromInfo(); merr == nil && mf.ReversePath != nil {
		if d := domainOf(*mf.ReversePath); d != "" {
			domain = d
		}
	}
	if localDomains[domain] {
		return Flow{Domain: domain, Type: FlowOutbound}
	}
	if rt, rerr := c.RcptToInfo(); rerr == nil {
		for _, recipients := range rt.Routes {
			for _, rcpt := range recipients {
				if d := domainOf(rcpt.ForwardPath); localDomains[d] {
					return Flow{Domain: d, Type: FlowLocal}
				}
			}
		}
	}
	return Flow{Domain: domain, Type: FlowInbound}
}

func domainOf(mailbox string) string {
	for i := len(mailbox) - 1; i >= 0; i-- {
		if mailbox[i] == '@' {
			return mailbox[i+1:]
		}
	}
	return ""
}

// RuleAPI is the capability surface exposed to directives: context
// inspection/mutation, delivery routing, authentication, and I/O
// side-effects (§4.3). It wraps a *stagectx.Context and the shared
// service handles a directive may need.
type RuleAPI struct {
	Ctx    *stagectx.Context
	IO     IOPort
	Logger Logger
}

// IOPort is the I/O side-effect surface a directive can use: dumping the
// raw message and dumping the context as JSON. FileDumper in this
// package implements it. DNS lookups and process spawning are not part
// of this interface.
type IOPort interface {
	DumpMessage(uuid string, raw []byte) error
	DumpContext(uuid string, jsonBytes []byte) error
}

// Logger is the minimal structured-logging surface a directive needs;
// satisfied by *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to Logger, shared by every binary
// that drives a stage (cmd/receiver via internal/smtpd, cmd/working).
type SlogLogger struct{ L *slog.Logger }

func NewSlogLogger(l *slog.Logger) SlogLogger { return SlogLogger{L: l} }

func (a SlogLogger) Info(msg string, args ...any)  { a.L.Info(msg, args...) }
func (a SlogLogger) Warn(msg string, args ...any)  { a.L.Warn(msg, args...) }
func (a SlogLogger) Error(msg string, args ...any) { a.L.Error(msg, args...) }

// Directive is one rule function. It returns Next to let the stage's
// next directive run, or a terminal status that short-circuits the
// stage (§4.3 "Return discipline").
type Directive func(api *RuleAPI) reply.Status

// Stage is an ordered list of directives run until the first non-Next
// result.
type Stage []Directive

// Run executes a stage's directives in order, short-circuiting on the
// first non-Next status. An empty stage (or one that runs out of
// directives) returns Next, leaving the caller to apply its own default.
func (s Stage) Run(api *RuleAPI) reply.Status {
	for _, d := range s {
		status := d(api)
		if status.Kind != reply.Next {
			return status
		}
	}
	return reply.NextStatus()
}

// Registry indexes directives by Domain -> Stage -> Directives, mirroring
// the module_resolver's per-domain rule file/directory layout (§4.3
// "Composition"). "*" is the catch-all domain bucket.
type Registry struct {
	byDomain map[string]map[StageName]Stage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byDomain: make(map[string]map[StageName]Stage)}
}

// Register appends directive to the named domain's stage, creating
// buckets as needed. Use domain "*" for rules applying to every domain.
func (r *Registry) Register(domain string, stage StageName, directive Directive) {
	if r.byDomain[domain] == nil {
		r.byDomain[domain] = make(map[StageName]Stage)
	}
	r.byDomain[domain][stage] = append(r.byDomain[domain][stage], directive)
}

// Resolve returns the stage for (domain, stage), falling back to the "*"
// catch-all bucket when the domain has no rules of its own, concatenating
// catch-all directives ahead of domain-specific ones.
func (r *Registry) Resolve(domain string, stage StageName) Stage {
	var out Stage
	if wildcard, ok := r.byDomain["*"]; ok {
		out = append(out, wildcard[stage]...)
	}
	if perDomain, ok := r.byDomain[domain]; ok {
		out = append(out, perDomain[stage]...)
	}
	return out
}

// RunStage resolves and runs a stage for the given flow's domain.
// Per §4.3 "Return discipline", the caller (receiver or worker) supplies
// the appropriate default (Deny or Fail) when the stage runs dry.
func (r *Registry) RunStage(api *RuleAPI, flow Flow, stage StageName) reply.Status {
	return r.Resolve(flow.Domain, stage).Run(api)
}
