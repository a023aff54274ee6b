// Package stagectx implements the staged transaction context of §3.1/§4.2:
// a monotone Connect → Helo → MailFrom → RcptTo → Complete progression
// behind a reader-writer lock, exposing read/write closures so callers
// release the lock before returning to the I/O loop (§9 "Replacing
// RAII/scoped locks").
package stagectx

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage identifies the current variant of the tagged union in §3.1.
type Stage int

const (
	Connect Stage = iota
	Helo
	MailFrom
	RcptTo
	Complete
)

func (s Stage) String() string {
	switch s {
	case Connect:
		return "connect"
	case Helo:
		return "helo"
	case MailFrom:
		return "mail_from"
	case RcptTo:
		return "rcpt_to"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// StateError is raised when a primitive runs outside its valid stage range.
type StateError struct {
	Expected []Stage
	Got      Stage
}

func (e *StateError) Error() string {
	return fmt.Sprintf("stagectx: invalid at stage %s, expected one of %v", e.Got, e.Expected)
}

func newStateError(got Stage, expected ...Stage) *StateError {
	return &StateError{Expected: expected, Got: got}
}

func allowed(got Stage, expected ...Stage) bool {
	for _, e := range expected {
		if e == got {
			return true
		}
	}
	return false
}

// TLSProps records the negotiated TLS parameters of §3.1 ConnectProps.
type TLSProps struct {
	Version    uint16
	Cipher     uint16
	PeerCerts  [][]byte
	ALPN       string
}

// SASLState tracks in-progress/completed SASL authentication.
type SASLState struct {
	Mechanism      string
	IsAuthenticated bool
	Identity       string
	CancelCount    int
}

// AuthVerdict is the uniform result shape of §4.4, reused across SPF/IPrev.
// DKIM and DMARC have their own richer result types in internal/authverify
// but embed the same Value enum.
type AuthVerdict struct {
	Value  AuthValue
	Domain string // effective domain checked, where applicable
	Detail string
}

// AuthValue enumerates the uniform verdict values of §4.4.
type AuthValue int

const (
	ValueNone AuthValue = iota
	ValueNeutral
	ValuePass
	ValueFail
	ValueSoftFail
	ValueTempError
	ValuePermError
	ValuePolicy
)

func (v AuthValue) String() string {
	switch v {
	case ValueNone:
		return "none"
	case ValueNeutral:
		return "neutral"
	case ValuePass:
		return "pass"
	case ValueFail:
		return "fail"
	case ValueSoftFail:
		return "softfail"
	case ValueTempError:
		return "temperror"
	case ValuePermError:
		return "permerror"
	case ValuePolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// Is compares the value against a string literal, case-insensitively,
// per §4.4 ("value comparison with string literals is supported").
func (v AuthValue) Is(literal string) bool {
	return strings.EqualFold(v.String(), literal)
}

// ConnectProps holds the fields present from TCP accept onward.
type ConnectProps struct {
	ConnectTimestamp time.Time
	ConnectUUID      uuid.UUID
	ClientAddr       net.Addr
	ServerAddr       net.Addr
	ServerName       string
	SASL             *SASLState
	IPrev            *AuthVerdict
	TLS              *TLSProps
}

// HeloProps holds the fields added at HELO/EHLO.
type HeloProps struct {
	ClientIdentity string
	IsDeprecated   bool // true if the client used HELO, not EHLO
	SPFHelo        *AuthVerdict
}

// DSNRet is the DSN RET parameter from MAIL FROM.
type DSNRet int

const (
	RetUnset DSNRet = iota
	RetFull
	RetHdrs
)

// MailFromProps holds the fields added at MAIL FROM.
type MailFromProps struct {
	ReversePath    *string // nil for the null reverse-path "<>"
	MailTimestamp  time.Time
	MessageUUID    uuid.UUID
	Envid          *string
	Ret            DSNRet
	SPFMailFrom    *AuthVerdict
}

// DeliveryRoute names a dispatch bucket per the glossary.
type DeliveryRoute struct {
	Kind    RouteKind
	Service string // Forward{service} or Extern{name}
}

type RouteKind int

const (
	RouteBasic RouteKind = iota
	RouteMaildir
	RouteMbox
	RouteForward
	RouteExtern
)

func (k RouteKind) String() string {
	switch k {
	case RouteBasic:
		return "basic"
	case RouteMaildir:
		return "maildir"
	case RouteMbox:
		return "mbox"
	case RouteForward:
		return "forward"
	case RouteExtern:
		return "extern"
	default:
		return "unknown"
	}
}

// Key renders a routing key, including the Forward/Extern qualifier so
// two routes of different services never collide as map keys.
func (r DeliveryRoute) Key() string {
	if r.Service == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ":" + r.Service
}

// ParseRouteKey reverses DeliveryRoute.Key, for callers that only have
// the wire-level routing key (cmd/delivery dispatching on a
// CtxDeliveryPayload.RoutingKey). ok is false when key's kind prefix
// doesn't match any known RouteKind, so callers can fall back to their
// own unrecognized-route handling instead of silently guessing Basic.
func ParseRouteKey(key string) (route DeliveryRoute, ok bool) {
	kind, service, _ := strings.Cut(key, ":")
	rk, ok := parseRouteKind(kind)
	if !ok {
		return DeliveryRoute{}, false
	}
	return DeliveryRoute{Kind: rk, Service: service}, true
}

func parseRouteKind(s string) (RouteKind, bool) {
	switch s {
	case "basic":
		return RouteBasic, true
	case "maildir":
		return RouteMaildir, true
	case "mbox":
		return RouteMbox, true
	case "forward":
		return RouteForward, true
	case "extern":
		return RouteExtern, true
	default:
		return RouteBasic, false
	}
}

// NotifyOn is the recipient's DSN notification preference.
type NotifyOn struct {
	Never   bool
	Success bool
	Failure bool
	Delay   bool
}

// Contains reports whether the given action class should trigger a DSN,
// per §4.6.3 ("the recipient's notify_on bit corresponding to the
// attempt's Action is set").
func (n NotifyOn) Contains(class NotifyClass) bool {
	if n.Never {
		return false
	}
	switch class {
	case NotifyClassSuccess:
		return n.Success
	case NotifyClassFailure:
		return n.Failure
	case NotifyClassDelay:
		return n.Delay
	default:
		return false
	}
}

// NotifyClass groups a delivery Action into the three DSN bit categories.
type NotifyClass int

const (
	NotifyClassSuccess NotifyClass = iota
	NotifyClassFailure
	NotifyClassDelay
	NotifyClassNone
)

// Recipient is one forward-path entry within a DeliveryRoute bucket.
type Recipient struct {
	ForwardPath         string
	OriginalForwardPath *string
	NotifyOn            NotifyOn
}

// RcptToProps holds the fields added at the first RCPT TO.
type RcptToProps struct {
	Routes map[string][]Recipient // keyed by DeliveryRoute.Key()
}

// DKIMResult is one verification outcome, detailed further in
// internal/authverify; stagectx only needs the uniform envelope.
type DKIMResult struct {
	Value     AuthValue
	SDID      string
	AUID      string
	Algorithm string
	Selector  string
	Signature []byte // raw b= bytes, for the 8-char header.b rendering
}

// DMARCResult is the outcome of §4.4.4.
type DMARCResult struct {
	Value AuthValue
	From  string
}

// CompleteProps holds the fields added at end-of-data.
type CompleteProps struct {
	DKIM  []DKIMResult
	DMARC *DMARCResult
}

// Context is the full staged transaction state machine. The zero value is
// not usable; construct with New.
type Context struct {
	stage   Stage
	connect ConnectProps
	helo    HeloProps
	mail    MailFromProps
	rcpt    RcptToProps
	mailRef MailRef
	complete CompleteProps

	rw sync.RWMutex
}

// MailRef abstracts the message body so stagectx does not import
// internal/mailmsg directly (keeps the dependency edge leaf-ward, per the
// spec's "Auth Verifiers → Staged Context → ..." build order).
type MailRef interface{}

// New creates a Context at the Connect stage.
func New(clientAddr, serverAddr net.Addr, serverName string) *Context {
	return &Context{
		stage: Connect,
		connect: ConnectProps{
			ConnectTimestamp: time.Now().UTC(),
			ConnectUUID:      uuid.New(),
			ClientAddr:       clientAddr,
			ServerAddr:       serverAddr,
			ServerName:       serverName,
		},
	}
}

// Stage returns the current stage.
func (c *Context) Stage() Stage { return c.stage }

// Read runs fn with a read lock held, then releases it before returning.
func (c *Context) Read(fn func(c *Context)) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	fn(c)
}

// Write runs fn with a write lock held, then releases it before returning.
func (c *Context) Write(fn func(c *Context)) {
	c.rw.Lock()
	defer c.rw.Unlock()
	fn(c)
}

// clone is used by ProduceNew to copy the lock-protected fields without
// copying the mutex itself (sync.RWMutex must not be copied after use).

// Connect returns the ConnectProps; valid at every stage.
func (c *Context) Connect() ConnectProps { return c.connect }

// Helo returns the HeloProps; valid from Helo onward.
func (c *Context) Helo() (HeloProps, error) {
	if !allowed(c.stage, Helo, MailFrom, RcptTo, Complete) {
		return HeloProps{}, newStateError(c.stage, Helo, MailFrom, RcptTo, Complete)
	}
	return c.helo, nil
}

// MailFromInfo returns the MailFromProps; valid from MailFrom onward.
func (c *Context) MailFromInfo() (MailFromProps, error) {
	if !allowed(c.stage, MailFrom, RcptTo, Complete) {
		return MailFromProps{}, newStateError(c.stage, MailFrom, RcptTo, Complete)
	}
	return c.mail, nil
}

// RcptToInfo returns the RcptToProps; valid from RcptTo onward.
func (c *Context) RcptToInfo() (RcptToProps, error) {
	if !allowed(c.stage, RcptTo, Complete) {
		return RcptToProps{}, newStateError(c.stage, RcptTo, Complete)
	}
	return c.rcpt, nil
}

// CompleteInfo returns the CompleteProps; valid only at Complete.
func (c *Context) CompleteInfo() (CompleteProps, error) {
	if c.stage != Complete {
		return CompleteProps{}, newStateError(c.stage, Complete)
	}
	return c.complete, nil
}

// Mail returns the opaque message reference attached at set_complete.
func (c *Context) Mail() (MailRef, error) {
	if c.stage != Complete {
		return nil, newStateError(c.stage, Complete)
	}
	return c.mailRef, nil
}

// SetHelo is valid at Connect or Helo; sets stage = Helo and overwrites
// the helo fields (§4.2).
func (c *Context) SetHelo(clientIdentity string, deprecated bool) error {
	if !allowed(c.stage, Connect, Helo) {
		return newStateError(c.stage, Connect, Helo)
	}
	c.helo = HeloProps{ClientIdentity: clientIdentity, IsDeprecated: deprecated}
	c.stage = Helo
	return nil
}

// SetSecured records negotiated TLS props; valid at Connect or Helo.
// ServerName is replaced by sni when non-empty.
func (c *Context) SetSecured(sni string, version, cipher uint16, peerCerts [][]byte, alpn string) error {
	if !allowed(c.stage, Connect, Helo) {
		return newStateError(c.stage, Connect, Helo)
	}
	c.connect.TLS = &TLSProps{Version: version, Cipher: cipher, PeerCerts: peerCerts, ALPN: alpn}
	if sni != "" {
		c.connect.ServerName = sni
	}
	return nil
}

// SetMailFrom is valid only at Helo; transitions to MailFrom, generating
// the message UUID exactly once (§3.1 invariant iii).
func (c *Context) SetMailFrom(reversePath *string, envid *string, ret DSNRet) error {
	if c.stage != Helo {
		return newStateError(c.stage, Helo)
	}
	c.mail = MailFromProps{
		ReversePath:   reversePath,
		MailTimestamp: time.Now().UTC(),
		MessageUUID:   uuid.New(),
		Envid:         envid,
		Ret:           ret,
	}
	c.stage = MailFrom
	return nil
}

// SetRcptTo appends rcpt to route's bucket, creating the bucket if absent.
// Valid at MailFrom or RcptTo; transitions to RcptTo.
func (c *Context) SetRcptTo(route DeliveryRoute, rcpt Recipient) error {
	if !allowed(c.stage, MailFrom, RcptTo) {
		return newStateError(c.stage, MailFrom, RcptTo)
	}
	if c.rcpt.Routes == nil {
		c.rcpt.Routes = make(map[string][]Recipient)
	}
	key := route.Key()
	c.rcpt.Routes[key] = append(c.rcpt.Routes[key], rcpt)
	c.stage = RcptTo
	return nil
}

// AbortMailFrom discards the MAIL FROM just recorded and reverts to
// Helo, for a rule-stage Deny at OnMailFrom (§4.1: "5xx, stay in Helo").
// Valid only at MailFrom, before any RCPT TO has been accepted.
func (c *Context) AbortMailFrom() error {
	if c.stage != MailFrom {
		return newStateError(c.stage, MailFrom)
	}
	c.mail = MailFromProps{}
	c.stage = Helo
	return nil
}

// RemoveRecipient undoes the most recent SetRcptTo call for route, for a
// rule-stage Deny at OnRcptTo (§4.1: "5xx, recipient not added"). It
// drops the bucket if it becomes empty, and reverts the stage to
// MailFrom if no recipient remains in any bucket, so a transaction with
// every RCPT TO denied cannot reach DATA.
func (c *Context) RemoveRecipient(route DeliveryRoute) error {
	if c.stage != RcptTo {
		return newStateError(c.stage, RcptTo)
	}
	key := route.Key()
	bucket := c.rcpt.Routes[key]
	if n := len(bucket); n > 0 {
		bucket = bucket[:n-1]
	}
	if len(bucket) == 0 {
		delete(c.rcpt.Routes, key)
	} else {
		c.rcpt.Routes[key] = bucket
	}

	total := 0
	for _, v := range c.rcpt.Routes {
		total += len(v)
	}
	if total == 0 {
		c.stage = MailFrom
	}
	return nil
}

// SetComplete is valid only at RcptTo; transitions to Complete, dropping
// any route bucket left empty.
func (c *Context) SetComplete(mail MailRef) error {
	if c.stage != RcptTo {
		return newStateError(c.stage, RcptTo)
	}
	for k, v := range c.rcpt.Routes {
		if len(v) == 0 {
			delete(c.rcpt.Routes, k)
		}
	}
	c.mailRef = mail
	c.stage = Complete
	return nil
}

// Reset drops mail-from/rcpt/body state. It returns to Helo if the helo
// fields were ever set, else to Connect.
func (c *Context) Reset() {
	c.mail = MailFromProps{}
	c.rcpt = RcptToProps{}
	c.complete = CompleteProps{}
	c.mailRef = nil
	if c.helo.ClientIdentity != "" {
		c.stage = Helo
	} else {
		c.stage = Connect
	}
}

// ProduceNew clones the context and resets it, forming the basis for the
// next transaction pipelined on the same connection. Valid only at Complete.
func (c *Context) ProduceNew() (*Context, error) {
	if c.stage != Complete {
		return nil, newStateError(c.stage, Complete)
	}
	clone := &Context{
		stage:   c.stage,
		connect: c.connect,
		helo:    c.helo,
		mail:    c.mail,
		rcpt:    c.rcpt,
		complete: c.complete,
	}
	clone.Reset()
	return clone, nil
}

// Rehydrate reconstructs a Context at the Complete stage from the fields
// a CtxReceivedPayload carries over the broker, so a consumer on the far
// side of the wire (cmd/working, running OnPostQueue) can call
// ComputeFlow and RunStage exactly as the receiver did. It bypasses the
// ordinary stage transitions since the transaction already completed on
// the receiver side; the stage machine here exists only to satisfy the
// accessor guards (Helo, MailFromInfo, RcptToInfo, CompleteInfo, Mail).
func Rehydrate(helo string, reversePath *string, routes map[string][]Recipient, mail MailRef) *Context {
	return &Context{
		stage:   Complete,
		helo:    HeloProps{ClientIdentity: helo},
		mail:    MailFromProps{ReversePath: reversePath},
		rcpt:    RcptToProps{Routes: routes},
		mailRef: mail,
	}
}
