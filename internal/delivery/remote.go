// Package delivery implements the delivery-attempt model of §3.4/§4.6:
// the forward-only RemoteInformation state machine, the five delivery
// routes, post-delivery policy (retry/deferred/dead/DSN), and the
// circuit breaker and bounce classifier adapted from the teacher's
// internal/engine/{sender,circuit_breaker,bounce,dns}.go.
package delivery

import (
	"time"

	"github.com/relaymta/relaymta/internal/reply"
)

// RemoteStage is the discriminant of the "furthest point reached" union
// of §3.4. Values are ordered; transitions only move forward except via
// Finalize.
type RemoteStage int

const (
	StageDNSMxLookup RemoteStage = iota
	StageDNSMxIPLookup
	StageTCPConnection
	StageSMTPGreetings
	StageSMTPEhlo
	StageSMTPTLSUpgrade
	StageSMTPMailFrom
	StageSMTPRcptTo
	StageSMTPData
	StageSMTPDataEnd
)

func (s RemoteStage) String() string {
	names := [...]string{
		"dns_mx_lookup", "dns_mx_ip_lookup", "tcp_connection", "smtp_greetings",
		"smtp_ehlo", "smtp_tls_upgrade", "smtp_mail_from", "smtp_rcpt_to",
		"smtp_data", "smtp_data_end",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// MXRecord is one resolved mail exchanger.
type MXRecord struct {
	Host     string
	Priority uint16
}

// RemoteInformation is the per-attempt discriminated union of §3.4: each
// field is populated as the conversation advances, and IOErr captures an
// error observed on the current (furthest) step.
type RemoteInformation struct {
	Stage RemoteStage

	MXRecords   []MXRecord
	TargetIPs   []string
	Target      string // host:port actually dialed
	Greeting    *reply.Reply
	EhloLines   []string
	TLSUpgraded bool
	MailFromReply *reply.Reply
	RcptReplies   map[string]reply.Reply // keyed by recipient
	DataReply     *reply.Reply

	IOErr error
}

// advance moves the state forward to stage, recording err if non-nil.
// It never moves backward; callers enforce ordering by construction
// (each SMTP step function only calls the next stage's advance).
func (r *RemoteInformation) advance(stage RemoteStage, err error) {
	r.Stage = stage
	r.IOErr = err
}

// Finalize rewinds a failed transaction to its last successful
// pre-transaction checkpoint (§3.4, §4.6.4), so a retry does not resend
// MAIL FROM/RCPT TO state the remote already rejected mid-conversation.
// The checkpoint is SmtpEhlo: everything at or before it (connection,
// greeting, EHLO) is safe to reuse; MAIL FROM onward must restart clean.
func (r *RemoteInformation) Finalize() RemoteInformation {
	if r.Stage <= StageSMTPEhlo {
		return *r
	}
	return RemoteInformation{
		Stage:     StageSMTPEhlo,
		MXRecords: r.MXRecords,
		TargetIPs: r.TargetIPs,
		Target:    r.Target,
		Greeting:  r.Greeting,
		EhloLines: r.EhloLines,
	}
}

// Action is the per-recipient delivery outcome of RFC 3464 §2.3.3 / §3.4.
type Action int

const (
	ActionDelivered Action = iota
	ActionRelayed
	ActionExpanded
	ActionDelayed
	ActionFailed
)

func (a Action) String() string {
	switch a {
	case ActionDelivered:
		return "delivered"
	case ActionRelayed:
		return "relayed"
	case ActionExpanded:
		return "expanded"
	case ActionDelayed:
		return "delayed"
	case ActionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeliveredRecipient pairs a recipient address with its derived Action
// and the diagnostic text backing it (§3.4).
type DeliveredRecipient struct {
	Address    string
	Action     Action
	Diagnostic string
	WillRetryUntil *time.Time
}

// DeriveAction implements §4.6.4's per-recipient Action derivation:
// a 5xx RCPT reply fails outright; a 4xx RCPT reply delays outright;
// otherwise the final DATA reply governs.
func DeriveAction(rcptReply *reply.Reply, dataReply *reply.Reply) Action {
	if rcptReply != nil {
		switch {
		case rcptReply.IsPermanent():
			return ActionFailed
		case rcptReply.IsTransient():
			return ActionDelayed
		}
	}
	if dataReply == nil {
		return ActionDelayed
	}
	switch {
	case dataReply.IsPositive():
		return ActionDelivered
	case dataReply.IsTransient():
		return ActionDelayed
	default:
		return ActionFailed
	}
}

// EnhancedCodeForLocalError maps a local delivery error class to the
// enhanced status code table of §3.4.
func EnhancedCodeForLocalError(class LocalErrorClass) string {
	switch class {
	case LocalErrNoSuchUser:
		return "5.1.1"
	case LocalErrPermission, LocalErrBrokenPipe, LocalErrExists:
		return "5.0.0"
	case LocalErrTimeout:
		return "4.4.7"
	case LocalErrStorageFull:
		return "4.3.1"
	case LocalErrOOM:
		return "4.3.0"
	case LocalErrSuccess:
		return "2.0.0"
	default:
		return "5.0.0"
	}
}

// LocalErrorClass enumerates the local-delivery failure classes of §3.4.
type LocalErrorClass int

const (
	LocalErrSuccess LocalErrorClass = iota
	LocalErrNoSuchUser
	LocalErrPermission
	LocalErrBrokenPipe
	LocalErrExists
	LocalErrTimeout
	LocalErrStorageFull
	LocalErrOOM
)
