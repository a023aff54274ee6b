// Delivery attempt aggregation and post-delivery policy, §3.4/§4.6.2-3.
package delivery

import (
	"time"

	"github.com/relaymta/relaymta/internal/stagectx"
)

// ShouldNotify is a flag-set over the three DSN-relevant action classes
// plus Expanded/Relayed, matching §3.4's DeliveryAttempt.should_notify.
type ShouldNotify struct {
	Success  bool
	Failure  bool
	Delay    bool
	Expanded bool
	Relayed  bool
}

// Attempt is one delivery attempt over a set of recipients (§3.4).
type Attempt struct {
	Recipients   []string
	ShouldNotify ShouldNotify
	Local        *LocalInformation
	Remote       *RemoteInformation
	PerRecipient []DeliveredRecipient
}

// LocalInformation is the inner variant for Maildir/Mbox/Extern routes.
type LocalInformation struct {
	ErrorClass LocalErrorClass
	Diagnostic string
}

// IsFullyDelivered reports whether every recipient has a successful
// action (Delivered, Relayed or Expanded) on some attempt in the list
// (§4.6.2).
func IsFullyDelivered(recipients []string, attempts []Attempt) bool {
	delivered := make(map[string]bool, len(recipients))
	for _, a := range attempts {
		for _, pr := range a.PerRecipient {
			if pr.Action == ActionDelivered || pr.Action == ActionRelayed || pr.Action == ActionExpanded {
				delivered[pr.Address] = true
			}
		}
	}
	for _, r := range recipients {
		if !delivered[r] {
			return false
		}
	}
	return true
}

// ActionCounts sums per-action counts across every (attempt, recipient)
// pair, for the §8 invariant "∑ per-action counts = |recipients|".
func ActionCounts(attempts []Attempt) map[Action]int {
	counts := make(map[Action]int)
	for _, a := range attempts {
		for _, pr := range a.PerRecipient {
			counts[pr.Action]++
		}
	}
	return counts
}

// Outcome is the three-way post-delivery verdict of §4.6.3.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDelayed
	OutcomeDead
)

// DefaultMaxRetries is the retry-attempt threshold of §4.6.3.
const DefaultMaxRetries = 10

// EvaluateOutcome implements §4.6.3's three-way split.
func EvaluateOutcome(recipients []string, attempts []Attempt, maxRetries int) Outcome {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if IsFullyDelivered(recipients, attempts) {
		return OutcomeSuccess
	}
	if len(attempts) <= maxRetries {
		return OutcomeDelayed
	}
	return OutcomeDead
}

// DelayFunc computes the next-retry delay from the attempt count, the
// worker's get_delayed_duration of §4.6.3. The default policy is
// exponential backoff of 2^n seconds for attempt count n, with the
// exponent capped at 10, so the delay never exceeds 1024s (about 17
// minutes); callers may substitute their own.
func DelayFunc(attemptCount int) time.Duration {
	d := time.Duration(1<<uint(min(attemptCount, 10))) * time.Second
	if d > time.Hour {
		return time.Hour
	}
	return d
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// notifyClassOf maps an Action to the NotifyOn bit category it belongs
// to (§4.6.3's "the recipient's notify_on bit corresponding to the
// attempt's Action").
func notifyClassOf(a Action) stagectx.NotifyClass {
	switch a {
	case ActionDelivered, ActionRelayed, ActionExpanded:
		return stagectx.NotifyClassSuccess
	case ActionFailed:
		return stagectx.NotifyClassFailure
	case ActionDelayed:
		return stagectx.NotifyClassDelay
	default:
		return stagectx.NotifyClassNone
	}
}

// ShouldProduceDSN implements §4.6.3's should_produce_dsn: true iff some
// (attempt, recipient, action) triple has the recipient's NotifyOn bit
// set for that action's class AND the worker's support flag-set also
// advertises it.
func ShouldProduceDSN(attempts []Attempt, recipientNotify map[string]stagectx.NotifyOn, support ShouldNotify) bool {
	for _, a := range attempts {
		for _, pr := range a.PerRecipient {
			notify, ok := recipientNotify[pr.Address]
			if !ok || notify.Never {
				continue
			}
			class := notifyClassOf(pr.Action)
			if !notify.Contains(class) {
				continue
			}
			if !supportContains(support, class) {
				continue
			}
			return true
		}
	}
	return false
}

func supportContains(support ShouldNotify, class stagectx.NotifyClass) bool {
	switch class {
	case stagectx.NotifyClassSuccess:
		return support.Success
	case stagectx.NotifyClassFailure:
		return support.Failure
	case stagectx.NotifyClassDelay:
		return support.Delay
	default:
		return false
	}
}
