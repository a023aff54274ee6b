package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymta/relaymta/internal/stagectx"
)

func mkAttempt(results map[string]Action) Attempt {
	per := make([]DeliveredRecipient, 0, len(results))
	for addr, action := range results {
		per = append(per, DeliveredRecipient{Address: addr, Action: action})
	}
	return Attempt{PerRecipient: per}
}

func TestIsFullyDeliveredRequiresEveryRecipient(t *testing.T) {
	recipients := []string{"a@x.test", "b@x.test"}
	attempts := []Attempt{mkAttempt(map[string]Action{"a@x.test": ActionDelivered})}
	assert.False(t, IsFullyDelivered(recipients, attempts))

	attempts = append(attempts, mkAttempt(map[string]Action{"b@x.test": ActionRelayed}))
	assert.True(t, IsFullyDelivered(recipients, attempts))
}

func TestActionCountsConservesTotal(t *testing.T) {
	recipients := []string{"a@x.test", "b@x.test", "c@x.test"}
	attempts := []Attempt{
		mkAttempt(map[string]Action{"a@x.test": ActionDelivered, "b@x.test": ActionDelayed, "c@x.test": ActionFailed}),
	}
	counts := ActionCounts(attempts)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, len(recipients), total)
}

func TestEvaluateOutcomeSuccess(t *testing.T) {
	recipients := []string{"a@x.test"}
	attempts := []Attempt{mkAttempt(map[string]Action{"a@x.test": ActionDelivered})}
	assert.Equal(t, OutcomeSuccess, EvaluateOutcome(recipients, attempts, 0))
}

func TestEvaluateOutcomeDelayedWithinRetryBudget(t *testing.T) {
	recipients := []string{"a@x.test"}
	attempts := []Attempt{mkAttempt(map[string]Action{"a@x.test": ActionDelayed})}
	assert.Equal(t, OutcomeDelayed, EvaluateOutcome(recipients, attempts, 3))
}

func TestEvaluateOutcomeDeadAfterExceedingRetries(t *testing.T) {
	recipients := []string{"a@x.test"}
	var attempts []Attempt
	for i := 0; i < 5; i++ {
		attempts = append(attempts, mkAttempt(map[string]Action{"a@x.test": ActionDelayed}))
	}
	assert.Equal(t, OutcomeDead, EvaluateOutcome(recipients, attempts, 3))
}

func TestDelayFuncGrowsExponentiallyAndCaps(t *testing.T) {
	assert.Less(t, DelayFunc(0).Seconds(), DelayFunc(3).Seconds())
	assert.LessOrEqual(t, DelayFunc(20).Hours(), 1.0)
}

func TestShouldProduceDSNHonorsNotifyOnAndSupport(t *testing.T) {
	attempts := []Attempt{mkAttempt(map[string]Action{"a@x.test": ActionFailed})}

	notifyAll := map[string]stagectx.NotifyOn{"a@x.test": {Failure: true}}
	assert.True(t, ShouldProduceDSN(attempts, notifyAll, ShouldNotify{Failure: true}))
	assert.False(t, ShouldProduceDSN(attempts, notifyAll, ShouldNotify{Failure: false}))

	notifyNever := map[string]stagectx.NotifyOn{"a@x.test": {Never: true}}
	assert.False(t, ShouldProduceDSN(attempts, notifyNever, ShouldNotify{Failure: true}))
}
