package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardWorkerReportsRelayedForEveryRecipient(t *testing.T) {
	w := NewForwardWorker("outbound-relay")
	attempt := w.Deliver([]string{"a@x.test", "b@y.test"})

	require.Len(t, attempt.PerRecipient, 2)
	for _, pr := range attempt.PerRecipient {
		assert.Equal(t, ActionRelayed, pr.Action)
		assert.Contains(t, pr.Diagnostic, "outbound-relay")
	}
}
