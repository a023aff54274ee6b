package delivery

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternWorkerDeliversViaStdin(t *testing.T) {
	w := NewExternWorker(ExternSpec{
		Name:    "cat-check",
		Args:    []string{"cat"},
		Timeout: 5 * time.Second,
	})

	attempt := w.Deliver(context.Background(), []string{"a@x.test"}, []byte("hello"))
	require.Len(t, attempt.PerRecipient, 1)
	assert.Equal(t, ActionDelivered, attempt.PerRecipient[0].Action)
	require.NotNil(t, attempt.Local)
	assert.Equal(t, LocalErrSuccess, attempt.Local.ErrorClass)
}

func TestExternWorkerReportsFailureOnNonZeroExit(t *testing.T) {
	w := NewExternWorker(ExternSpec{
		Name: "false-check",
		Args: []string{"false"},
	})

	attempt := w.Deliver(context.Background(), []string{"a@x.test"}, []byte("hello"))
	assert.Equal(t, ActionFailed, attempt.PerRecipient[0].Action)
}

func TestExternWorkerTimesOutLongRunningCommand(t *testing.T) {
	w := NewExternWorker(ExternSpec{
		Name:    "sleep-check",
		Args:    []string{"sleep", "5"},
		Timeout: 50 * time.Millisecond,
	})

	local, err := w.run(context.Background(), []byte{})
	require.Error(t, err)
	assert.Equal(t, LocalErrTimeout, local.ErrorClass)
}

func TestExternWorkerRejectsMissingCommand(t *testing.T) {
	w := NewExternWorker(ExternSpec{Name: "empty"})
	_, err := w.run(context.Background(), bytes.NewBufferString("x").Bytes())
	assert.Error(t, err)
}
