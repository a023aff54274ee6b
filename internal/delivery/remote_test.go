package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymta/relaymta/internal/reply"
)

func TestFinalizeRewindsToEhloCheckpoint(t *testing.T) {
	r := &RemoteInformation{
		Stage:         StageSMTPDataEnd,
		MXRecords:     []MXRecord{{Host: "mx.test", Priority: 10}},
		TargetIPs:     []string{"1.2.3.4"},
		Target:        "mx.test:25",
		Greeting:      &reply.Reply{Code: 220, Text: "mx.test ESMTP"},
		EhloLines:     []string{"250-mx.test", "250 PIPELINING"},
		TLSUpgraded:   true,
		MailFromReply: &reply.Reply{Code: 250, Text: "OK"},
		RcptReplies:   map[string]reply.Reply{"a@b.test": {Code: 250}},
		DataReply:     &reply.Reply{Code: 250, Text: "Queued"},
	}

	finalized := r.Finalize()
	assert.Equal(t, StageSMTPEhlo, finalized.Stage)
	assert.Equal(t, r.MXRecords, finalized.MXRecords)
	assert.Equal(t, r.EhloLines, finalized.EhloLines)
	assert.Nil(t, finalized.MailFromReply)
	assert.Nil(t, finalized.RcptReplies)
	assert.Nil(t, finalized.DataReply)
}

func TestFinalizeIsNoOpBeforeEhloCheckpoint(t *testing.T) {
	r := &RemoteInformation{Stage: StageTCPConnection}
	finalized := r.Finalize()
	assert.Equal(t, StageTCPConnection, finalized.Stage)
}

func TestDeriveActionFromRcptReply(t *testing.T) {
	permanent := reply.Reply{Code: 550}
	assert.Equal(t, ActionFailed, DeriveAction(&permanent, nil))

	transient := reply.Reply{Code: 450}
	assert.Equal(t, ActionDelayed, DeriveAction(&transient, nil))
}

func TestDeriveActionFromDataReplyWhenRcptAccepted(t *testing.T) {
	accepted := reply.Reply{Code: 250}
	positiveData := reply.Reply{Code: 250, Text: "Queued"}
	assert.Equal(t, ActionDelivered, DeriveAction(&accepted, &positiveData))

	transientData := reply.Reply{Code: 451}
	assert.Equal(t, ActionDelayed, DeriveAction(&accepted, &transientData))

	permanentData := reply.Reply{Code: 552}
	assert.Equal(t, ActionFailed, DeriveAction(&accepted, &permanentData))
}

func TestDeriveActionDelaysWhenNoDataReplyYet(t *testing.T) {
	accepted := reply.Reply{Code: 250}
	assert.Equal(t, ActionDelayed, DeriveAction(&accepted, nil))
}

func TestEnhancedCodeForLocalErrorTable(t *testing.T) {
	assert.Equal(t, "5.1.1", EnhancedCodeForLocalError(LocalErrNoSuchUser))
	assert.Equal(t, "4.4.7", EnhancedCodeForLocalError(LocalErrTimeout))
	assert.Equal(t, "2.0.0", EnhancedCodeForLocalError(LocalErrSuccess))
}
