package ruleengine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymta/relaymta/internal/reply"
	"github.com/relaymta/relaymta/internal/stagectx"
)

func TestStageRunShortCircuitsOnFirstNonNext(t *testing.T) {
	var calls []int
	stage := Stage{
		func(api *RuleAPI) reply.Status { calls = append(calls, 1); return reply.NextStatus() },
		func(api *RuleAPI) reply.Status { calls = append(calls, 2); return reply.DenyStatus(nil) },
		func(api *RuleAPI) reply.Status { calls = append(calls, 3); return reply.NextStatus() },
	}
	status := stage.Run(&RuleAPI{})
	assert.Equal(t, reply.Deny, status.Kind)
	assert.Equal(t, []int{1, 2}, calls)
}

func TestStageRunReturnsNextWhenAllDirectivesPassThrough(t *testing.T) {
	stage := Stage{
		func(api *RuleAPI) reply.Status { return reply.NextStatus() },
	}
	status := stage.Run(&RuleAPI{})
	assert.Equal(t, reply.Next, status.Kind)
}

func TestRegistryResolvePrependsWildcardDirectives(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.Register("*", OnConnect, func(api *RuleAPI) reply.Status { order = append(order, "wildcard"); return reply.NextStatus() })
	r.Register("a.test", OnConnect, func(api *RuleAPI) reply.Status { order = append(order, "domain"); return reply.NextStatus() })

	r.Resolve("a.test", OnConnect).Run(&RuleAPI{})
	assert.Equal(t, []string{"wildcard", "domain"}, order)
}

func TestRegistryResolveFallsBackToWildcardOnly(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register("*", OnHelo, func(api *RuleAPI) reply.Status { ran = true; return reply.NextStatus() })

	r.Resolve("unknown.test", OnHelo).Run(&RuleAPI{})
	assert.True(t, ran)
}

func TestComputeFlowOutboundWhenSenderIsLocal(t *testing.T) {
	c := stagectx.New(&net.TCPAddr{}, &net.TCPAddr{}, "mx.relaymta.test")
	require.NoError(t, c.SetHelo("mail.a.test", false))
	path := "user@a.test"
	require.NoError(t, c.SetMailFrom(&path, nil, stagectx.RetUnset))

	flow := ComputeFlow(c, map[string]bool{"a.test": true})
	assert.Equal(t, FlowOutbound, flow.Type)
}

func TestComputeFlowInboundWhenNeitherSideIsLocal(t *testing.T) {
	c := stagectx.New(&net.TCPAddr{}, &net.TCPAddr{}, "mx.relaymta.test")
	require.NoError(t, c.SetHelo("mail.sender.test", false))
	path := "a@sender.test"
	require.NoError(t, c.SetMailFrom(&path, nil, stagectx.RetUnset))
	require.NoError(t, c.SetRcptTo(stagectx.DeliveryRoute{Kind: stagectx.RouteBasic}, stagectx.Recipient{ForwardPath: "b@other.test"}))

	flow := ComputeFlow(c, map[string]bool{"a.test": true})
	assert.Equal(t, FlowInbound, flow.Type)
}
