package authverify

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaymta/relaymta/internal/stagectx"
)

func TestSplitTermParsesQualifierAndArg(t *testing.T) {
	q, mech, arg := splitTerm("-ip4:198.51.100.0/24")
	assert.Equal(t, byte('-'), q)
	assert.Equal(t, "ip4", mech)
	assert.Equal(t, "198.51.100.0/24", arg)
}

func TestSplitTermDefaultsToPlusQualifier(t *testing.T) {
	q, mech, _ := splitTerm("all")
	assert.Equal(t, byte('+'), q)
	assert.Equal(t, "all", mech)
}

func TestQualifierToValueMapping(t *testing.T) {
	assert.Equal(t, stagectx.ValuePass, qualifierToValue('+'))
	assert.Equal(t, stagectx.ValueFail, qualifierToValue('-'))
	assert.Equal(t, stagectx.ValueSoftFail, qualifierToValue('~'))
	assert.Equal(t, stagectx.ValueNeutral, qualifierToValue('?'))
}

func TestMatchCIDRMatchesSingleIP(t *testing.T) {
	ip := net.ParseIP("198.51.100.5")
	assert.True(t, matchCIDR(ip, "198.51.100.5"))
	assert.False(t, matchCIDR(ip, "198.51.100.6"))
}

func TestMatchCIDRMatchesRange(t *testing.T) {
	ip := net.ParseIP("198.51.100.5")
	assert.True(t, matchCIDR(ip, "198.51.100.0/24"))
	assert.False(t, matchCIDR(ip, "203.0.113.0/24"))
}

func TestEvaluateSPFAllTermYieldsConfiguredQualifier(t *testing.T) {
	v, _ := evaluateSPF(nil, nil, "v=spf1 -all", "a.test", net.ParseIP("198.51.100.5"), 0)
	assert.Equal(t, stagectx.ValueFail, v)
}

func TestEvaluateSPFIP4MatchYieldsPass(t *testing.T) {
	v, _ := evaluateSPF(nil, nil, "v=spf1 ip4:198.51.100.0/24 -all", "a.test", net.ParseIP("198.51.100.5"), 0)
	assert.Equal(t, stagectx.ValuePass, v)
}
