package dnsutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAppendsDefaultPort(t *testing.T) {
	r := New("198.51.100.53", time.Second)
	assert.Equal(t, "198.51.100.53:53", r.nameserver)
}

func TestNewKeepsExplicitPort(t *testing.T) {
	r := New("198.51.100.53:5353", time.Second)
	assert.Equal(t, "198.51.100.53:5353", r.nameserver)
}

func TestErrNXDomainMessage(t *testing.T) {
	err := &ErrNXDomain{Name: "example.test"}
	assert.Contains(t, err.Error(), "example.test")
}
