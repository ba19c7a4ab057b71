package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyAddsLeasePrefix(t *testing.T) {
	r := &Registry{}
	assert.Equal(t, "rtmpingest:lease:foo", r.key("foo"))
	assert.Equal(t, "rtmpingest:lease:", r.key(""))
}

func TestNewDefaultsNonPositiveTTL(t *testing.T) {
	r := New(nil, 0, nil)
	assert.Equal(t, defaultLeaseTTL, r.ttl)

	r = New(nil, -5*time.Second, nil)
	assert.Equal(t, defaultLeaseTTL, r.ttl)
}

func TestNewKeepsPositiveTTL(t *testing.T) {
	r := New(nil, 10*time.Second, nil)
	assert.Equal(t, 10*time.Second, r.ttl)
}
