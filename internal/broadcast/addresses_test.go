package broadcast_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/witch-series/witch-core/internal/broadcast"
)

func TestDefaultAddressesIncludeFallbacksWithoutDuplicates(t *testing.T) {
	addrs := broadcast.DefaultAddresses()
	assert.Contains(t, addrs, "255.255.255.255")
	assert.Contains(t, addrs, "127.0.0.1")

	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		_, dup := seen[a]
		assert.False(t, dup, "duplicate address %s", a)
		seen[a] = struct{}{}
	}
}

func TestLocalIPIsParsable(t *testing.T) {
	ip := net.ParseIP(broadcast.LocalIP())
	assert.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}
