package lifecycle

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverAddressesListsLoopbackFirst(t *testing.T) {
	t.Parallel()

	addrs, err := DiscoverAddresses()
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	assert.Equal(t, Address{IP: "127.0.0.1", Loopback: true}, addrs[0])
	for _, a := range addrs[1:] {
		ip := net.ParseIP(a.IP)
		require.NotNil(t, ip)
		assert.NotNil(t, ip.To4())
		assert.False(t, ip.IsLoopback())
		assert.False(t, a.Loopback)
	}
	assert.Equal(t, "127.0.0.1:8080", addrs[0].HostPort(8080))
}
