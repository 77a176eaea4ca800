package acl

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "empty", input: "", expected: ""},
		{name: "whitespace", input: "  \t\n ", expected: ""},
		{name: "single", input: "192.168.1.0/24", expected: "192.168.1.0/24"},
		{name: "multiple with spaces", input: " 192.168.1.0/24 , 10.0.0.0/8 ", expected: "192.168.1.0/24,10.0.0.0/8"},
		{name: "host bits are masked", input: "10.1.2.3/8", expected: "10.0.0.0/8"},
		{name: "invalid", input: "invalid-cidr", wantErr: true},
		{name: "out of range octet", input: "192.168.1.256/24", wantErr: true},
		{name: "missing prefix length", input: "192.168.1.1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := New(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, list.String())
		})
	}
}

func TestAllows(t *testing.T) {
	list, err := New("192.168.1.0/24,10.0.0.0/8")
	require.NoError(t, err)

	assert.True(t, list.Allows(netip.MustParseAddr("192.168.1.77")))
	assert.True(t, list.Allows(netip.MustParseAddr("10.200.3.4")))
	assert.True(t, list.Allows(netip.MustParseAddr("::ffff:10.0.0.1")), "IPv4-mapped addresses are unmapped")
	assert.False(t, list.Allows(netip.MustParseAddr("172.16.0.1")))
}

func TestAllows_EmptyListAllowsAll(t *testing.T) {
	list, err := New("")
	require.NoError(t, err)
	assert.True(t, list.Empty())
	assert.True(t, list.Allows(netip.MustParseAddr("8.8.8.8")))

	var nilList *List
	assert.True(t, nilList.AllowsAddr(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}))
}

func TestAllowsAddr(t *testing.T) {
	list, err := New("127.0.0.0/8")
	require.NoError(t, err)

	assert.True(t, list.AllowsAddr(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5141}))
	assert.True(t, list.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.2"), Port: 5141}))
	assert.False(t, list.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 5141}))
	assert.False(t, list.AllowsAddr(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
}
