package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIPv4(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0.0.0.0", 0, true},
		{"255.255.255.255", 0xFFFFFFFF, true},
		{"192.168.1.1", 0xC0A80101, true},
		{"10.0.0.1", 0x0A000001, true},
		{"1.2.3", 0, false},
		{"1.2.3.4.5", 0, false},
		{"256.1.1.1", 0, false},
		{"1.2.3.-1", 0, false},
		{"a.b.c.d", 0, false},
		{"1..2.3", 0, false},
		{"", 0, false},
		// Leading zeros alias octal forms elsewhere; reject outright.
		{"010.1.2.3", 0, false},
		{"1.2.3.04", 0, false},
		{"0.01.0.0", 0, false},
		{"1.2.3.4 ", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseIPv4(c.in)
		require.Equal(t, c.ok, ok, "input %q", c.in)
		if c.ok {
			require.Equal(t, c.want, got, "input %q", c.in)
		}
	}
}

func TestCIDRContains(t *testing.T) {
	cases := []struct {
		cidr, addr string
		want       bool
	}{
		{"192.168.0.0/16", "192.168.255.1", true},
		{"192.168.0.0/16", "192.169.0.1", false},
		{"10.0.0.0/8", "10.255.255.255", true},
		{"10.0.0.0/8", "11.0.0.0", false},
		{"203.0.113.0/24", "203.0.113.7", true},
		{"203.0.113.0/24", "203.0.114.7", false},
		{"203.0.113.7/32", "203.0.113.7", true},
		{"203.0.113.7/32", "203.0.113.8", false},
		{"0.0.0.0/0", "8.8.8.8", true},
		// Non-canonical base still matches through the mask.
		{"192.168.1.55/24", "192.168.1.200", true},
		// Invalid inputs are never members.
		{"192.168.0.0/33", "192.168.0.1", false},
		{"192.168.0.0", "192.168.0.1", false},
		{"192.168.0.0/", "192.168.0.1", false},
		{"192.168.0.0/ab", "192.168.0.1", false},
		{"010.0.0.0/8", "10.0.0.1", false},
		{"10.0.0.0/8", "010.0.0.1", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CIDRContains(c.cidr, c.addr), "%s in %s", c.addr, c.cidr)
	}
}
