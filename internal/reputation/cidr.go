package reputation

import "strings"

// ParseIPv4 parses a dotted-quad IPv4 literal into a big-endian uint32.
// Stricter than net.ParseIP: leading zeros in an octet are rejected, so list
// entries like "010.1.2.3" never alias another address.
func ParseIPv4(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var v uint32
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return 0, false
		}
		if len(p) > 1 && p[0] == '0' {
			return 0, false
		}
		var octet int
		for _, c := range p {
			if c < '0' || c > '9' {
				return 0, false
			}
			octet = octet*10 + int(c-'0')
		}
		if octet > 255 {
			return 0, false
		}
		v = v<<8 | uint32(octet)
	}
	return v, true
}

// parseCIDR parses "a.b.c.d/N" into (base, mask, prefix, ok).
func parseCIDR(s string) (base, mask uint32, prefix int, ok bool) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, 0, 0, false
	}
	base, ipOK := ParseIPv4(s[:slash])
	if !ipOK {
		return 0, 0, 0, false
	}
	p := s[slash+1:]
	if p == "" || len(p) > 2 {
		return 0, 0, 0, false
	}
	prefix = 0
	for _, c := range p {
		if c < '0' || c > '9' {
			return 0, 0, 0, false
		}
		prefix = prefix*10 + int(c-'0')
	}
	if prefix > 32 {
		return 0, 0, 0, false
	}
	if prefix == 0 {
		mask = 0
	} else {
		mask = 0xFFFFFFFF << (32 - prefix)
	}
	return base, mask, prefix, true
}

// CIDRContains reports whether address is inside the IPv4 CIDR. Invalid
// inputs are never members.
func CIDRContains(cidr, address string) bool {
	base, mask, _, ok := parseCIDR(cidr)
	if !ok {
		return false
	}
	addr, ok := ParseIPv4(address)
	if !ok {
		return false
	}
	return addr&mask == base&mask
}
