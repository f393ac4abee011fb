package simulator

import (
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// PublicAddress returns ip unless it is private, loopback, link-local or
// unspecified, in which case it returns a placeholder in 203.0.113.0/24
// that is stable for the identifier. A nil ip stays nil.
func PublicAddress(ip *string, identifier string) *string {
	if ip == nil {
		return nil
	}
	addr, err := netip.ParseAddr(*ip)
	if err == nil && !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() && !addr.IsUnspecified() {
		return ip
	}
	if err != nil && *ip != "" {
		// hostnames and aliases are left to the caller
		return ip
	}
	placeholder := Placeholder(identifier).String()
	return &placeholder
}

// Placeholder derives a documentation-range address from identifier. Host
// bytes 0 and 255 are avoided.
func Placeholder(identifier string) netip.Addr {
	h := xxhash.Sum64String(identifier)
	return netip.AddrFrom4([4]byte{203, 0, 113, byte(1 + h%254)})
}
