package bypass

import (
	"crypto/tls"

	"github.com/tphummel/panel_sync/internal/transport"
)

// DefaultVariants returns the transport pool in attempt order: direct IP
// substitution and the forward proxy when configured, then two TLS
// profiles against the normal address.
func DefaultVariants(directIP, proxyURL string) []transport.Variant {
	var vs []transport.Variant
	if directIP != "" {
		vs = append(vs, transport.Variant{Name: "direct-ip", DialAddr: directIP})
	}
	if proxyURL != "" {
		vs = append(vs, transport.Variant{Name: "proxy", ProxyURL: proxyURL})
	}
	vs = append(vs,
		transport.Variant{Name: "tls12-h1", MinTLS: tls.VersionTLS12, MaxTLS: tls.VersionTLS12, DisableHTTP2: true},
		transport.Variant{Name: "tls13", MinTLS: tls.VersionTLS13},
	)
	return vs
}
