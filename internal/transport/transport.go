// Package transport builds HTTP clients for reaching the panel under
// different connection strategies.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Variant is one way of connecting to the panel.
type Variant struct {
	Name string

	// DialAddr, when set, replaces the address dialed for every request.
	// The URL host is left alone so the Host header and SNI still carry
	// the panel hostname.
	DialAddr string

	// ProxyURL routes requests through a forward proxy.
	ProxyURL string

	MinTLS       uint16
	MaxTLS       uint16
	DisableHTTP2 bool
}

// Direct is the variant used for the first, unmodified attempt.
var Direct = Variant{Name: "direct"}

// Resolver creates clients for variants. Clients are built once per
// variant and reused, so their connection pools are shared across calls.
// A Resolver must not be copied after first use.
type Resolver struct {
	Timeout time.Duration

	// InsecureSkipVerify disables certificate verification on every client
	// this resolver builds. It is unsafe and must only be set from an
	// explicit opt-in.
	InsecureSkipVerify bool

	mu      sync.Mutex
	clients map[Variant]*http.Client
}

// Client returns the http.Client for v. Errors from the returned client
// propagate unchanged; the resolver never retries.
func (r *Resolver) Client(v Variant) (*http.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[v]; ok {
		return c, nil
	}
	tr, err := r.Transport(v)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Timeout: r.Timeout, Transport: tr}
	if r.clients == nil {
		r.clients = make(map[Variant]*http.Client)
	}
	r.clients[v] = c
	return c, nil
}

// CloseIdleConnections closes idle connections held by every client the
// resolver has built.
func (r *Resolver) CloseIdleConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.CloseIdleConnections()
	}
}

// Transport builds a new http.Transport for v. Client caches the result.
func (r *Resolver) Transport(v Variant) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     !v.DisableHTTP2,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         v.MinTLS,
			MaxVersion:         v.MaxTLS,
			InsecureSkipVerify: r.InsecureSkipVerify, //nolint:gosec // explicit opt-in
		},
	}
	if tr.TLSClientConfig.MinVersion == 0 {
		tr.TLSClientConfig.MinVersion = tls.VersionTLS12
	}
	if v.DisableHTTP2 {
		// A non-nil empty map turns off the bundled h2 upgrade.
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	if v.ProxyURL != "" {
		u, err := url.Parse(v.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("variant %s: parse proxy url: %w", v.Name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("variant %s: proxy url %q needs scheme and host", v.Name, v.ProxyURL)
		}
		tr.Proxy = http.ProxyURL(u)
	}

	if v.DialAddr != "" {
		target := v.DialAddr
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			host, override, err := net.SplitHostPort(target)
			if err != nil {
				// bare IP without a port keeps the request's port
				host, override = target, port
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(host, override))
		}
	}

	return tr, nil
}
