// Package panel is a typed client for the game-server panel's REST API.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tphummel/panel_sync/internal/bypass"
	"github.com/tphummel/panel_sync/internal/panelerr"
)

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

// ErrNoClientKey is returned by client-scoped calls when no client key is
// configured.
var ErrNoClientKey = errors.New("panel client API key not configured")

// Settings is one immutable snapshot of the panel connection settings.
type Settings struct {
	BaseURL        string
	ApplicationKey string
	ClientKey      string
	BypassEnabled  bool
}

// Validate reports missing required settings.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.BaseURL) == "" {
		return &panelerr.ValidationError{Field: "base_url", Reason: "cannot be empty"}
	}
	u, err := url.Parse(strings.TrimSpace(s.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &panelerr.ValidationError{Field: "base_url", Reason: fmt.Sprintf("%q is not an absolute URL", s.BaseURL)}
	}
	if strings.TrimSpace(s.ApplicationKey) == "" {
		return &panelerr.ValidationError{Field: "application_key", Reason: "cannot be empty"}
	}
	return nil
}

// CallInfo records how a call reached the panel.
type CallInfo struct {
	FallbackUsed bool   `json:"fallback_used"`
	Method       string `json:"method"`
	Attempts     int    `json:"attempts"`
}

// Bypasser retries a failed call over alternate strategies.
type Bypasser interface {
	Run(ctx context.Context, fn bypass.AttemptFunc, seen ...panelerr.Kind) (bypass.Outcome, error)
}

// Client talks to the panel. Settings are swapped atomically by Reload; each
// call reads one snapshot when it starts.
type Client struct {
	mu       sync.Mutex // serializes writers of settings
	settings atomic.Pointer[Settings]
	direct   *http.Client
	bypass   Bypasser
	logger   *slog.Logger
}

// NewClient creates a Client. direct is used for the first attempt of every
// call; b may be nil to disable fallback entirely.
func NewClient(s Settings, direct *http.Client, b Bypasser, logger *slog.Logger) (*Client, error) {
	if direct == nil {
		direct = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{direct: direct, bypass: b, logger: logger}
	if err := c.Reload(s); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload validates s and makes it the settings for subsequent calls.
// Calls already in flight finish with the snapshot they started with.
func (c *Client) Reload(s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(s)
}

// Update applies fn to a copy of the current settings and reloads the
// result. Concurrent updates are applied one after another, so each sees
// the changes of the previous one.
func (c *Client) Update(fn func(*Settings)) (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := *c.settings.Load()
	fn(&s)
	if err := c.store(s); err != nil {
		return Settings{}, err
	}
	return *c.settings.Load(), nil
}

func (c *Client) store(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.BaseURL = sanitizeBaseURL(s.BaseURL)
	s.ApplicationKey = strings.TrimSpace(s.ApplicationKey)
	s.ClientKey = strings.TrimSpace(s.ClientKey)
	c.settings.Store(&s)
	return nil
}

// Settings returns the current snapshot.
func (c *Client) Settings() Settings {
	return *c.settings.Load()
}

type scope int

const (
	scopeApplication scope = iota
	scopeClient
)

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	scope  scope
}

// do runs req directly and, when the failure looks like an edge or network
// problem and fallback is enabled, hands it to the bypass orchestrator.
// out is only written on success.
func (c *Client) do(ctx context.Context, req request, out any) (CallInfo, error) {
	s := c.settings.Load()

	key := s.ApplicationKey
	if req.scope == scopeClient {
		key = s.ClientKey
		if key == "" {
			return CallInfo{}, ErrNoClientKey
		}
	}

	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return CallInfo{}, fmt.Errorf("encode request: %w", err)
		}
	}

	target := s.BaseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	send := func(ctx context.Context, hc *http.Client, p *bypass.Profile) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		r, err := http.NewRequestWithContext(ctx, req.method, target, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		r.Header.Set("Authorization", "Bearer "+key)
		r.Header.Set("Accept", "application/json")
		if payload != nil {
			r.Header.Set("Content-Type", "application/json")
		}
		if p != nil {
			p.Apply(r)
		}

		resp, err := hc.Do(r)
		if err != nil {
			return &panelerr.TransportError{Op: req.method, URL: req.path, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return &panelerr.TransportError{Op: "read " + req.method, URL: req.path, Err: err}
		}
		if err := classify(resp, data); err != nil {
			return err
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
		}
		return nil
	}

	err := send(ctx, c.direct, nil)
	if err == nil {
		return CallInfo{Method: "direct", Attempts: 1}, nil
	}
	if !s.BypassEnabled || c.bypass == nil || !resendable(req.method, err) {
		return CallInfo{Method: "direct", Attempts: 1}, err
	}

	c.logger.WarnContext(ctx, "direct panel call failed, trying bypass strategies",
		"method", req.method,
		"path", req.path,
		"kind", string(panelerr.KindOf(err)),
		"error", err,
	)
	// A failed attempt that may have reached the origin ends the run for
	// non-idempotent requests.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	outcome, err := c.bypass.Run(runCtx, func(ctx context.Context, hc *http.Client, a bypass.Attempt) error {
		err := send(ctx, hc, &a.Profile)
		if err != nil && panelerr.Bypassable(err) && !resendable(req.method, err) {
			stop()
		}
		return err
	}, panelerr.KindOf(err))
	if err != nil {
		return CallInfo{Attempts: 1 + outcome.Attempts}, err
	}
	return CallInfo{FallbackUsed: true, Method: outcome.Method, Attempts: 1 + outcome.Attempts}, nil
}

// resendable reports whether a request that failed with err may be sent
// again over another strategy. GET is always safe once the failure is
// bypassable. Other methods are only re-sent when the origin cannot have
// seen them: an edge answered instead, or the connection was never made.
func resendable(method string, err error) bool {
	if !panelerr.Bypassable(err) {
		return false
	}
	if method == http.MethodGet || method == http.MethodHead {
		return true
	}
	if panelerr.KindOf(err) == panelerr.KindEdgeInterference {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// classify turns a response into nil (usable JSON from the origin) or one
// of the panelerr types.
func classify(resp *http.Response, body []byte) error {
	ct := resp.Header.Get("Content-Type")
	html := isHTML(ct, body)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	if html || (!ok && fromEdge(resp)) {
		return &panelerr.EdgeError{
			Status:      resp.StatusCode,
			ContentType: ct,
			Server:      resp.Header.Get("Server"),
			Snippet:     snippet(body),
		}
	}
	if !ok {
		return &panelerr.HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "text/html" || mt == "application/xhtml+xml" {
			return true
		}
		if strings.HasSuffix(mt, "json") {
			return false
		}
	}
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 64)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// fromEdge reports whether a 403/503 was produced by a CDN in front of the
// origin rather than the origin itself. Origins behind a CDN also carry its
// headers, so a JSON body is always treated as the origin's answer.
func fromEdge(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && strings.HasSuffix(mt, "json") {
		return false
	}
	if resp.Header.Get("Cf-Ray") != "" || resp.Header.Get("Cf-Mitigated") != "" {
		return true
	}
	server := strings.ToLower(resp.Header.Get("Server"))
	return strings.Contains(server, "cloudflare") || strings.Contains(server, "ddos-guard")
}

func snippet(body []byte) string {
	const n = 256
	if len(body) > n {
		return string(body[:n])
	}
	return string(body)
}

func sanitizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
