package panel_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tphummel/panel_sync/internal/bypass"
	"github.com/tphummel/panel_sync/internal/models"
	"github.com/tphummel/panel_sync/internal/panel"
	"github.com/tphummel/panel_sync/internal/panelerr"
	"github.com/tphummel/panel_sync/internal/transport"
)

const appKey = "ptla_test"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func serverJSON(id int64, identifier, status string) map[string]any {
	return map[string]any{
		"object": "server",
		"attributes": map[string]any{
			"id":          id,
			"identifier":  identifier,
			"uuid":        identifier + "-uuid",
			"name":        "server " + identifier,
			"status":      status,
			"limits":      map[string]any{"memory": 1024, "disk": 5120, "cpu": 100},
			"node":        3,
			"allocation":  11,
			"nest":        1,
			"egg":         5,
			"container":   map[string]any{"image": "ghcr.io/yolks:java_17", "environment": map[string]string{}},
			"external_id": nil,
		},
	}
}

func listPage(page, totalPages int, servers ...map[string]any) map[string]any {
	return map[string]any{
		"object": "list",
		"data":   servers,
		"meta": map[string]any{"pagination": map[string]any{
			"total": len(servers), "count": len(servers), "per_page": 100,
			"current_page": page, "total_pages": totalPages,
		}},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T, baseURL string, b panel.Bypasser) *panel.Client {
	t.Helper()
	c, err := panel.NewClient(panel.Settings{
		BaseURL:        baseURL,
		ApplicationKey: appKey,
		BypassEnabled:  b != nil,
	}, &http.Client{Timeout: 5 * time.Second}, b, discard())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func newBypass(variants ...transport.Variant) *bypass.Orchestrator {
	r := &transport.Resolver{Timeout: 5 * time.Second}
	return bypass.New(bypass.Config{
		Variants: variants,
		Profiles: bypass.DefaultProfiles(),
	}, r, discard())
}

func TestListServers_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+appKey {
			t.Errorf("Authorization: got %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept: got %q", got)
		}
		if r.URL.Path != "/api/application/servers" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("include"); got != "allocations,node" {
			t.Errorf("include: got %q", got)
		}
		writeJSON(w, http.StatusOK, listPage(1, 1, serverJSON(1, "srv-1", "running")))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/", nil)
	list, err := c.ListServers(context.Background(), panel.ListOptions{})
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(list.Servers) != 1 || list.Servers[0].Identifier != "srv-1" {
		t.Fatalf("servers: got %+v", list.Servers)
	}
	if list.Via.FallbackUsed || list.Via.Method != "direct" {
		t.Errorf("Via: got %+v, want direct without fallback", list.Via)
	}
}

func TestListServers_Pagination(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		switch page {
		case "1":
			writeJSON(w, http.StatusOK, listPage(1, 2, serverJSON(1, "a", "running"), serverJSON(2, "b", "offline")))
		default:
			writeJSON(w, http.StatusOK, listPage(2, 2, serverJSON(3, "c", "")))
		}
	}))
	defer srv.Close()

	list, err := newClient(t, srv.URL, nil).ListServers(context.Background(), panel.ListOptions{PerPage: 2})
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(list.Servers) != 3 {
		t.Errorf("got %d servers, want 3", len(list.Servers))
	}
	if strings.Join(pages, ",") != "1,2" {
		t.Errorf("pages requested: got %v, want [1 2]", pages)
	}
	if list.Via.Attempts != 2 {
		t.Errorf("Attempts: got %d, want 2", list.Via.Attempts)
	}
}

func TestListServers_Filters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filter[name]") != "mc" || q.Get("filter[uuid]") != "u-1" || q.Get("filter[external_id]") != "ext" {
			t.Errorf("filters: got %v", q)
		}
		if q.Get("per_page") != "25" {
			t.Errorf("per_page: got %q, want 25", q.Get("per_page"))
		}
		writeJSON(w, http.StatusOK, listPage(1, 1))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).ListServers(context.Background(), panel.ListOptions{
		Name: "mc", UUID: "u-1", ExternalID: "ext", PerPage: 25,
	})
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
}

func TestListServers_CredentialErrorsSkipBypass(t *testing.T) {
	tests := []struct {
		status int
		want   panelerr.Kind
	}{
		{http.StatusUnauthorized, panelerr.KindInvalidCredentials},
		{http.StatusForbidden, panelerr.KindInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			var calls int
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				writeJSON(w, tt.status, map[string]any{"errors": []map[string]string{{"code": "AuthenticationException"}}})
			}))
			defer srv.Close()

			c := newClient(t, srv.URL, newBypass(bypass.DefaultVariants("", "")...))
			_, err := c.ListServers(context.Background(), panel.ListOptions{})
			if got := panelerr.KindOf(err); got != tt.want {
				t.Errorf("kind: got %q, want %q", got, tt.want)
			}
			if calls != 1 {
				t.Errorf("calls: got %d, want 1", calls)
			}
		})
	}
}

func TestListServers_JSONForbiddenBehindCDNIsOrigin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cf-Ray", "8a1b2c3d4e5f-LAX")
		w.Header().Set("Server", "cloudflare")
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []any{}})
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).ListServers(context.Background(), panel.ListOptions{})
	if got := panelerr.KindOf(err); got != panelerr.KindInsufficientScope {
		t.Errorf("kind: got %q, want insufficient_scope", got)
	}
}

func TestListServers_HTMLChallengeFallsBack(t *testing.T) {
	var (
		mu  sync.Mutex
		uas []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		mu.Lock()
		uas = append(uas, ua)
		mu.Unlock()
		if !strings.Contains(ua, "Chrome") {
			w.Header().Set("Content-Type", "text/html; charset=UTF-8")
			w.Header().Set("Server", "cloudflare")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, "<!DOCTYPE html><html><title>Just a moment...</title></html>")
			return
		}
		writeJSON(w, http.StatusOK, listPage(1, 1, serverJSON(1, "srv-1", "running")))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newBypass(bypass.DefaultVariants("", "")...))
	list, err := c.ListServers(context.Background(), panel.ListOptions{})
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if !list.Via.FallbackUsed {
		t.Error("FallbackUsed: got false, want true")
	}
	if list.Via.Method != "tls12-h1/chrome-desktop" {
		t.Errorf("Method: got %q, want tls12-h1/chrome-desktop", list.Via.Method)
	}
	if list.Via.Attempts != 3 {
		t.Errorf("Attempts: got %d, want 3", list.Via.Attempts)
	}
	if len(list.Servers) != 1 {
		t.Errorf("servers: got %d, want 1", len(list.Servers))
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(uas[1], "panel_sync/") {
		t.Errorf("first bypass attempt User-Agent: got %q", uas[1])
	}
}

func TestListServers_DirectIPVariant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, listPage(1, 1, serverJSON(1, "srv-1", "running")))
	}))
	defer srv.Close()
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())

	c := newClient(t, "http://panel.invalid:"+port, newBypass(bypass.DefaultVariants("127.0.0.1", "")...))
	list, err := c.ListServers(context.Background(), panel.ListOptions{})
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if !list.Via.FallbackUsed || list.Via.Method != "direct-ip/panel-client" {
		t.Errorf("Via: got %+v, want direct-ip/panel-client with fallback", list.Via)
	}
}

func TestListServers_BypassDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>blocked</html>")
	}))
	defer srv.Close()

	c, err := panel.NewClient(panel.Settings{BaseURL: srv.URL, ApplicationKey: appKey, BypassEnabled: false},
		nil, newBypass(bypass.DefaultVariants("", "")...), discard())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ListServers(context.Background(), panel.ListOptions{})
	var edge *panelerr.EdgeError
	if !errors.As(err, &edge) {
		t.Fatalf("expected EdgeError, got %v", err)
	}
	if edge.Status != http.StatusOK {
		t.Errorf("Status: got %d, want 200", edge.Status)
	}
}

func TestListServers_AllStrategiesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cf-Ray", "x")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newBypass(bypass.DefaultVariants("", "")...))
	_, err := c.ListServers(context.Background(), panel.ListOptions{})
	var ex *panelerr.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(ex.Classes) != 1 || ex.Classes[0] != panelerr.KindEdgeInterference {
		t.Errorf("Classes: got %v", ex.Classes)
	}
}

// The edge blocks the stock Go client while every browser-like identity
// reaches an origin that rejects the key: both kinds must be reported.
func TestListServers_ExhaustedKeepsDirectKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("User-Agent"), "Go-http-client") {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, "<!DOCTYPE html><title>Just a moment...</title>")
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": []any{}})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newBypass(transport.Direct))
	_, err := c.ListServers(context.Background(), panel.ListOptions{})
	var ex *panelerr.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	want := []panelerr.Kind{panelerr.KindEdgeInterference, panelerr.KindInvalidCredentials}
	if len(ex.Classes) != len(want) || ex.Classes[0] != want[0] || ex.Classes[1] != want[1] {
		t.Errorf("Classes: got %v, want %v", ex.Classes, want)
	}

	p := panelerr.Describe(err)
	if len(p.Suggestions) != 2 || !strings.Contains(p.Suggestions[0], "allowlist") {
		t.Errorf("Suggestions: got %q, want the allowlist hint first", p.Suggestions)
	}
}

func TestListServers_BypassReusesConnections(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("User-Agent"), "Go-http-client") {
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html><body>challenge</body></html>")
			return
		}
		writeJSON(w, http.StatusOK, listPage(1, 1, serverJSON(1, "srv-1", "running")))
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	c := newClient(t, srv.URL, newBypass(transport.Direct))
	for i := 0; i < 10; i++ {
		list, err := c.ListServers(context.Background(), panel.ListOptions{})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !list.Via.FallbackUsed {
			t.Fatalf("call %d: expected fallback", i)
		}
	}
	if got := conns.Load(); got > 2 {
		t.Errorf("got %d connections for 10 calls, want at most 2", got)
	}
}

// dropAfterRead reads the request, then closes the connection without
// answering.
func dropAfterRead(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		t.Errorf("hijack: %v", err)
		return
	}
	conn.Close()
}

func TestSetPower_DroppedConnectionIsNotResent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body)
		dropAfterRead(t, w)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newBypass(transport.Direct))
	err := c.SetPower(context.Background(), 1, "kill")
	var te *panelerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
}

func TestSetPower_StopsAfterDroppedBypassAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body)
		if strings.HasPrefix(r.Header.Get("User-Agent"), "Go-http-client") {
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>challenge</html>")
			return
		}
		dropAfterRead(t, w)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newBypass(transport.Direct))
	err := c.SetPower(context.Background(), 1, "stop")
	var ex *panelerr.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T: %v", err, err)
	}
	if ex.Attempts != 1 {
		t.Errorf("bypass attempts: got %d, want 1", ex.Attempts)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls: got %d, want 2", got)
	}
}

func TestSetPower_DialFailureUsesBypass(t *testing.T) {
	var powered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		powered.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())

	c := newClient(t, "http://panel.invalid:"+port, newBypass(bypass.DefaultVariants("127.0.0.1", "")...))
	if err := c.SetPower(context.Background(), 1, "start"); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if got := powered.Load(); got != 1 {
		t.Errorf("power requests: got %d, want 1", got)
	}
}

func TestGetServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/application/servers/7" {
			writeJSON(w, http.StatusOK, serverJSON(7, "srv-7", "offline"))
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []any{}})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	s, err := c.GetServer(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if s.Identifier != "srv-7" || s.Node != 3 {
		t.Errorf("got %+v", s)
	}

	_, err = c.GetServer(context.Background(), 8)
	if !errors.Is(err, panelerr.ErrNotFound) {
		t.Errorf("missing server: got %v, want ErrNotFound", err)
	}
}

func TestGetNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object":     "node",
			"attributes": map[string]any{"id": 3, "name": "node-a", "fqdn": "node-a.example.com"},
		})
	}))
	defer srv.Close()

	n, err := newClient(t, srv.URL, nil).GetNode(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.ID != 3 || n.FQDN != "node-a.example.com" {
		t.Errorf("got %+v", n)
	}
}

func TestSetPower(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/application/servers/42/power" {
			t.Errorf("request: got %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type: got %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := newClient(t, srv.URL, nil).SetPower(context.Background(), 42, "kill"); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if body["signal"] != "kill" {
		t.Errorf("signal: got %q, want kill", body["signal"])
	}
}

func TestSetPower_InvalidSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent for invalid signal")
	}))
	defer srv.Close()

	err := newClient(t, srv.URL, nil).SetPower(context.Background(), 1, "reboot")
	if panelerr.KindOf(err) != panelerr.KindValidation {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestGetServerResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ptlc_client" {
			t.Errorf("Authorization: got %q, want client key", got)
		}
		if r.URL.Path != "/api/client/servers/srv-1/resources" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "stats",
			"attributes": map[string]any{
				"current_state": "running",
				"is_suspended":  false,
				"resources": map[string]any{
					"memory_bytes": 536870912, "cpu_absolute": 37.5, "disk_bytes": 1073741824,
					"network_rx_bytes": 100, "network_tx_bytes": 200, "uptime": 60000,
				},
			},
		})
	}))
	defer srv.Close()

	c, err := panel.NewClient(panel.Settings{BaseURL: srv.URL, ApplicationKey: appKey, ClientKey: "ptlc_client"}, nil, nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := c.GetServerResources(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("GetServerResources: %v", err)
	}
	if snap.State != models.StatusRunning {
		t.Errorf("State: got %q, want running", snap.State)
	}
	if snap.Resources.CPUPercent != 37.5 || snap.Resources.MemoryBytes != 536870912 {
		t.Errorf("Resources: got %+v", snap.Resources)
	}
	if snap.Resources.Source != models.SourceLive {
		t.Errorf("Source: got %q, want live", snap.Resources.Source)
	}
}

func TestGetServerResources_NoClientKey(t *testing.T) {
	c := newClient(t, "https://panel.example.com", nil)
	if _, err := c.GetServerResources(context.Background(), "srv-1"); !errors.Is(err, panel.ErrNoClientKey) {
		t.Errorf("got %v, want ErrNoClientKey", err)
	}
}

func TestReload(t *testing.T) {
	var gotAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, listPage(1, 1))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	if _, err := c.ListServers(context.Background(), panel.ListOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := c.Reload(panel.Settings{BaseURL: srv.URL + "//", ApplicationKey: " rotated "}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := c.ListServers(context.Background(), panel.ListOptions{}); err != nil {
		t.Fatal(err)
	}
	if gotAuth[1] != "Bearer rotated" {
		t.Errorf("Authorization after reload: got %q, want Bearer rotated", gotAuth[1])
	}
	if got := c.Settings().BaseURL; got != srv.URL {
		t.Errorf("BaseURL: got %q, want %q", got, srv.URL)
	}
}

func TestReload_Validation(t *testing.T) {
	c := newClient(t, "https://panel.example.com", nil)
	tests := []struct {
		name  string
		s     panel.Settings
		field string
	}{
		{"empty url", panel.Settings{ApplicationKey: "k"}, "base_url"},
		{"relative url", panel.Settings{BaseURL: "panel.example.com", ApplicationKey: "k"}, "base_url"},
		{"empty key", panel.Settings{BaseURL: "https://panel.example.com", ApplicationKey: "  "}, "application_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Reload(tt.s)
			var ve *panelerr.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field: got %q, want %q", ve.Field, tt.field)
			}
		})
	}
	if got := c.Settings().BaseURL; got != "https://panel.example.com" {
		t.Errorf("settings changed after failed reload: %q", got)
	}
}

func TestUpdate(t *testing.T) {
	c := newClient(t, "https://panel.example.com", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Update(func(s *panel.Settings) { s.ClientKey += "c" })
		}()
		go func() {
			defer wg.Done()
			c.Update(func(s *panel.Settings) { s.ApplicationKey += "a" })
		}()
	}
	wg.Wait()

	s := c.Settings()
	if len(s.ClientKey) != 20 || len(s.ApplicationKey) != len(appKey)+20 {
		t.Errorf("lost updates: client key %q, application key %q", s.ClientKey, s.ApplicationKey)
	}

	_, err := c.Update(func(s *panel.Settings) { s.BaseURL = "" })
	var ve *panelerr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if c.Settings().BaseURL != "https://panel.example.com" {
		t.Error("settings changed after failed update")
	}
}

func TestUpstreamServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errors": []any{}})
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, newBypass(bypass.DefaultVariants("", "")...)).GetServer(context.Background(), 1)
	var he *panelerr.HTTPError
	if !errors.As(err, &he) || he.Status != 500 {
		t.Errorf("got %v, want HTTPError 500", err)
	}
	if panelerr.KindOf(err) != panelerr.KindUpstreamHTTP {
		t.Errorf("kind: got %q, want %q", panelerr.KindOf(err), panelerr.KindUpstreamHTTP)
	}
}
