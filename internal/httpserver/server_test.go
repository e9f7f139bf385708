package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/heartbeam/calling/internal/auth"
	"github.com/heartbeam/calling/internal/callrecord"
	"github.com/heartbeam/calling/internal/config"
	"github.com/heartbeam/calling/internal/identity"
	"github.com/heartbeam/calling/internal/turnrest"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Verifier == nil {
		deps.Verifier = auth.InsecureVerifier{}
	}
	if deps.Store == nil {
		deps.Store = callrecord.NewMemoryStore()
	}
	s := New(cfg, testLogger(t), BuildInfo{Commit: "deadbeef", BuildTime: "2026-01-01T00:00:00Z"}, deps)
	s.ready.Store(true)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, headers map[string]string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("unmarshal %q: %v", body, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})

	var health map[string]bool
	if code := getJSON(t, ts.URL+"/healthz", nil, &health); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if !health["ok"] {
		t.Errorf("healthz = %v", health)
	}

	var ready map[string]bool
	if code := getJSON(t, ts.URL+"/readyz", nil, &ready); code != http.StatusOK {
		t.Fatalf("readyz status = %d", code)
	}

	var build BuildInfo
	if code := getJSON(t, ts.URL+"/version", nil, &build); code != http.StatusOK {
		t.Fatalf("version status = %d", code)
	}
	if build.Commit != "deadbeef" {
		t.Errorf("commit = %q", build.Commit)
	}
}

func TestReadyzBeforeServe(t *testing.T) {
	s := New(config.Config{}, testLogger(t), BuildInfo{}, Deps{
		Verifier: auth.InsecureVerifier{},
		Store:    callrecord.NewMemoryStore(),
	})
	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz before Serve = %d, want 503", resp.StatusCode)
	}
}

func TestICEServersWithoutTURNREST(t *testing.T) {
	cfg := config.Config{
		ICEServers: config.ICEServers{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	}
	ts := newTestServer(t, cfg, Deps{})

	var out struct {
		ICEServers []config.ICEServer `json:"iceServers"`
	}
	if code := getJSON(t, ts.URL+"/webrtc/ice", nil, &out); code != http.StatusOK {
		t.Fatalf("ice status = %d", code)
	}
	if len(out.ICEServers) != 1 || out.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("iceServers = %+v", out.ICEServers)
	}
}

func TestICEServersTURNRESTMintsCredentials(t *testing.T) {
	cfg := config.Config{
		ICEServers: config.ICEServers{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
		},
	}
	gen := turnrest.New(config.TURNRESTConfig{
		SharedSecret:   "s3cret",
		TTLSeconds:     3600,
		UsernamePrefix: "heartbeam",
	})
	ts := newTestServer(t, cfg, Deps{TURNREST: gen})

	// Unauthenticated requests are refused when minting is on.
	if code := getJSON(t, ts.URL+"/webrtc/ice", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated ice status = %d, want 401", code)
	}

	var out struct {
		ICEServers []config.ICEServer `json:"iceServers"`
		TTLSeconds int64              `json:"ttlSeconds"`
	}
	headers := map[string]string{"Authorization": "Bearer 42"}
	if code := getJSON(t, ts.URL+"/webrtc/ice", headers, &out); code != http.StatusOK {
		t.Fatalf("ice status = %d", code)
	}
	if len(out.ICEServers) != 2 {
		t.Fatalf("iceServers = %+v", out.ICEServers)
	}
	if out.ICEServers[0].Username != "" {
		t.Errorf("STUN entry got credentials: %+v", out.ICEServers[0])
	}
	turn := out.ICEServers[1]
	if turn.Username == "" || turn.Credential == "" {
		t.Errorf("TURN entry missing minted credentials: %+v", turn)
	}
	if out.TTLSeconds <= 0 || out.TTLSeconds > 3600 {
		t.Errorf("ttlSeconds = %d", out.TTLSeconds)
	}
}

func TestICEServersOriginPolicy(t *testing.T) {
	cfg := config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
		ICEServers: config.ICEServers{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	}
	ts := newTestServer(t, cfg, Deps{})

	allowed := map[string]string{"Origin": "https://app.example.com"}
	if code := getJSON(t, ts.URL+"/webrtc/ice", allowed, nil); code != http.StatusOK {
		t.Errorf("allowed origin status = %d", code)
	}

	denied := map[string]string{"Origin": "https://evil.example.com"}
	if code := getJSON(t, ts.URL+"/webrtc/ice", denied, nil); code != http.StatusForbidden {
		t.Errorf("denied origin status = %d, want 403", code)
	}

	// No Origin header means a non-browser client; allowed.
	if code := getJSON(t, ts.URL+"/webrtc/ice", nil, nil); code != http.StatusOK {
		t.Errorf("no-origin status = %d", code)
	}
}

func TestCallHistory(t *testing.T) {
	store := callrecord.NewMemoryStore()
	ctx := context.Background()

	rec, err := store.CreateCall(ctx, identity.UserID(42), identity.UserID(7), callrecord.TypeAudio)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	for _, status := range []callrecord.Status{callrecord.StatusAccepted, callrecord.StatusConnected, callrecord.StatusEnded} {
		if _, err := store.UpdateCallStatus(ctx, rec.ID, status); err != nil {
			t.Fatalf("UpdateCallStatus(%s): %v", status, err)
		}
	}

	ts := newTestServer(t, config.Config{}, Deps{Store: store})

	if code := getJSON(t, ts.URL+"/calls/history", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated history status = %d, want 401", code)
	}

	var out struct {
		Calls []historyEntry `json:"calls"`
	}
	headers := map[string]string{"Authorization": "Bearer 42"}
	if code := getJSON(t, ts.URL+"/calls/history", headers, &out); code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if len(out.Calls) != 1 {
		t.Fatalf("calls = %+v", out.Calls)
	}
	got := out.Calls[0]
	if got.ID != rec.ID || got.CallerID != 42 || got.ReceiverID != 7 || got.Status != "ended" {
		t.Errorf("history entry = %+v", got)
	}
	if got.EndedAt == "" {
		t.Errorf("ended call missing endedAt")
	}

	// A stranger to the call sees nothing.
	var other struct {
		Calls []historyEntry `json:"calls"`
	}
	strangers := map[string]string{"Authorization": "Bearer 99"}
	if code := getJSON(t, ts.URL+"/calls/history", strangers, &other); code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if len(other.Calls) != 0 {
		t.Errorf("stranger history = %+v", other.Calls)
	}
}

func TestCallHistoryBadLimit(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	headers := map[string]string{"Authorization": "Bearer 42"}
	for _, limit := range []string{"0", "-1", "9999", "abc"} {
		if code := getJSON(t, ts.URL+"/calls/history?limit="+limit, headers, nil); code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", limit, code)
		}
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("X-Request-ID = %q, want fixed-id", got)
	}

	resp2, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.Header.Get("X-Request-ID") == "" {
		t.Errorf("missing generated X-Request-ID")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := New(config.Config{}, testLogger(t), BuildInfo{}, Deps{
		Verifier: auth.InsecureVerifier{},
		Store:    callrecord.NewMemoryStore(),
	})
	s.mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/boom")
	if err != nil {
		t.Fatalf("GET /boom: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("panic handler status = %d, want 500", resp.StatusCode)
	}
}
