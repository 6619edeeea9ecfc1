package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/schaermu/rulesync/internal/config"
	"github.com/schaermu/rulesync/internal/sync"
)

// fakeSyncer counts sync runs and optionally blocks them until released.
type fakeSyncer struct {
	mu      gosync.Mutex
	calls   int
	stats   sync.SyncStats
	err     error
	started chan struct{}
	proceed chan struct{}
	once    gosync.Once
}

func (f *fakeSyncer) Sync(context.Context) (sync.SyncStats, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.proceed != nil {
		<-f.proceed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats, f.err
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Remote: config.RemoteConfig{
			URL: "https://github.com/test/rules.git",
		},
		Paths: config.PathsConfig{
			Workspace: filepath.Join(tmpDir, "ws"),
			RulesDir:  ".cursor/rules",
			StateDir:  filepath.Join(tmpDir, "state"),
		},
		Sync: config.SyncConfig{
			ExcludePatterns: []string{"local-*"},
		},
		Serve: config.ServeConfig{
			Enabled:                 true,
			ListenAddr:              "127.0.0.1:8787",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"push"},
			AllowedRefs:             []string{"refs/heads/main"},
		},
	}

	return cfg, secret
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestServer(t *testing.T, syncer Syncer, opts ...Option) (*Server, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)
	server, err := NewServer(cfg, syncer, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(body []byte, event, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	return req
}

func TestNewServer(t *testing.T) {
	server, _ := newTestServer(t, &fakeSyncer{})

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret 'test-secret-key', got %q", string(server.secret))
	}
	if server.debounce.delay != defaultDebounce {
		t.Errorf("expected default debounce %s, got %s", defaultDebounce, server.debounce.delay)
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"

	if _, err := NewServer(cfg, &fakeSyncer{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}
}

func TestNewServer_EmptySecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	if err := os.WriteFile(cfg.Serve.GitHubWebhookSecretFile, []byte("  \n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	if _, err := NewServer(cfg, &fakeSyncer{}, testLogger()); err == nil {
		t.Fatal("expected error for empty secret, got nil")
	}
}

func TestStart_PerformsInitialSync(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancelling inside the sync makes Start shut down right after the initial run.
	calls := 0
	syncer := SyncerFunc(func(context.Context) (sync.SyncStats, error) {
		calls++
		cancel()
		return sync.SyncStats{}, nil
	})

	server, err := NewServer(cfg, syncer, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one initial sync, got %d", calls)
	}
}

func TestVerifySignature(t *testing.T) {
	server, secret := newTestServer(t, &fakeSyncer{})
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{"valid signature", body, computeSignature(body, secret), true},
		{"invalid signature", body, "sha256=invalid", false},
		{"missing signature", body, "", false},
		{"wrong prefix", body, "sha1=" + computeSignature(body, secret)[7:], false},
		{"wrong secret", body, computeSignature(body, "other"), false},
		{"tampered body", []byte(`{"ref":"refs/heads/dev"}`), computeSignature(body, secret), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(tt.body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name string
		list []string
		v    string
		want bool
	}{
		{"empty list allows all", nil, "anything", true},
		{"listed", []string{"push", "release"}, "release", true},
		{"not listed", []string{"push"}, "pull_request", false},
		{"exact match only", []string{"refs/heads/main"}, "refs/heads/main2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allowed(tt.list, tt.v); got != tt.want {
				t.Errorf("allowed(%v, %q) = %v, want %v", tt.list, tt.v, got, tt.want)
			}
		})
	}
}

func TestHandleWebhook_ValidRequestTriggersSync(t *testing.T) {
	syncer := &fakeSyncer{stats: sync.SyncStats{Added: 1, Total: 1}}
	server, secret := newTestServer(t, syncer, WithDebounce(10*time.Millisecond))

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {
			"full_name": "test/rules"
		}
	}`)

	rec := httptest.NewRecorder()
	server.handleWebhook(context.Background(), rec, pushRequest(body, "push", secret))

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for syncer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if syncer.count() != 1 {
		t.Fatalf("expected debounced sync to run once, got %d", syncer.count())
	}
}

func TestHandleWebhook_CharsetContentType(t *testing.T) {
	server, secret := newTestServer(t, &fakeSyncer{}, WithDebounce(time.Hour))
	t.Cleanup(server.debounce.stop)

	body := []byte(`{"ref":"refs/heads/main"}`)
	req := pushRequest(body, "push", secret)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	rec := httptest.NewRecorder()
	server.handleWebhook(context.Background(), rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rec.Code)
	}
}

func TestHandleWebhook_Rejections(t *testing.T) {
	server, secret := newTestServer(t, &fakeSyncer{})
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name     string
		req      func() *http.Request
		wantCode int
	}{
		{
			name:     "invalid method",
			req:      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			req: func() *http.Request {
				req := pushRequest(body, "push", secret)
				req.Header.Set("Content-Type", "text/plain")
				return req
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "invalid signature",
			req: func() *http.Request {
				req := pushRequest(body, "push", secret)
				req.Header.Set("X-Hub-Signature-256", "sha256=invalid")
				return req
			},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "invalid payload",
			req:      func() *http.Request { return pushRequest([]byte(`{not json`), "push", secret) },
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.handleWebhook(context.Background(), rec, tt.req())
			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestHandleWebhook_IgnoredEvents(t *testing.T) {
	syncer := &fakeSyncer{}
	server, secret := newTestServer(t, syncer, WithDebounce(time.Millisecond))

	tests := []struct {
		name     string
		event    string
		body     string
		wantBody string
	}{
		{"ping", "ping", `{"zen":"Keep it logically awesome."}`, "pong"},
		{"disallowed event type", "pull_request", `{"ref":"refs/heads/main"}`, "Event type not configured"},
		{"disallowed ref", "push", `{"ref":"refs/heads/feature"}`, "Ref not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.handleWebhook(context.Background(), rec, pushRequest([]byte(tt.body), tt.event, secret))

			if rec.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", rec.Code)
			}
			if !bytes.Contains(rec.Body.Bytes(), []byte(tt.wantBody)) {
				t.Errorf("expected %q in body, got: %s", tt.wantBody, rec.Body.String())
			}
		})
	}

	time.Sleep(20 * time.Millisecond)
	if syncer.count() != 0 {
		t.Errorf("expected no sync for ignored events, got %d", syncer.count())
	}
}

func TestHandler_HealthAndStatus(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("boom")}
	server, _ := newTestServer(t, syncer)
	server.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	handler := server.Handler(context.Background())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected healthz 200, got %d", rec.Code)
	}

	server.performSync(context.Background())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var status struct {
		Running bool    `json:"running"`
		Last    *Result `json:"last"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Running {
		t.Error("expected no sync to be running")
	}
	if status.Last == nil || status.Last.Error != "boom" {
		t.Fatalf("expected last result with error 'boom', got %+v", status.Last)
	}
	if !status.Last.Finished.Equal(server.now()) {
		t.Errorf("unexpected finish time %s", status.Last.Finished)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST /status, got %d", rec.Code)
	}
}

func TestPerformSync_CancelledContext(t *testing.T) {
	syncer := &fakeSyncer{}
	server, _ := newTestServer(t, syncer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	server.performSync(ctx)

	if syncer.count() != 0 {
		t.Errorf("expected no sync on cancelled context, got %d", syncer.count())
	}
	if server.syncRunning {
		t.Error("expected running slot to be released")
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu gosync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

func TestDebouncer_Stop(t *testing.T) {
	called := make(chan struct{}, 1)
	d := &debouncer{delay: 20 * time.Millisecond}
	d.trigger(func() { called <- struct{}{} })
	d.stop()

	select {
	case <-called:
		t.Error("expected stopped debouncer not to fire")
	case <-time.After(60 * time.Millisecond):
	}
}

// TestPerformSync_SingleFlight verifies that at most one sync runs at a time
// and at most one additional run is queued; excess concurrent requests are dropped.
func TestPerformSync_SingleFlight(t *testing.T) {
	syncer := &fakeSyncer{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	server, _ := newTestServer(t, syncer)

	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performSync(ctx)
	}()

	<-syncer.started

	var wg gosync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performSync(ctx)
		}()
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.syncPending
	server.syncMu.Unlock()

	if !pending {
		t.Error("expected syncPending to be true after concurrent performSync calls")
	}

	close(syncer.proceed)
	<-done

	server.syncMu.Lock()
	stillRunning := server.syncRunning
	stillPending := server.syncPending
	server.syncMu.Unlock()

	if stillRunning {
		t.Error("expected syncRunning to be false after all syncs completed")
	}
	if stillPending {
		t.Error("expected syncPending to be false after pending re-run was serviced")
	}
	if syncer.count() != 2 {
		t.Errorf("expected the first run plus one queued re-run, got %d", syncer.count())
	}
}
