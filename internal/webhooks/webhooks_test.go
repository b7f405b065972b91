package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cipherscore/internal/events"
)

const (
	walletA = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	walletB = "So11111111111111111111111111111111111111112"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(context.Context, string) error { return nil }

var fastRetry = RetryConfig{
	MaxAttempts: 2,
	BaseDelay:   time.Millisecond,
	MaxDelay:    time.Millisecond,
	MaxFailures: 3,
}

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcherWithRetry(store, slog.New(slog.NewTextHandler(io.Discard, nil)), fastRetry)
	d.urlValidator = noopValidator
	return d
}

func scoreComputed(wallet string) events.Event {
	return events.New(events.ScoreComputed, wallet, 99, time.Now(), map[string]any{"score": 720, "riskLevel": "low"})
}

func mustCreate(t *testing.T, store Store, sub *Subscription) {
	t.Helper()
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		Wallet:    walletA,
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []events.Type{events.ScoreComputed},
		Active:    true,
		CreatedAt: time.Now(),
	}
	mustCreate(t, store, sub)

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatal(err)
	}
	if _, err = store.Get(ctx, "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh_test1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestMemoryStore_GetByWallet(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, CreatedAt: now.Add(-time.Minute)})
	mustCreate(t, store, &Subscription{ID: "wh2", Wallet: walletB, CreatedAt: now})
	mustCreate(t, store, &Subscription{ID: "wh3", Wallet: walletA, CreatedAt: now})

	subs, _ := store.GetByWallet(context.Background(), walletA)
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subs for walletA, got %d", len(subs))
	}
	if subs[0].ID != "wh3" {
		t.Errorf("Expected newest first, got %s", subs[0].ID)
	}
}

func TestSubscription_Wants(t *testing.T) {
	sub := &Subscription{Active: true, Events: []events.Type{events.ScoreComputed}}
	if !sub.Wants(events.ScoreComputed) {
		t.Error("should want subscribed type")
	}
	if sub.Wants(events.ScoreFailed) {
		t.Error("should not want other types")
	}
	sub.Active = false
	if sub.Wants(events.ScoreComputed) {
		t.Error("inactive subscription wants nothing")
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"score.computed","data":{}}`)
	secret := "test_secret_key"

	sig := Sign(payload, secret)
	if !Verify(payload, secret, sig) {
		t.Error("Verify rejected a valid signature")
	}
	if Verify(payload, "other", sig) {
		t.Error("Verify accepted a signature under the wrong secret")
	}
	if Verify([]byte(`{}`), secret, sig) {
		t.Error("Verify accepted a signature over a different payload")
	}
	if Verify(payload, secret, "not-hex") {
		t.Error("Verify accepted malformed hex")
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"test": true}`)
	if Sign(payload, "secret1") == Sign(payload, "secret2") {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatchToWallet_FiltersByWalletAndType(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: true})
	mustCreate(t, store, &Subscription{ID: "wh2", Wallet: walletA, URL: server.URL, Events: []events.Type{events.DisclosureCompleted}, Active: true})
	mustCreate(t, store, &Subscription{ID: "wh3", Wallet: walletB, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: true})
	mustCreate(t, store, &Subscription{ID: "wh4", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: false})

	d := newTestDispatcher(store)
	if err := d.DispatchToWallet(context.Background(), scoreComputed(walletA)); err != nil {
		t.Fatalf("DispatchToWallet failed: %v", err)
	}
	d.Wait()

	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery (walletA, score.computed, active), got %d", received.Load())
	}
}

func TestDispatch_HeadersAndSignature(t *testing.T) {
	store := NewMemoryStore()
	secret := "test_webhook_secret" //nolint:gosec // test credential

	var mu sync.Mutex
	var gotHeader http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{
		ID: "wh1", Wallet: walletA, URL: server.URL, Secret: secret,
		Events: []events.Type{events.ScoreComputed}, Active: true,
	})

	d := newTestDispatcher(store)
	event := scoreComputed(walletA)
	_ = d.DispatchToWallet(context.Background(), event)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()

	if gotHeader.Get(HeaderEvent) != "score.computed" {
		t.Errorf("Expected event header, got %q", gotHeader.Get(HeaderEvent))
	}
	if gotHeader.Get(HeaderDelivery) != event.ID {
		t.Errorf("Expected delivery id %s, got %q", event.ID, gotHeader.Get(HeaderDelivery))
	}
	if gotHeader.Get(HeaderTimestamp) == "" {
		t.Error("Expected timestamp header")
	}
	if !Verify(gotBody, secret, gotHeader.Get(HeaderSignature)) {
		t.Error("Signature does not verify against body")
	}

	var parsed events.Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != events.ScoreComputed || parsed.Wallet != walletA || parsed.Offset != "99" {
		t.Errorf("unexpected payload: %+v", parsed)
	}
}

func TestDispatch_SuccessUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{
		ID: "wh1", Wallet: walletA, URL: server.URL,
		Events: []events.Type{events.ScoreComputed}, Active: true,
		LastError: "old", ConsecutiveFailures: 2,
	})

	d := newTestDispatcher(store)
	_ = d.DispatchToWallet(context.Background(), scoreComputed(walletA))
	d.Wait()

	sub, _ := store.Get(context.Background(), "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" || sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected error state cleared, got %q/%d", sub.LastError, sub.ConsecutiveFailures)
	}
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: true})

	d := newTestDispatcher(store)
	_ = d.DispatchToWallet(context.Background(), scoreComputed(walletA))
	d.Wait()

	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}
	sub, _ := store.Get(context.Background(), "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected retry to succeed")
	}
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(404)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: true})

	d := newTestDispatcher(store)
	_ = d.DispatchToWallet(context.Background(), scoreComputed(walletA))
	d.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt for 404, got %d", calls.Load())
	}
	sub, _ := store.Get(context.Background(), "wh1")
	if !strings.Contains(sub.LastError, "404") {
		t.Errorf("Expected lastError to mention 404, got %q", sub.LastError)
	}
}

func TestDispatch_DeactivatesAfterMaxFailures(t *testing.T) {
	store := NewMemoryStore()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: true})

	d := newTestDispatcher(store)
	for i := 0; i < fastRetry.MaxFailures; i++ {
		_ = d.DispatchToWallet(context.Background(), scoreComputed(walletA))
		d.Wait()
	}

	sub, _ := store.Get(context.Background(), "wh1")
	if sub.Active {
		t.Error("Expected subscription to be deactivated")
	}
	if sub.ConsecutiveFailures != fastRetry.MaxFailures {
		t.Errorf("Expected %d failures, got %d", fastRetry.MaxFailures, sub.ConsecutiveFailures)
	}
}

func TestDispatch_BlockedURL(t *testing.T) {
	store := NewMemoryStore()
	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: "http://127.0.0.1:1/hook", Events: []events.Type{events.ScoreComputed}, Active: true})

	d := NewDispatcherWithRetry(store, slog.New(slog.NewTextHandler(io.Discard, nil)), fastRetry)
	_ = d.DispatchToWallet(context.Background(), scoreComputed(walletA))
	d.Wait()

	sub, _ := store.Get(context.Background(), "wh1")
	if !strings.HasPrefix(sub.LastError, "url rejected") {
		t.Errorf("Expected url rejection, got %q", sub.LastError)
	}
}

func TestDispatch_OutlivesCallerContext(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: true})

	d := newTestDispatcher(store)
	ctx, cancel := context.WithCancel(context.Background())
	_ = d.DispatchToWallet(ctx, scoreComputed(walletA))
	cancel()
	d.Wait()

	if received.Load() != 1 {
		t.Error("delivery should not be cancelled with the emitting request")
	}
}

func TestEmitter_Emit(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreFailed}, Active: true})

	d := newTestDispatcher(store)
	em := NewEmitter(d, slog.Default(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	go em.Run(ctx)

	var sink events.Emitter = em
	sink.Emit(context.Background(), events.New(events.ScoreFailed, walletA, 5, time.Now(), nil))
	sink.Emit(context.Background(), events.New(events.ScoreFailed, "", 6, time.Now(), nil))

	require.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-em.Drained()
	d.Wait()
	assert.Equal(t, int32(1), received.Load())

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), scoreComputed(walletA)) // must not panic
}

func TestEmitter_DropsWhenFullAndFlushesOnStop(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()
	mustCreate(t, store, &Subscription{ID: "wh1", Wallet: walletA, URL: server.URL, Events: []events.Type{events.ScoreComputed}, Active: true})

	d := newTestDispatcher(store)
	em := NewEmitter(d, slog.New(slog.NewTextHandler(io.Discard, nil)), 2)

	// Nothing is consuming yet: the third event is dropped.
	for i := uint64(1); i <= 3; i++ {
		em.Emit(context.Background(), events.New(events.ScoreComputed, walletA, i, time.Now(), nil))
	}

	// Run with an already-cancelled context still flushes the backlog.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	em.Run(ctx)
	d.Wait()

	assert.Equal(t, int32(2), received.Load())
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func setupHandlerRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if w := c.GetHeader("X-Wallet"); w != "" {
			c.Set("authWallet", w)
		}
		c.Next()
	})
	NewHandler(store, newTestDispatcher(store)).RegisterRoutes(r.Group("/v1"))
	return r
}

func doRequest(r http.Handler, method, path, wallet, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("X-Wallet", wallet)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	r := setupHandlerRouter(store)
	path := "/v1/wallets/" + walletA + "/webhooks"

	w := doRequest(r, http.MethodPost, path, walletA, `{"url":"https://example.com/hook","events":["score.computed","disclosure.completed"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Secret == "" || !strings.HasPrefix(created.Webhook.ID, "wh_") {
		t.Errorf("unexpected create response: %s", w.Body.String())
	}

	w = doRequest(r, http.MethodGet, path, walletA, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), created.Secret) {
		t.Error("list must not expose the secret")
	}

	w = doRequest(r, http.MethodDelete, path+"/"+created.Webhook.ID, walletA, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if _, err := store.Get(context.Background(), created.Webhook.ID); !errors.Is(err, ErrNotFound) {
		t.Error("webhook still present after delete")
	}
}

func TestHandler_Errors(t *testing.T) {
	store := NewMemoryStore()
	r := setupHandlerRouter(store)
	path := "/v1/wallets/" + walletA + "/webhooks"

	tests := []struct {
		name   string
		method string
		path   string
		wallet string
		body   string
		want   int
	}{
		{"other wallet", http.MethodPost, path, walletB, `{"url":"https://example.com","events":["score.computed"]}`, http.StatusForbidden},
		{"bad wallet", http.MethodGet, "/v1/wallets/0xabc/webhooks", walletA, "", http.StatusBadRequest},
		{"unknown event", http.MethodPost, path, walletA, `{"url":"https://example.com","events":["payment.received"]}`, http.StatusBadRequest},
		{"no events", http.MethodPost, path, walletA, `{"url":"https://example.com","events":[]}`, http.StatusBadRequest},
		{"bad body", http.MethodPost, path, walletA, `{`, http.StatusBadRequest},
		{"missing webhook", http.MethodDelete, path + "/wh_missing", walletA, "", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(r, tc.method, tc.path, tc.wallet, tc.body)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_DeleteOtherWalletsWebhook(t *testing.T) {
	store := NewMemoryStore()
	mustCreate(t, store, &Subscription{ID: "wh_b", Wallet: walletB, URL: "https://example.com", Active: true})
	r := setupHandlerRouter(store)

	w := doRequest(r, http.MethodDelete, "/v1/wallets/"+walletA+"/webhooks/wh_b", walletA, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if _, err := store.Get(context.Background(), "wh_b"); err != nil {
		t.Error("another wallet's webhook was deleted")
	}
}

func TestHandler_Limit(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < MaxPerWallet; i++ {
		mustCreate(t, store, &Subscription{ID: "wh" + string(rune('a'+i)), Wallet: walletA, Active: true})
	}
	r := setupHandlerRouter(store)

	w := doRequest(r, http.MethodPost, "/v1/wallets/"+walletA+"/webhooks", walletA, `{"url":"https://example.com","events":["score.computed"]}`)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}
