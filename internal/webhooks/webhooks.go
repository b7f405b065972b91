// Package webhooks delivers protocol events to URLs registered by wallet
// owners.
//
// Each delivery is a JSON POST of the events.Event, signed with
// HMAC-SHA256 over the body using the subscription secret. A subscription
// that keeps failing is deactivated after RetryConfig.MaxFailures
// consecutive failed deliveries.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/cipherscore/internal/events"
	"github.com/mbd888/cipherscore/internal/metrics"
	"github.com/mbd888/cipherscore/internal/retry"
	"github.com/mbd888/cipherscore/internal/security"
)

// Delivery headers.
const (
	HeaderEvent     = "X-CipherScore-Event"
	HeaderDelivery  = "X-CipherScore-Delivery"
	HeaderTimestamp = "X-CipherScore-Timestamp"
	HeaderSignature = "X-CipherScore-Signature"
)

var ErrNotFound = errors.New("webhook not found")

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string        `json:"id"`
	Wallet              string        `json:"wallet"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"` // Used for HMAC signing
	Events              []events.Type `json:"events"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Wants reports whether sub should receive an event of type t.
func (s *Subscription) Wants(t events.Type) bool {
	return s.Active && slices.Contains(s.Events, t)
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByWallet(ctx context.Context, wallet string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and auto-deactivation.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxFailures int           // consecutive failed deliveries before deactivation
	Timeout     time.Duration // per HTTP attempt; 10s when zero
}

// DefaultRetryConfig is used by NewDispatcher.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    10 * time.Second,
	MaxFailures: 20,
	Timeout:     10 * time.Second,
}

// deliveryTimeout bounds one delivery including retries.
const deliveryTimeout = 60 * time.Second

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	logger       *slog.Logger
	urlValidator func(context.Context, string) error
	now          func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, logger, DefaultRetryConfig)
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry settings.
func NewDispatcherWithRetry(store Store, logger *slog.Logger, cfg RetryConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Never follow redirects: the target was validated, the redirect was not.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retry:        cfg,
		logger:       logger,
		urlValidator: security.EndpointPolicy{}.Validate,
		now:          time.Now,
	}
}

// DispatchToWallet sends an event to every active subscription of the
// event's wallet that asked for its type. Deliveries run in the
// background and outlive ctx.
func (d *Dispatcher) DispatchToWallet(ctx context.Context, event events.Event) error {
	subs, err := d.store.GetByWallet(ctx, event.Wallet)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(bg, deliveryTimeout)
			defer cancel()
			d.send(sendCtx, sub, event, payload)
		}(sub)
	}
	return nil
}

// SetEndpointPolicy replaces the check applied to subscription URLs at
// registration and before every delivery.
func (d *Dispatcher) SetEndpointPolicy(p security.EndpointPolicy) {
	d.urlValidator = p.Validate
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event events.Event, payload []byte) {
	// Re-validated at send time: DNS may have changed since registration.
	if err := d.urlValidator(ctx, sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	policy := retry.Policy{
		MaxAttempts: d.retry.MaxAttempts,
		BaseDelay:   d.retry.BaseDelay,
		MaxDelay:    d.retry.MaxDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.logger.Debug("webhook delivery retrying",
				"webhook", sub.ID, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	err := policy.Do(ctx, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhook", sub.ID, "wallet", sub.Wallet, "event", string(event.Type), "error", err)
		d.updateError(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("status %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// Other 4xx will not improve on retry.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook", sub.ID, "wallet", sub.Wallet, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByWallet(_ context.Context, wallet string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Wallet == wallet {
			cp := *sub
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *Subscription) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
