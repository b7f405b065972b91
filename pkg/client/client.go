// Package client is the Go SDK for the cipherscore API.
//
//	c := client.New(client.Config{BaseURL: "http://localhost:8080", APIKey: "sk_..."})
//	sub, err := c.CalculateFromMetrics(ctx, wallet, metrics, 30*time.Second)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/cipherscore/internal/retry"
	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// Config configures a Client.
type Config struct {
	BaseURL    string // e.g. "http://localhost:8080"
	APIKey     string // "sk_..."; only ClusterInfo works without one
	HTTPClient *http.Client
	// Retries applies to reads only. Zero value: 3 attempts from 200ms.
	Retries retry.Policy
}

// Client talks to a cipherscore server.
type Client struct {
	cfg        Config
	base       string
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		// ?wait= can hold a request for up to a minute.
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.Retries.MaxAttempts == 0 {
		cfg.Retries = retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}
}

// ClusterInfo returns the cluster public key.
func (c *Client) ClusterInfo(ctx context.Context) (*ClusterInfo, error) {
	var out ClusterInfo
	if err := c.get(ctx, "/v1/cluster", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WalletStatus returns the record view for wallet.
func (c *Client) WalletStatus(ctx context.Context, wallet string) (*WalletStatus, error) {
	var out struct {
		Status WalletStatus `json:"status"`
	}
	if err := c.get(ctx, "/v1/wallets/"+url.PathEscape(wallet)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// CalculateFromMetrics submits plaintext metrics for server-side
// encryption. A positive wait blocks until the score is known or wait
// elapses.
func (c *Client) CalculateFromMetrics(ctx context.Context, wallet string, m scoring.WalletMetrics, wait time.Duration) (*Submission, error) {
	return c.calculate(ctx, wallet, map[string]any{"metrics": m}, wait)
}

// CalculateFromWallet asks the server to derive metrics from chain data.
func (c *Client) CalculateFromWallet(ctx context.Context, wallet string, wait time.Duration) (*Submission, error) {
	return c.calculate(ctx, wallet, nil, wait)
}

func (c *Client) calculate(ctx context.Context, wallet string, body any, wait time.Duration) (*Submission, error) {
	var out Submission
	if err := c.post(ctx, "/v1/wallets/"+url.PathEscape(wallet)+"/score/plain", waitQuery(wait), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitEncrypted submits metrics the caller encrypted to the cluster key.
func (c *Client) SubmitEncrypted(ctx context.Context, wallet string, req EncryptedSubmission) (*Computation, error) {
	var out struct {
		Computation Computation `json:"computation"`
	}
	if err := c.post(ctx, "/v1/wallets/"+url.PathEscape(wallet)+"/score", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Computation, nil
}

// EncryptAndSubmit encrypts m locally under sender and a fresh nonce, then
// submits it. The plaintext never leaves the process.
func (c *Client) EncryptAndSubmit(ctx context.Context, wallet string, sender sealed.Keypair, m scoring.WalletMetrics) (*Submission, error) {
	info, err := c.ClusterInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("cluster info: %w", err)
	}
	nonce, err := sealed.RandomNonce()
	if err != nil {
		return nil, err
	}
	ciph, err := sealed.NewCipher(sender.Private, info.PublicKey)
	if err != nil {
		return nil, err
	}
	enc, err := ciph.EncryptMetrics(nonce, m)
	if err != nil {
		return nil, err
	}
	comp, err := c.SubmitEncrypted(ctx, wallet, EncryptedSubmission{
		SenderKey:        sender.Public,
		Nonce:            nonce,
		EncryptedMetrics: enc,
	})
	if err != nil {
		return nil, err
	}
	return &Submission{Computation: comp, SenderKey: sender.Public, Nonce: nonce}, nil
}

// Share starts a disclosure of the wallet's current score.
func (c *Client) Share(ctx context.Context, wallet string, req ShareRequest) (*Computation, error) {
	var out struct {
		Computation Computation `json:"computation"`
	}
	if err := c.post(ctx, "/v1/wallets/"+url.PathEscape(wallet)+"/share", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Computation, nil
}

// Computation returns a dispatched computation, waiting up to wait for it
// to finish when it is still pending.
func (c *Client) Computation(ctx context.Context, offset uint64, wait time.Duration) (*Computation, error) {
	var out struct {
		Computation Computation `json:"computation"`
	}
	if err := c.get(ctx, "/v1/computations/"+strconv.FormatUint(offset, 10), waitQuery(wait), &out); err != nil {
		return nil, err
	}
	return &out.Computation, nil
}

// Usage returns the caller's quota.
func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	var out struct {
		Usage Usage `json:"usage"`
	}
	if err := c.get(ctx, "/v1/keys/usage", nil, &out); err != nil {
		return nil, err
	}
	return &out.Usage, nil
}

// DecryptReport opens a disclosed report with the receiver's private key.
func DecryptReport(receiver sealed.PrivateKey, cluster sealed.PublicKey, r sealed.EncryptedReport) (scoring.CreditReport, error) {
	ciph, err := sealed.NewCipher(receiver, cluster)
	if err != nil {
		return scoring.CreditReport{}, err
	}
	return ciph.DecryptReport(r)
}

func waitQuery(wait time.Duration) url.Values {
	if wait <= 0 {
		return nil
	}
	return url.Values{"wait": {wait.String()}}
}

// get retries transport errors, 5xx responses and rate limiting. A
// Retry-After from the server replaces the backoff.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.cfg.Retries.Do(ctx, func() error {
		err := c.do(ctx, http.MethodGet, path, query, nil, out)
		var apiErr *Error
		switch {
		case !errors.As(err, &apiErr):
			return err
		case apiErr.Code == CodeRateLimited, apiErr.Status >= 500:
			if apiErr.RetryAfter > 0 {
				return retry.After(err, apiErr.RetryAfter)
			}
			return err
		default:
			return retry.Permanent(err)
		}
	})
}

// post is never retried: submissions are not idempotent.
func (c *Client) post(ctx context.Context, path string, query url.Values, body, out any) error {
	return c.do(ctx, http.MethodPost, path, query, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
