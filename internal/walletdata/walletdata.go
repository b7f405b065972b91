// Package walletdata derives coarse WalletMetrics from public Solana chain
// data for callers that submit only a wallet address.
//
// Only what two cheap RPC calls reveal is filled in: age from the oldest of
// the last 100 signatures, transaction and failed-transaction counts from
// those signatures, and the lamport balance. Volume, protocol, DeFi and NFT
// figures stay zero.
package walletdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/cipherscore/internal/circuitbreaker"
	"github.com/mbd888/cipherscore/internal/metrics"
	"github.com/mbd888/cipherscore/internal/retry"
	"github.com/mbd888/cipherscore/internal/scoring"
)

// SignatureLimit is how many recent signatures are inspected.
const SignatureLimit = 100

const invalidParamsCode = -32602

var ErrUnavailable = errors.New("walletdata: rpc unavailable")

// RPC is the subset of *solanarpc.Client used here.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error)
}

// Config configures a Fetcher.
type Config struct {
	Logger   *slog.Logger
	RPC      RPC
	Endpoint string // log label
	Breaker  *circuitbreaker.Breaker
	Clock    clockwork.Clock

	MaxAttempts int
	BaseDelay   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "solana"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New("solana_rpc", 5, 30*time.Second,
			circuitbreaker.WithClock(cfg.Clock),
			circuitbreaker.WithFailureFilter(countsAgainstRPC))
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	return nil
}

// Fetcher reads wallet activity over JSON-RPC.
type Fetcher struct {
	log *slog.Logger
	cfg Config
}

// New creates a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fetcher{log: cfg.Logger, cfg: cfg}, nil
}

// NewForEndpoint creates a Fetcher backed by a solana-go client for url.
func NewForEndpoint(logger *slog.Logger, url string) (*Fetcher, error) {
	return New(Config{Logger: logger, RPC: solanarpc.New(url), Endpoint: url})
}

// Breaker returns the circuit guarding the RPC endpoint.
func (f *Fetcher) Breaker() *circuitbreaker.Breaker { return f.cfg.Breaker }

// FetchMetrics implements credit.WalletMetricsSource.
func (f *Fetcher) FetchMetrics(ctx context.Context, wallet solana.PublicKey) (scoring.WalletMetrics, error) {
	var (
		balance uint64
		sigs    []*solanarpc.TransactionSignature
	)
	policy := retry.Policy{MaxAttempts: f.cfg.MaxAttempts, BaseDelay: f.cfg.BaseDelay, MaxDelay: 5 * time.Second, Clock: f.cfg.Clock}
	err := f.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
		err := policy.Do(ctx, func() error {
			res, err := f.cfg.RPC.GetBalance(ctx, wallet, solanarpc.CommitmentFinalized)
			if err != nil {
				return classify(err)
			}
			balance = res.Value
			return nil
		})
		if err != nil {
			return err
		}
		limit := SignatureLimit
		return policy.Do(ctx, func() error {
			var err error
			sigs, err = f.cfg.RPC.GetSignaturesForAddressWithOpts(ctx, wallet, &solanarpc.GetSignaturesForAddressOpts{
				Limit:      &limit,
				Commitment: solanarpc.CommitmentFinalized,
			})
			return classify(err)
		})
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.WalletFetchesTotal.WithLabelValues("breaker_open").Inc()
		return scoring.WalletMetrics{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case err != nil:
		metrics.WalletFetchesTotal.WithLabelValues("error").Inc()
		f.log.Warn("wallet metrics fetch failed", "wallet", wallet.String(), "endpoint", f.cfg.Endpoint, "error", err)
		return scoring.WalletMetrics{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.WalletFetchesTotal.WithLabelValues("ok").Inc()

	return Derive(balance, sigs, f.cfg.Clock.Now()), nil
}

// countsAgainstRPC excludes caller cancellation and requests the node
// rejected as malformed.
func countsAgainstRPC(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == invalidParamsCode {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// classify marks JSON-RPC "invalid params" as permanent; everything else
// (timeouts, 429s, node errors) is retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == invalidParamsCode {
		return retry.Permanent(err)
	}
	return err
}

// Derive builds metrics from a balance and newest-first signatures.
func Derive(balance uint64, sigs []*solanarpc.TransactionSignature, now time.Time) scoring.WalletMetrics {
	m := scoring.WalletMetrics{
		TransactionCount: uint32(len(sigs)),
		SOLBalance:       balance,
	}

	var failed int
	for _, s := range sigs {
		if s != nil && s.Err != nil {
			failed++
		}
	}
	m.FailedTxs = uint16(min(failed, math.MaxUint16))

	if len(sigs) > 0 {
		if oldest := sigs[len(sigs)-1]; oldest != nil && oldest.BlockTime != nil {
			age := now.Sub(oldest.BlockTime.Time())
			if age > 0 {
				m.WalletAgeDays = uint32(age / (24 * time.Hour))
			}
		}
	}
	return m
}
