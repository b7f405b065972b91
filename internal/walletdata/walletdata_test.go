package walletdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cipherscore/internal/circuitbreaker"
	"github.com/mbd888/cipherscore/internal/retry"
)

type mockSolanaRPC struct {
	getBalanceFunc    func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	getSignaturesFunc func(context.Context, solana.PublicKey, *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error)

	balanceCalls   int
	signatureCalls int
	lastLimit      int
}

func (m *mockSolanaRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	m.balanceCalls++
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, account, commitment)
	}
	return &solanarpc.GetBalanceResult{Value: 0}, nil
}

func (m *mockSolanaRPC) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error) {
	m.signatureCalls++
	if opts != nil && opts.Limit != nil {
		m.lastLimit = *opts.Limit
	}
	if m.getSignaturesFunc != nil {
		return m.getSignaturesFunc(ctx, account, opts)
	}
	return nil, nil
}

func blockTime(t time.Time) *solana.UnixTimeSeconds {
	ts := solana.UnixTimeSeconds(t.Unix())
	return &ts
}

func newTestFetcher(t *testing.T, rpc RPC, breaker *circuitbreaker.Breaker) *Fetcher {
	t.Helper()
	f, err := New(Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		RPC:         rpc,
		Breaker:     breaker,
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	})
	require.NoError(t, err)
	return f
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{Logger: slog.Default()}
	assert.Error(t, cfg.Validate())

	cfg = Config{Logger: slog.Default(), RPC: &mockSolanaRPC{}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "solana", cfg.Endpoint)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.NotNil(t, cfg.Breaker)
	assert.NotNil(t, cfg.Clock)
}

func TestDerive(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	sigs := []*solanarpc.TransactionSignature{
		{BlockTime: blockTime(now.Add(-time.Hour))},
		{BlockTime: blockTime(now.Add(-48 * time.Hour)), Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
		{BlockTime: blockTime(now.Add(-400*24*time.Hour - time.Hour))},
	}

	m := Derive(1_500_000_000, sigs, now)
	assert.Equal(t, uint32(3), m.TransactionCount)
	assert.Equal(t, uint16(1), m.FailedTxs)
	assert.Equal(t, uint32(400), m.WalletAgeDays)
	assert.Equal(t, uint64(1_500_000_000), m.SOLBalance)
	assert.Zero(t, m.TotalVolumeUSD)
	assert.Zero(t, m.UniqueProtocols)
	assert.Zero(t, m.DefiPositions)
	assert.Zero(t, m.NFTCount)
}

func TestDerive_NoHistory(t *testing.T) {
	m := Derive(42, nil, time.Now())
	assert.Zero(t, m.TransactionCount)
	assert.Zero(t, m.WalletAgeDays)
	assert.Equal(t, uint64(42), m.SOLBalance)
}

func TestDerive_MissingBlockTime(t *testing.T) {
	m := Derive(0, []*solanarpc.TransactionSignature{{}, nil}, time.Now())
	assert.Equal(t, uint32(2), m.TransactionCount)
	assert.Zero(t, m.WalletAgeDays)
}

func TestFetchMetrics(t *testing.T) {
	now := time.Now()
	rpc := &mockSolanaRPC{
		getBalanceFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
			return &solanarpc.GetBalanceResult{Value: 7}, nil
		},
		getSignaturesFunc: func(context.Context, solana.PublicKey, *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error) {
			return []*solanarpc.TransactionSignature{
				{BlockTime: blockTime(now)},
				{BlockTime: blockTime(now.Add(-10 * 24 * time.Hour))},
			}, nil
		},
	}
	f := newTestFetcher(t, rpc, nil)

	m, err := f.FetchMetrics(context.Background(), solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.SOLBalance)
	assert.Equal(t, uint32(2), m.TransactionCount)
	assert.InDelta(t, 10, m.WalletAgeDays, 1)
	assert.Equal(t, SignatureLimit, rpc.lastLimit)
}

func TestFetchMetrics_RetriesTransientErrors(t *testing.T) {
	attempts := 0
	rpc := &mockSolanaRPC{
		getBalanceFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("connection reset")
			}
			return &solanarpc.GetBalanceResult{Value: 1}, nil
		},
	}
	f := newTestFetcher(t, rpc, nil)

	_, err := f.FetchMetrics(context.Background(), solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"))
	require.NoError(t, err)
	assert.Equal(t, 2, rpc.balanceCalls)
}

func TestFetchMetrics_InvalidParamsIsPermanent(t *testing.T) {
	rpc := &mockSolanaRPC{
		getBalanceFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
			return nil, &jsonrpc.RPCError{Code: invalidParamsCode, Message: "Invalid param"}
		},
	}
	f := newTestFetcher(t, rpc, nil)

	_, err := f.FetchMetrics(context.Background(), solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, rpc.balanceCalls)
	assert.Zero(t, rpc.signatureCalls)
}

func TestFetchMetrics_BreakerOpens(t *testing.T) {
	rpc := &mockSolanaRPC{
		getBalanceFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
			return nil, errors.New("503")
		},
	}
	breaker := circuitbreaker.New("solana_rpc_test", 2, time.Minute)
	f := newTestFetcher(t, rpc, breaker)
	wallet := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	for i := 0; i < 2; i++ {
		_, err := f.FetchMetrics(context.Background(), wallet)
		require.ErrorIs(t, err, ErrUnavailable)
	}
	calls := rpc.balanceCalls

	_, err := f.FetchMetrics(context.Background(), wallet)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, calls, rpc.balanceCalls, "open breaker must not reach the RPC")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

func TestCountsAgainstRPC(t *testing.T) {
	assert.True(t, countsAgainstRPC(errors.New("connection reset")))
	assert.True(t, countsAgainstRPC(&jsonrpc.RPCError{Code: -32005, Message: "node is behind"}))
	assert.False(t, countsAgainstRPC(&jsonrpc.RPCError{Code: invalidParamsCode}))
	assert.False(t, countsAgainstRPC(context.Canceled))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	invalid := &jsonrpc.RPCError{Code: invalidParamsCode, Message: "invalid params"}
	err := classify(invalid)
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, invalid)

	assert.False(t, retry.IsPermanent(classify(&jsonrpc.RPCError{Code: 429, Message: "too many requests"})))
	assert.False(t, retry.IsPermanent(classify(context.DeadlineExceeded)))
}
