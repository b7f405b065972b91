package mpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cipherscore/internal/circuitbreaker"
	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type outcomeSink struct {
	mu  sync.Mutex
	got map[uint64]Outcome
	ch  chan Outcome
}

func newOutcomeSink() *outcomeSink {
	return &outcomeSink{got: make(map[uint64]Outcome), ch: make(chan Outcome, 64)}
}

func (s *outcomeSink) callback(_ context.Context, o Outcome) {
	s.mu.Lock()
	s.got[o.Offset] = o
	s.mu.Unlock()
	s.ch <- o
}

func (s *outcomeSink) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-s.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func startCluster(t *testing.T, cfg ClusterConfig) (*LocalCluster, *outcomeSink) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	c, err := NewLocalCluster(cfg)
	require.NoError(t, err)

	sink := newOutcomeSink()
	c.OnOutcome(sink.callback)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)
	return c, sink
}

func encryptFor(t *testing.T, cluster sealed.PublicKey, m scoring.WalletMetrics) (sealed.Keypair, sealed.Nonce, sealed.EncryptedWalletMetrics) {
	t.Helper()
	client, err := sealed.GenerateKeypair()
	require.NoError(t, err)
	nonce, err := sealed.RandomNonce()
	require.NoError(t, err)
	c, err := sealed.NewCipher(client.Private, cluster)
	require.NoError(t, err)
	enc, err := c.EncryptMetrics(nonce, m)
	require.NoError(t, err)
	return client, nonce, enc
}

var seasoned = scoring.WalletMetrics{
	WalletAgeDays:    400,
	TransactionCount: 150,
	TotalVolumeUSD:   20_000_000,
	UniqueProtocols:  12,
	DefiPositions:    3,
	FailedTxs:        2,
}

// ---------------------------------------------------------------------------
// Argument vectors
// ---------------------------------------------------------------------------

func TestScoreArgs_Layout(t *testing.T) {
	var sender sealed.PublicKey
	sender[0] = 0xaa
	nonce := sealed.NonceFromUint64(77)

	var f [sealed.MetricsFieldCount]sealed.Ciphertext
	for i := range f {
		f[i][0] = byte(i + 1)
	}
	args := ScoreArgs(sender, nonce, sealed.MetricsFromFields(f))

	require.Len(t, args, 10)
	assert.Equal(t, ArgPubkey, args[0].Kind)
	assert.Equal(t, sender, args[0].PublicKey())
	assert.Equal(t, ArgPlaintextU128, args[1].Kind)
	assert.Equal(t, nonce, args[1].Nonce())

	wantKinds := []ArgKind{
		ArgEncryptedU32, ArgEncryptedU32, ArgEncryptedU64, ArgEncryptedU16,
		ArgEncryptedU16, ArgEncryptedU16, ArgEncryptedU16, ArgEncryptedU64,
	}
	for i, k := range wantKinds {
		assert.Equal(t, k, args[2+i].Kind, "metric %d", i)
		assert.Equal(t, byte(i+1), args[2+i].Data[0], "metric %d out of order", i)
	}

	assert.NoError(t, Request{Circuit: CircuitCalculateScore, Args: args}.Validate())
}

func TestShareArgs_Layout(t *testing.T) {
	var receiver, sender sealed.PublicKey
	receiver[0], sender[0] = 1, 2
	args := ShareArgs(receiver, sealed.NonceFromUint64(10), sender, sealed.NonceFromUint64(20), sealed.EncryptedWalletMetrics{})

	require.Len(t, args, 12)
	assert.Equal(t, receiver, args[0].PublicKey())
	assert.Equal(t, "10", args[1].Nonce().String())
	assert.Equal(t, sender, args[2].PublicKey())
	assert.Equal(t, "20", args[3].Nonce().String())
	assert.NoError(t, Request{Circuit: CircuitShareScore, Args: args}.Validate())
}

func TestRequest_Validate(t *testing.T) {
	good := ScoreArgs(sealed.PublicKey{}, sealed.Nonce{}, sealed.EncryptedWalletMetrics{})

	err := Request{Circuit: "mint_tokens", Args: good}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = Request{Circuit: CircuitShareScore, Args: good}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRequest)

	swapped := append([]Argument(nil), good...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	err = Request{Circuit: CircuitCalculateScore, Args: swapped}.Validate()
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestArgKind_String(t *testing.T) {
	assert.Equal(t, "pubkey", ArgPubkey.String())
	assert.Equal(t, "encrypted_u64", ArgEncryptedU64.String())
	assert.Equal(t, "arg(99)", ArgKind(99).String())
}

// ---------------------------------------------------------------------------
// LocalCluster
// ---------------------------------------------------------------------------

func TestLocalCluster_RevealsScore(t *testing.T) {
	c, sink := startCluster(t, ClusterConfig{})
	client, nonce, enc := encryptFor(t, c.PublicKey(), seasoned)

	err := c.Queue(context.Background(), Request{
		Offset:  1,
		Circuit: CircuitCalculateScore,
		Args:    ScoreArgs(client.Public, nonce, enc),
	})
	require.NoError(t, err)

	out := sink.wait(t)
	assert.Equal(t, uint64(1), out.Offset)
	assert.Equal(t, CircuitCalculateScore, out.Circuit)
	require.True(t, out.Success, out.Err)
	assert.Equal(t, uint16(850), out.Score)
	assert.Nil(t, out.Report)
}

func TestLocalCluster_WrongNonceFails(t *testing.T) {
	c, sink := startCluster(t, ClusterConfig{})
	client, nonce, enc := encryptFor(t, c.PublicKey(), seasoned)

	err := c.Queue(context.Background(), Request{
		Offset:  2,
		Circuit: CircuitCalculateScore,
		Args:    ScoreArgs(client.Public, nonce.Next(), enc),
	})
	require.NoError(t, err)

	out := sink.wait(t)
	assert.False(t, out.Success)
	assert.Contains(t, out.Err, "decrypt metrics")
	assert.Zero(t, out.Score)
}

func TestLocalCluster_SharesReportWithReceiver(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_760_000_000, 0))
	c, sink := startCluster(t, ClusterConfig{Clock: clock})

	sender, senderNonce, enc := encryptFor(t, c.PublicKey(), seasoned)
	receiver, err := sealed.GenerateKeypair()
	require.NoError(t, err)
	receiverNonce := sealed.NonceFromUint64(500)

	err = c.Queue(context.Background(), Request{
		Offset:  3,
		Circuit: CircuitShareScore,
		Args:    ShareArgs(receiver.Public, receiverNonce, sender.Public, senderNonce, enc),
	})
	require.NoError(t, err)

	out := sink.wait(t)
	require.True(t, out.Success, out.Err)
	require.NotNil(t, out.Report)
	assert.Zero(t, out.Score, "share circuit must not reveal the score")
	assert.Equal(t, receiverNonce.Next(), out.Report.Nonce)

	opener, err := sealed.NewCipher(receiver.Private, c.PublicKey())
	require.NoError(t, err)
	report, err := opener.DecryptReport(*out.Report)
	require.NoError(t, err)
	assert.Equal(t, scoring.CreditReport{Score: 850, RiskLevel: scoring.RiskLow, Timestamp: 1_760_000_000}, report)

	// The sender cannot open a report sealed for the receiver.
	senderView, err := sealed.NewCipher(sender.Private, c.PublicKey())
	require.NoError(t, err)
	_, err = senderView.DecryptReport(*out.Report)
	assert.Error(t, err)
}

func TestLocalCluster_NotStarted(t *testing.T) {
	c, err := NewLocalCluster(ClusterConfig{Logger: testLogger()})
	require.NoError(t, err)

	req := Request{Offset: 1, Circuit: CircuitCalculateScore, Args: ScoreArgs(sealed.PublicKey{}, sealed.Nonce{}, sealed.EncryptedWalletMetrics{})}
	assert.ErrorIs(t, c.Queue(context.Background(), req), ErrClusterNotSet)
	assert.False(t, c.Ready())

	c.OnOutcome(func(context.Context, Outcome) {})
	assert.ErrorIs(t, c.Queue(context.Background(), req), ErrClusterNotSet, "callback alone is not enough")
}

func TestLocalCluster_RejectsMalformedRequest(t *testing.T) {
	c, _ := startCluster(t, ClusterConfig{})
	err := c.Queue(context.Background(), Request{Offset: 1, Circuit: CircuitCalculateScore})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLocalCluster_QueueFull(t *testing.T) {
	c, err := NewLocalCluster(ClusterConfig{Logger: testLogger(), QueueSize: 1})
	require.NoError(t, err)
	c.OnOutcome(func(context.Context, Outcome) {})
	// Mark running without a worker loop so nothing drains the queue.
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	req := Request{Circuit: CircuitCalculateScore, Args: ScoreArgs(sealed.PublicKey{}, sealed.Nonce{}, sealed.EncryptedWalletMetrics{})}
	require.NoError(t, c.Queue(context.Background(), req))
	assert.Equal(t, 1, c.QueueDepth())

	req.Offset = 2
	assert.ErrorIs(t, c.Queue(context.Background(), req), ErrUnavailable)
}

func TestLocalCluster_DrainsOnShutdown(t *testing.T) {
	c, err := NewLocalCluster(ClusterConfig{Logger: testLogger(), Workers: 1})
	require.NoError(t, err)
	sink := newOutcomeSink()
	c.OnOutcome(sink.callback)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)

	client, nonce, enc := encryptFor(t, c.PublicKey(), scoring.WalletMetrics{})
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, c.Queue(ctx, Request{Offset: i, Circuit: CircuitCalculateScore, Args: ScoreArgs(client.Public, nonce, enc)}))
	}
	cancel()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after shutdown")
	}
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.got, 5, "every queued request yields exactly one outcome by the time Done closes")
	for _, o := range sink.got {
		assert.True(t, o.Success)
		assert.Equal(t, uint16(300), o.Score)
	}
}

func TestClusterConfig_Validate(t *testing.T) {
	cfg := ClusterConfig{}
	assert.Error(t, cfg.Validate())

	cfg = ClusterConfig{Logger: testLogger(), Latency: -time.Second}
	assert.Error(t, cfg.Validate())

	cfg = ClusterConfig{Logger: testLogger()}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
	assert.NotNil(t, cfg.Clock)
	assert.Equal(t, scoring.DefaultParams(), cfg.Params)
}

func TestLocalCluster_FixedKeypair(t *testing.T) {
	kp, err := sealed.GenerateKeypair()
	require.NoError(t, err)
	c, err := NewLocalCluster(ClusterConfig{Logger: testLogger(), Keypair: &kp})
	require.NoError(t, err)
	assert.Equal(t, kp.Public, c.PublicKey())
}

// ---------------------------------------------------------------------------
// Guard
// ---------------------------------------------------------------------------

type flakyService struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *flakyService) Queue(context.Context, Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}
func (f *flakyService) PublicKey() sealed.PublicKey { return sealed.PublicKey{} }
func (f *flakyService) Ready() bool                 { return true }

func TestGuard_TripsOnUnavailable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &flakyService{err: ErrUnavailable}
	g := NewGuard(inner, 2, time.Minute, clock)

	req := Request{Circuit: CircuitCalculateScore}
	assert.ErrorIs(t, g.Queue(context.Background(), req), ErrUnavailable)
	assert.ErrorIs(t, g.Queue(context.Background(), req), ErrUnavailable)
	assert.Equal(t, circuitbreaker.StateOpen, g.State())
	assert.False(t, g.Ready())

	// Open circuit short-circuits without touching the service.
	assert.ErrorIs(t, g.Queue(context.Background(), req), ErrUnavailable)
	assert.Equal(t, 2, inner.calls)

	// After the open window a trial call goes through and closes the circuit.
	clock.Advance(time.Minute)
	inner.mu.Lock()
	inner.err = nil
	inner.mu.Unlock()
	assert.NoError(t, g.Queue(context.Background(), req))
	assert.Equal(t, circuitbreaker.StateClosed, g.State())
	assert.True(t, g.Ready())
}

func TestGuard_IgnoresInvalidRequests(t *testing.T) {
	inner := &flakyService{err: errors.Join(ErrInvalidRequest, errors.New("bad layout"))}
	g := NewGuard(inner, 1, time.Minute, clockwork.NewRealClock())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Queue(context.Background(), Request{}), ErrInvalidRequest)
	}
	assert.Equal(t, circuitbreaker.StateClosed, g.State())
	assert.True(t, g.Ready())
}

func TestIsOutage(t *testing.T) {
	assert.True(t, IsOutage(fmt.Errorf("queue: %w", ErrUnavailable)))
	assert.True(t, IsOutage(ErrClusterNotSet))
	assert.False(t, IsOutage(ErrInvalidRequest))
	assert.False(t, IsOutage(context.Canceled))
}
