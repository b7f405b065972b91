package credit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/cipherscore/internal/events"
	"github.com/mbd888/cipherscore/internal/mpc"
	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// fakeCompute records queued requests; outcomes are delivered by the test.
type fakeCompute struct {
	mu   sync.Mutex
	key  sealed.PublicKey
	reqs []mpc.Request
	err  error
}

func newFakeCompute() *fakeCompute {
	kp, _ := sealed.GenerateKeypair()
	return &fakeCompute{key: kp.Public}
}

func (f *fakeCompute) Queue(_ context.Context, req mpc.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeCompute) PublicKey() sealed.PublicKey { return f.key }

func (f *fakeCompute) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err == nil
}

func (f *fakeCompute) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeCompute) queued() []mpc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mpc.Request(nil), f.reqs...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type testEnv struct {
	svc     *Service
	store   *MemoryStore
	compute *fakeCompute
	clock   *clockwork.FakeClock
	events  *eventRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   NewMemoryStore(),
		compute: newFakeCompute(),
		clock:   clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0)),
		events:  &eventRecorder{},
	}
	svc, err := NewService(ServiceConfig{
		Store:   env.store,
		Compute: env.compute,
		Events:  env.events,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   env.clock,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.svc = svc
	return env
}

func (env *testEnv) submit(t *testing.T, wallet solana.PublicKey, offset uint64) *Computation {
	t.Helper()
	comp, err := env.svc.Submit(context.Background(), SubmitRequest{
		Wallet:    wallet,
		Offset:    offset,
		SenderKey: env.compute.key,
		Nonce:     sealed.NonceFromUint64(offset),
		Metrics:   sampleCiphertexts(byte(offset)),
	})
	if err != nil {
		t.Fatalf("Submit(offset=%d): %v", offset, err)
	}
	return comp
}

func (env *testEnv) scored(t *testing.T, wallet solana.PublicKey, offset uint64, score uint16) {
	t.Helper()
	env.submit(t, wallet, offset)
	err := env.svc.HandleOutcome(context.Background(), mpc.Outcome{
		Offset: offset, Circuit: mpc.CircuitCalculateScore, Success: true, Score: score,
	})
	if err != nil {
		t.Fatalf("HandleOutcome: %v", err)
	}
}

func shareReq(wallet solana.PublicKey, offset uint64) ShareRequest {
	recv, _ := sealed.GenerateKeypair()
	send, _ := sealed.GenerateKeypair()
	return ShareRequest{
		Wallet:        wallet,
		Offset:        offset,
		ReceiverKey:   recv.Public,
		ReceiverNonce: sealed.NonceFromUint64(500),
		SenderKey:     send.Public,
		SenderNonce:   sealed.NonceFromUint64(600),
	}
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestServiceConfig_Validate(t *testing.T) {
	if _, err := NewService(ServiceConfig{Compute: newFakeCompute()}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewService(ServiceConfig{Store: NewMemoryStore()}); err == nil {
		t.Error("expected error without compute")
	}
	if _, err := NewService(ServiceConfig{Store: NewMemoryStore(), Compute: newFakeCompute(), Cooldown: time.Millisecond}); err == nil {
		t.Error("expected error for sub-second cooldown")
	}

	cfg := ServiceConfig{Store: NewMemoryStore(), Compute: newFakeCompute()}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Cooldown != 24*time.Hour || cfg.Freshness != 7*24*time.Hour {
		t.Errorf("unexpected defaults: cooldown=%v freshness=%v", cfg.Cooldown, cfg.Freshness)
	}
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmit_DispatchesInDeclaredOrder(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	m := sampleCiphertexts(40)
	nonce := sealed.NonceFromUint64(99)

	comp, err := env.svc.Submit(context.Background(), SubmitRequest{
		Wallet: w, Offset: 1, SenderKey: env.compute.key, Nonce: nonce, Metrics: m,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if comp.Status != ComputationPending || comp.Circuit != mpc.CircuitCalculateScore {
		t.Errorf("unexpected computation: %+v", comp)
	}

	reqs := env.compute.queued()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 queued request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Offset != 1 || req.Circuit != mpc.CircuitCalculateScore {
		t.Errorf("unexpected request header: offset=%d circuit=%s", req.Offset, req.Circuit)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("request layout: %v", err)
	}
	if req.Args[0].PublicKey() != env.compute.key || req.Args[1].Nonce() != nonce {
		t.Error("sender key and nonce must lead the argument list")
	}
	for i, want := range m.Fields() {
		if req.Args[2+i].Ciphertext() != want {
			t.Errorf("argument %d is not metric field %d", 2+i, i)
		}
	}

	rec, err := env.store.Get(context.Background(), w)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.EncryptedMetrics != m || rec.LastUpdated != env.clock.Now().Unix() {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.CurrentScore != 0 || rec.ScoreTimestamp != 0 {
		t.Error("submission must not touch score fields")
	}

	types := env.events.types()
	if len(types) != 1 || types[0] != events.SubmissionStarted {
		t.Errorf("events = %v, want [score.submitted]", types)
	}
}

func TestSubmit_GeneratesOffset(t *testing.T) {
	env := newTestEnv(t)
	comp := env.submit(t, newWallet(), 0)
	if comp.Offset == 0 {
		t.Error("expected a generated offset")
	}
}

func TestSubmit_CooldownBoundary(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.submit(t, w, 1)

	env.clock.Advance(24*time.Hour - time.Second)
	_, err := env.svc.Submit(context.Background(), SubmitRequest{
		Wallet: w, Offset: 2, SenderKey: env.compute.key, Metrics: sampleCiphertexts(2),
	})
	var cd *CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("expected *CooldownError, got %v", err)
	}
	if cd.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", cd.RetryAfter)
	}
	if len(env.compute.queued()) != 1 {
		t.Error("a rejected submission must not dispatch")
	}
	if _, ok := env.svc.Pending().Get(2); ok {
		t.Error("a rejected submission must not register")
	}

	env.clock.Advance(time.Second)
	env.submit(t, w, 3)
	if len(env.compute.queued()) != 2 {
		t.Error("submission after cooldown should dispatch")
	}
}

func TestSubmit_QueueFailureLeavesStoreUntouched(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"unavailable", mpc.ErrUnavailable, ErrComputeUnavailable},
		{"cluster not set", mpc.ErrClusterNotSet, ErrClusterNotSet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.compute.setErr(tt.err)
			w := newWallet()

			_, err := env.svc.Submit(context.Background(), SubmitRequest{
				Wallet: w, Offset: 5, SenderKey: env.compute.key, Metrics: sampleCiphertexts(5),
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if _, err := env.store.Get(context.Background(), w); !errors.Is(err, ErrRecordNotFound) {
				t.Errorf("store mutated after queue failure: %v", err)
			}
			if _, ok := env.svc.Pending().Get(5); ok {
				t.Error("pending entry left behind after queue failure")
			}
			if len(env.events.types()) != 0 {
				t.Error("no event should be emitted")
			}

			// The offset is free again once the service recovers.
			env.compute.setErr(nil)
			env.submit(t, w, 5)
		})
	}
}

func TestSubmit_DuplicateOffset(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, newWallet(), 9)

	_, err := env.svc.Submit(context.Background(), SubmitRequest{
		Wallet: newWallet(), Offset: 9, SenderKey: env.compute.key,
	})
	if !errors.Is(err, ErrDuplicateComputation) {
		t.Fatalf("expected ErrDuplicateComputation, got %v", err)
	}
}

func TestSubmit_RejectsZeroKeys(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Submit(context.Background(), SubmitRequest{Wallet: newWallet(), Offset: 1})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	_, err = env.svc.Submit(context.Background(), SubmitRequest{Offset: 1, SenderKey: env.compute.key})
	if !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// HandleOutcome (score)
// ---------------------------------------------------------------------------

func TestHandleOutcome_ScoreSuccess(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.submit(t, w, 1)
	env.clock.Advance(5 * time.Second)

	err := env.svc.HandleOutcome(context.Background(), mpc.Outcome{
		Offset: 1, Circuit: mpc.CircuitCalculateScore, Success: true, Score: 720,
	})
	if err != nil {
		t.Fatalf("HandleOutcome: %v", err)
	}

	rec, _ := env.store.Get(context.Background(), w)
	if rec.CurrentScore != 720 || rec.RiskLevel != scoring.RiskLow {
		t.Errorf("score fields = %d/%s, want 720/low", rec.CurrentScore, rec.RiskLevel)
	}
	if rec.ScoreTimestamp != env.clock.Now().Unix() {
		t.Errorf("ScoreTimestamp = %d, want callback time %d", rec.ScoreTimestamp, env.clock.Now().Unix())
	}
	if rec.LastUpdated != env.clock.Now().Unix()-5 {
		t.Error("LastUpdated must stay at submission time")
	}

	comp, _ := env.svc.Computation(1)
	if comp.Status != ComputationSucceeded || comp.Score == nil || *comp.Score != 720 {
		t.Errorf("computation not resolved: %+v", comp)
	}

	e := env.events.last()
	if e.Type != events.ScoreComputed || e.Data["score"] != uint16(720) || e.Data["riskLevel"] != "low" {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestHandleOutcome_RiskTiers(t *testing.T) {
	tests := []struct {
		score uint16
		want  scoring.RiskLevel
	}{
		{850, scoring.RiskLow},
		{700, scoring.RiskLow},
		{699, scoring.RiskMedium},
		{500, scoring.RiskMedium},
		{499, scoring.RiskHigh},
		{300, scoring.RiskHigh},
	}
	for _, tt := range tests {
		env := newTestEnv(t)
		w := newWallet()
		env.scored(t, w, 1, tt.score)
		rec, _ := env.store.Get(context.Background(), w)
		if rec.RiskLevel != tt.want {
			t.Errorf("score %d: risk = %s, want %s", tt.score, rec.RiskLevel, tt.want)
		}
	}
}

func TestHandleOutcome_ScoreFailure(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.scored(t, w, 1, 650)

	env.clock.Advance(24 * time.Hour)
	env.submit(t, w, 2)
	err := env.svc.HandleOutcome(context.Background(), mpc.Outcome{
		Offset: 2, Circuit: mpc.CircuitCalculateScore, Success: false, Err: "aborted",
	})
	if !errors.Is(err, ErrCalculationFailed) {
		t.Fatalf("expected ErrCalculationFailed, got %v", err)
	}

	rec, _ := env.store.Get(context.Background(), w)
	if rec.CurrentScore != 650 {
		t.Errorf("failed callback changed the score to %d", rec.CurrentScore)
	}
	if rec.LastUpdated != env.clock.Now().Unix() {
		t.Error("the cooldown still runs from the accepted submission")
	}
	comp, _ := env.svc.Computation(2)
	if comp.Status != ComputationFailed || comp.Error != "aborted" {
		t.Errorf("unexpected computation: %+v", comp)
	}
	if env.events.last().Type != events.ScoreFailed {
		t.Errorf("expected score.failed, got %s", env.events.last().Type)
	}
}

func TestHandleOutcome_OutOfRangeScoreIsFailure(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.submit(t, w, 1)

	err := env.svc.HandleOutcome(context.Background(), mpc.Outcome{
		Offset: 1, Circuit: mpc.CircuitCalculateScore, Success: true, Score: 900,
	})
	if !errors.Is(err, ErrCalculationFailed) {
		t.Fatalf("expected ErrCalculationFailed, got %v", err)
	}
	rec, _ := env.store.Get(context.Background(), w)
	if rec.Scored() {
		t.Error("out-of-range score must not be stored")
	}
}

func TestHandleOutcome_ProtocolViolations(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.scored(t, w, 1, 600)

	tests := []struct {
		name string
		o    mpc.Outcome
	}{
		{"unknown offset", mpc.Outcome{Offset: 42, Circuit: mpc.CircuitCalculateScore, Success: true, Score: 800}},
		{"duplicate callback", mpc.Outcome{Offset: 1, Circuit: mpc.CircuitCalculateScore, Success: true, Score: 800}},
		{"circuit mismatch", mpc.Outcome{Offset: 1, Circuit: mpc.CircuitShareScore, Success: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.events.types())
			err := env.svc.HandleOutcome(context.Background(), tt.o)
			if !errors.Is(err, ErrUnexpectedCallback) {
				t.Fatalf("expected ErrUnexpectedCallback, got %v", err)
			}
			rec, _ := env.store.Get(context.Background(), w)
			if rec.CurrentScore != 600 {
				t.Errorf("ignored callback changed score to %d", rec.CurrentScore)
			}
			if len(env.events.types()) != before {
				t.Error("ignored callback emitted an event")
			}
		})
	}
}

func TestHandleOutcome_OverlappingSubmissionsLastCallbackWins(t *testing.T) {
	env := newTestEnv(t)
	env.svc.cooldown = 1
	w := newWallet()

	env.submit(t, w, 1)
	env.clock.Advance(time.Second)
	env.submit(t, w, 2)

	ctx := context.Background()
	if err := env.svc.HandleOutcome(ctx, mpc.Outcome{Offset: 2, Circuit: mpc.CircuitCalculateScore, Success: true, Score: 780}); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.HandleOutcome(ctx, mpc.Outcome{Offset: 1, Circuit: mpc.CircuitCalculateScore, Success: true, Score: 410}); err != nil {
		t.Fatal(err)
	}

	rec, _ := env.store.Get(ctx, w)
	if rec.CurrentScore != 410 {
		t.Errorf("expected the later callback to win, got %d", rec.CurrentScore)
	}
}

func TestOutcomeCallback_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	cb := env.svc.OutcomeCallback()

	const n = 32
	wallets := make([]solana.PublicKey, n)
	for i := range wallets {
		wallets[i] = newWallet()
		env.submit(t, wallets[i], uint64(i+1))
	}

	var wg sync.WaitGroup
	for i := range wallets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cb(context.Background(), mpc.Outcome{
				Offset: uint64(i + 1), Circuit: mpc.CircuitCalculateScore, Success: true, Score: uint16(300 + i),
			})
		}(i)
	}
	wg.Wait()

	for i, w := range wallets {
		rec, _ := env.store.Get(context.Background(), w)
		if rec.CurrentScore != uint16(300+i) {
			t.Errorf("wallet %d: score = %d, want %d", i, rec.CurrentScore, 300+i)
		}
	}
	if env.svc.Pending().Pending() != 0 {
		t.Errorf("%d computations still pending", env.svc.Pending().Pending())
	}
}

// ---------------------------------------------------------------------------
// Share
// ---------------------------------------------------------------------------

func TestShare_NoRecord(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Share(context.Background(), shareReq(newWallet(), 1))
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if len(env.compute.queued()) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestShare_NeverScoredIsExpired(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.submit(t, w, 1)

	_, err := env.svc.Share(context.Background(), shareReq(w, 2))
	if !errors.Is(err, ErrScoreExpired) {
		t.Fatalf("expected ErrScoreExpired, got %v", err)
	}
	if len(env.compute.queued()) != 1 {
		t.Error("share must not dispatch when the score is not fresh")
	}
}

func TestShare_FreshnessBoundary(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.scored(t, w, 1, 700)

	env.clock.Advance(7*24*time.Hour - time.Second)
	if _, err := env.svc.Share(context.Background(), shareReq(w, 2)); err != nil {
		t.Fatalf("share one second before expiry: %v", err)
	}

	env.clock.Advance(time.Second)
	if _, err := env.svc.Share(context.Background(), shareReq(w, 3)); !errors.Is(err, ErrScoreExpired) {
		t.Fatalf("expected ErrScoreExpired at the window edge, got %v", err)
	}
}

func TestShare_ForwardsStoredCiphertexts(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.scored(t, w, 1, 700)
	stored, _ := env.store.Get(context.Background(), w)

	req := shareReq(w, 2)
	comp, err := env.svc.Share(context.Background(), req)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if comp.Circuit != mpc.CircuitShareScore || comp.Receiver == nil || *comp.Receiver != req.ReceiverKey {
		t.Errorf("unexpected computation: %+v", comp)
	}

	reqs := env.compute.queued()
	got := reqs[len(reqs)-1]
	if err := got.Validate(); err != nil {
		t.Fatalf("share layout: %v", err)
	}
	if got.Args[0].PublicKey() != req.ReceiverKey || got.Args[1].Nonce() != req.ReceiverNonce ||
		got.Args[2].PublicKey() != req.SenderKey || got.Args[3].Nonce() != req.SenderNonce {
		t.Error("receiver and sender key/nonce pairs out of order")
	}
	for i, want := range stored.EncryptedMetrics.Fields() {
		if got.Args[4+i].Ciphertext() != want {
			t.Errorf("argument %d is not stored field %d", 4+i, i)
		}
	}
	if env.events.last().Type != events.DisclosureStarted {
		t.Errorf("expected disclosure.started, got %s", env.events.last().Type)
	}
}

func TestShare_OutcomeDoesNotTouchStore(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.scored(t, w, 1, 700)
	before, _ := env.store.Get(context.Background(), w)

	if _, err := env.svc.Share(context.Background(), shareReq(w, 2)); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(time.Minute)

	report := &sealed.EncryptedReport{Nonce: sealed.NonceFromUint64(501)}
	report.Score[0] = 0xAA
	err := env.svc.HandleOutcome(context.Background(), mpc.Outcome{
		Offset: 2, Circuit: mpc.CircuitShareScore, Success: true, Report: report,
	})
	if err != nil {
		t.Fatalf("HandleOutcome: %v", err)
	}

	after, _ := env.store.Get(context.Background(), w)
	if *after != *before {
		t.Errorf("disclosure modified the record:\nbefore %+v\nafter  %+v", before, after)
	}

	e := env.events.last()
	if e.Type != events.DisclosureCompleted {
		t.Fatalf("expected disclosure.completed, got %s", e.Type)
	}
	if e.Data["nonce"] != "501" || e.Data["encryptedScore"] != report.Score.String() {
		t.Errorf("unexpected disclosure payload: %+v", e.Data)
	}

	comp, _ := env.svc.Computation(2)
	if comp.Report == nil || comp.Report.Score != report.Score {
		t.Error("report should be available on the computation")
	}
}

func TestShare_Failure(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.scored(t, w, 1, 700)
	if _, err := env.svc.Share(context.Background(), shareReq(w, 2)); err != nil {
		t.Fatal(err)
	}

	err := env.svc.HandleOutcome(context.Background(), mpc.Outcome{
		Offset: 2, Circuit: mpc.CircuitShareScore, Success: false, Err: "node timeout",
	})
	if !errors.Is(err, ErrSharingFailed) {
		t.Fatalf("expected ErrSharingFailed, got %v", err)
	}
	if env.events.last().Type != events.DisclosureFailed {
		t.Errorf("expected disclosure.failed, got %s", env.events.last().Type)
	}
}

func TestShare_QueueFailure(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()
	env.scored(t, w, 1, 700)
	env.compute.setErr(mpc.ErrUnavailable)

	_, err := env.svc.Share(context.Background(), shareReq(w, 2))
	if !errors.Is(err, ErrComputeUnavailable) {
		t.Fatalf("expected ErrComputeUnavailable, got %v", err)
	}
	if _, ok := env.svc.Pending().Get(2); ok {
		t.Error("pending entry left behind")
	}
}

// ---------------------------------------------------------------------------
// SubmitPlain / SubmitWallet / Status
// ---------------------------------------------------------------------------

func TestSubmitPlain_EncryptsToClusterKey(t *testing.T) {
	env := newTestEnv(t)
	// Give the fake a real key so the test can decrypt what was stored.
	clusterKeys, _ := sealed.GenerateKeypair()
	env.compute.key = clusterKeys.Public
	w := newWallet()
	m := scoring.WalletMetrics{WalletAgeDays: 12, TransactionCount: 34, TotalVolumeUSD: 56, SOLBalance: 78}

	sub, err := env.svc.SubmitPlain(context.Background(), w, 0, m)
	if err != nil {
		t.Fatalf("SubmitPlain: %v", err)
	}

	rec, _ := env.store.Get(context.Background(), w)
	c, err := sealed.NewCipher(clusterKeys.Private, sub.SenderKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.DecryptMetrics(sub.Nonce, rec.EncryptedMetrics)
	if err != nil {
		t.Fatalf("DecryptMetrics: %v", err)
	}
	if got != m {
		t.Errorf("decrypted %+v, want %+v", got, m)
	}
}

type stubWallets struct {
	m     scoring.WalletMetrics
	err   error
	calls int
}

func (s *stubWallets) FetchMetrics(context.Context, solana.PublicKey) (scoring.WalletMetrics, error) {
	s.calls++
	return s.m, s.err
}

func TestSubmitWallet(t *testing.T) {
	env := newTestEnv(t)
	w := newWallet()

	if _, err := env.svc.SubmitWallet(context.Background(), w, 0); !errors.Is(err, ErrWalletDataDisabled) {
		t.Fatalf("expected ErrWalletDataDisabled, got %v", err)
	}

	stub := &stubWallets{m: scoring.WalletMetrics{TransactionCount: 10}}
	env.svc.wallets = stub
	if _, err := env.svc.SubmitWallet(context.Background(), w, 0); err != nil {
		t.Fatalf("SubmitWallet: %v", err)
	}

	// A wallet in cooldown is rejected before any RPC is spent.
	if _, err := env.svc.SubmitWallet(context.Background(), w, 0); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	if stub.calls != 1 {
		t.Errorf("FetchMetrics called %d times, want 1", stub.calls)
	}

	stub.err = errors.New("rpc down")
	if _, err := env.svc.SubmitWallet(context.Background(), newWallet(), 0); err == nil {
		t.Error("expected fetch error")
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	w := newWallet()

	st, err := env.svc.Status(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if st.Exists || !st.CanSubmit || st.ScoreFresh {
		t.Errorf("unexpected status for unknown wallet: %+v", st)
	}

	env.scored(t, w, 1, 710)
	t0 := env.clock.Now().Unix()
	st, _ = env.svc.Status(ctx, w)
	if !st.Exists || !st.HasMetrics || st.CanSubmit || !st.ScoreFresh {
		t.Errorf("unexpected status after scoring: %+v", st)
	}
	if st.NextSubmissionAt != t0+day || st.FreshUntil != t0+week {
		t.Errorf("NextSubmissionAt=%d FreshUntil=%d", st.NextSubmissionAt, st.FreshUntil)
	}

	env.clock.Advance(8 * 24 * time.Hour)
	st, _ = env.svc.Status(ctx, w)
	if !st.CanSubmit || st.ScoreFresh {
		t.Errorf("expected cooldown over and score stale: %+v", st)
	}
}

// ---------------------------------------------------------------------------
// Timer
// ---------------------------------------------------------------------------

func TestTimer_SweepPrunesResolved(t *testing.T) {
	env := newTestEnv(t)
	env.scored(t, newWallet(), 1, 600)
	env.submit(t, newWallet(), 2)

	timer := NewTimer(env.svc, 10*time.Minute, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	env.clock.Advance(2 * time.Hour)
	timer.sweep()

	if _, ok := env.svc.Pending().Get(1); ok {
		t.Error("resolved computation should be pruned after retention")
	}
	if _, ok := env.svc.Pending().Get(2); !ok {
		t.Error("pending computation must survive the sweep")
	}
}
