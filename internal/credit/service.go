package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/cipherscore/internal/events"
	"github.com/mbd888/cipherscore/internal/idgen"
	"github.com/mbd888/cipherscore/internal/metrics"
	"github.com/mbd888/cipherscore/internal/mpc"
	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
	"github.com/mbd888/cipherscore/internal/syncutil"
	"github.com/mbd888/cipherscore/internal/traces"
)

const (
	DefaultCooldown  = 24 * time.Hour
	DefaultFreshness = 7 * 24 * time.Hour
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store   Store
	Compute mpc.Service

	// Optional.
	Pending   *PendingRegistry
	Events    events.Emitter
	Wallets   WalletMetricsSource
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Cooldown  time.Duration
	Freshness time.Duration
}

// Validate fills defaults and rejects unusable settings.
func (cfg *ServiceConfig) Validate() error {
	if cfg.Store == nil {
		return errors.New("credit: store is required")
	}
	if cfg.Compute == nil {
		return errors.New("credit: compute service is required")
	}
	if cfg.Pending == nil {
		cfg.Pending = NewPendingRegistry()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Freshness == 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.Cooldown < time.Second || cfg.Freshness < time.Second {
		return errors.New("credit: cooldown and freshness must be at least one second")
	}
	return nil
}

// Service orchestrates submissions and disclosures and reconciles their
// callbacks.
type Service struct {
	store     Store
	compute   mpc.Service
	pending   *PendingRegistry
	events    events.Emitter
	wallets   WalletMetricsSource
	logger    *slog.Logger
	clock     clockwork.Clock
	cooldown  int64
	freshness int64

	// locks serializes dispatch and reconciliation per wallet.
	locks *syncutil.KeyedMutex[solana.PublicKey]
}

// NewService creates a new credit service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:     cfg.Store,
		compute:   cfg.Compute,
		pending:   cfg.Pending,
		events:    cfg.Events,
		wallets:   cfg.Wallets,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		cooldown:  int64(cfg.Cooldown / time.Second),
		freshness: int64(cfg.Freshness / time.Second),
		locks:     syncutil.NewKeyedMutex[solana.PublicKey](),
	}, nil
}

// ClusterKey is the key clients encrypt metrics to.
func (s *Service) ClusterKey() sealed.PublicKey { return s.compute.PublicKey() }

// Pending exposes the computation registry.
func (s *Service) Pending() *PendingRegistry { return s.pending }

// SubmitRequest carries client-encrypted metrics. A zero Offset is replaced
// with a random one.
type SubmitRequest struct {
	Wallet    solana.PublicKey
	Offset    uint64
	SenderKey sealed.PublicKey
	Nonce     sealed.Nonce
	Metrics   sealed.EncryptedWalletMetrics
}

// Submit dispatches a score computation for the wallet and stores the
// ciphertexts. Nothing is stored when the compute service rejects the
// request.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Computation, error) {
	ctx, span := traces.StartSpan(ctx, "credit.Submit", traces.Wallet(req.Wallet.String()))
	defer span.End()

	comp, err := s.submit(ctx, req)
	if err != nil {
		traces.Fail(span, err)
		metrics.SubmissionsTotal.WithLabelValues(submitResult(err)).Inc()
		return nil, err
	}
	span.SetAttributes(traces.Offset(comp.Offset))
	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	return comp, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (*Computation, error) {
	if req.Wallet.IsZero() {
		return nil, ErrInvalidWallet
	}
	if req.SenderKey.IsZero() {
		return nil, fmt.Errorf("%w: sender key is zero", ErrInvalidKey)
	}
	if req.Offset == 0 {
		req.Offset = idgen.Offset()
	}

	unlock, err := s.locks.Lock(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	existing, err := s.store.Get(ctx, req.Wallet)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("load credit record: %w", err)
	}
	if err := CheckCooldown(existing, now.Unix(), s.cooldown); err != nil {
		return nil, err
	}

	comp := &Computation{
		Offset:    req.Offset,
		Circuit:   mpc.CircuitCalculateScore,
		Wallet:    req.Wallet,
		CreatedAt: now,
	}
	if err := s.pending.Register(comp); err != nil {
		return nil, err
	}

	err = s.compute.Queue(ctx, mpc.Request{
		Offset:  req.Offset,
		Circuit: mpc.CircuitCalculateScore,
		Args:    mpc.ScoreArgs(req.SenderKey, req.Nonce, req.Metrics),
	})
	if err != nil {
		s.pending.Discard(req.Offset)
		return nil, queueError(err)
	}

	if _, err := s.store.ApplySubmission(ctx, req.Wallet, req.Metrics, now.Unix(), s.cooldown); err != nil {
		// The computation is already running; make sure its callback is
		// not reconciled against ciphertexts that were never stored.
		_, _ = s.pending.Resolve(req.Offset, Resolution{Status: ComputationFailed, Error: err.Error()}, now)
		s.updatePendingGauge()
		var cd *CooldownError
		if errors.As(err, &cd) {
			return nil, err
		}
		return nil, fmt.Errorf("store submission: %w", err)
	}
	s.updatePendingGauge()

	s.logger.Info("score computation queued",
		"wallet", req.Wallet.String(), "offset", req.Offset)
	s.events.Emit(ctx, events.New(events.SubmissionStarted, req.Wallet.String(), req.Offset, now, map[string]any{
		"time": now.Unix(),
	}))

	got, _ := s.pending.Get(req.Offset)
	return got, nil
}

// PlainSubmission is returned by SubmitPlain. SenderKey and Nonce are what
// a later disclosure must present.
type PlainSubmission struct {
	Computation *Computation     `json:"computation"`
	SenderKey   sealed.PublicKey `json:"senderKey"`
	Nonce       sealed.Nonce     `json:"nonce"`
}

// SubmitPlain encrypts plaintext metrics under a fresh ephemeral key and
// submits them.
func (s *Service) SubmitPlain(ctx context.Context, wallet solana.PublicKey, offset uint64, m scoring.WalletMetrics) (*PlainSubmission, error) {
	kp, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	nonce, err := sealed.RandomNonce()
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	c, err := sealed.NewCipher(kp.Private, s.compute.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("cluster key: %w", err)
	}
	enc, err := c.EncryptMetrics(nonce, m)
	if err != nil {
		return nil, fmt.Errorf("encrypt metrics: %w", err)
	}

	comp, err := s.Submit(ctx, SubmitRequest{
		Wallet:    wallet,
		Offset:    offset,
		SenderKey: kp.Public,
		Nonce:     nonce,
		Metrics:   enc,
	})
	if err != nil {
		return nil, err
	}
	return &PlainSubmission{Computation: comp, SenderKey: kp.Public, Nonce: nonce}, nil
}

// SubmitWallet derives metrics from chain data and submits them.
func (s *Service) SubmitWallet(ctx context.Context, wallet solana.PublicKey, offset uint64) (*PlainSubmission, error) {
	if s.wallets == nil {
		return nil, ErrWalletDataDisabled
	}

	// Fail fast before spending RPC calls; Submit re-checks under the lock.
	existing, err := s.store.Get(ctx, wallet)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("load credit record: %w", err)
	}
	if err := CheckCooldown(existing, s.clock.Now().Unix(), s.cooldown); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("cooldown").Inc()
		return nil, err
	}

	m, err := s.wallets.FetchMetrics(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("fetch wallet metrics: %w", err)
	}
	return s.SubmitPlain(ctx, wallet, offset, m)
}

// ShareRequest asks for the wallet's score to be sealed for a receiver.
type ShareRequest struct {
	Wallet        solana.PublicKey
	Offset        uint64
	ReceiverKey   sealed.PublicKey
	ReceiverNonce sealed.Nonce
	SenderKey     sealed.PublicKey
	SenderNonce   sealed.Nonce
}

// Share dispatches a disclosure of a fresh score. The record is not
// modified.
func (s *Service) Share(ctx context.Context, req ShareRequest) (*Computation, error) {
	ctx, span := traces.StartSpan(ctx, "credit.Share",
		traces.Wallet(req.Wallet.String()), traces.Receiver(req.ReceiverKey.String()))
	defer span.End()

	comp, err := s.share(ctx, req)
	if err != nil {
		traces.Fail(span, err)
		metrics.DisclosuresTotal.WithLabelValues(shareResult(err)).Inc()
		return nil, err
	}
	span.SetAttributes(traces.Offset(comp.Offset))
	metrics.DisclosuresTotal.WithLabelValues("accepted").Inc()
	return comp, nil
}

func (s *Service) share(ctx context.Context, req ShareRequest) (*Computation, error) {
	if req.Wallet.IsZero() {
		return nil, ErrInvalidWallet
	}
	if req.ReceiverKey.IsZero() || req.SenderKey.IsZero() {
		return nil, fmt.Errorf("%w: receiver and sender keys are required", ErrInvalidKey)
	}
	if req.Offset == 0 {
		req.Offset = idgen.Offset()
	}

	unlock, err := s.locks.Lock(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	rec, err := s.store.Get(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}
	if err := CheckFreshness(rec, now.Unix(), s.freshness); err != nil {
		return nil, err
	}

	receiver := req.ReceiverKey
	comp := &Computation{
		Offset:    req.Offset,
		Circuit:   mpc.CircuitShareScore,
		Wallet:    req.Wallet,
		Receiver:  &receiver,
		CreatedAt: now,
	}
	if err := s.pending.Register(comp); err != nil {
		return nil, err
	}

	err = s.compute.Queue(ctx, mpc.Request{
		Offset:  req.Offset,
		Circuit: mpc.CircuitShareScore,
		Args: mpc.ShareArgs(req.ReceiverKey, req.ReceiverNonce,
			req.SenderKey, req.SenderNonce, rec.EncryptedMetrics),
	})
	if err != nil {
		s.pending.Discard(req.Offset)
		return nil, queueError(err)
	}
	s.updatePendingGauge()

	s.logger.Info("score disclosure queued",
		"wallet", req.Wallet.String(), "offset", req.Offset, "receiver", req.ReceiverKey.String())
	s.events.Emit(ctx, events.New(events.DisclosureStarted, req.Wallet.String(), req.Offset, now, map[string]any{
		"recipient": req.ReceiverKey.String(),
		"time":      now.Unix(),
	}))

	got, _ := s.pending.Get(req.Offset)
	return got, nil
}

// OutcomeCallback adapts HandleOutcome for mpc.LocalCluster.OnOutcome.
func (s *Service) OutcomeCallback() mpc.Callback {
	return func(ctx context.Context, o mpc.Outcome) {
		_ = s.HandleOutcome(ctx, o)
	}
}

// HandleOutcome reconciles a compute callback. Callbacks that do not match
// a pending computation are counted as protocol violations and ignored.
// Failed computations are never retried.
func (s *Service) HandleOutcome(ctx context.Context, o mpc.Outcome) error {
	ctx, span := traces.StartSpan(ctx, "credit.HandleOutcome",
		traces.Offset(o.Offset), traces.Circuit(string(o.Circuit)), traces.Outcome(o.Success))
	defer span.End()

	comp, ok := s.pending.Get(o.Offset)
	if !ok {
		return s.violation(ctx, "unknown_offset", o)
	}
	if comp.Circuit != o.Circuit {
		return s.violation(ctx, "circuit_mismatch", o)
	}
	span.SetAttributes(traces.Wallet(comp.Wallet.String()))

	unlock, err := s.locks.Lock(ctx, comp.Wallet)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the lock; Submit may have resolved it.
	comp, ok = s.pending.Get(o.Offset)
	if !ok || comp.Status != ComputationPending {
		return s.violation(ctx, "already_resolved", o)
	}

	metrics.CallbacksTotal.WithLabelValues(string(o.Circuit), outcomeLabel(o.Success)).Inc()

	if o.Circuit == mpc.CircuitShareScore {
		err = s.reconcileShare(ctx, comp, o)
	} else {
		err = s.reconcileScore(ctx, comp, o)
	}
	s.updatePendingGauge()
	if err != nil {
		traces.Fail(span, err)
	}
	return err
}

func (s *Service) reconcileScore(ctx context.Context, comp *Computation, o mpc.Outcome) error {
	now := s.clock.Now()
	wallet := comp.Wallet.String()

	if o.Success && o.Score > scoring.MaxScore {
		o.Success = false
		o.Err = fmt.Sprintf("score %d out of range", o.Score)
	}
	if !o.Success {
		_, _ = s.pending.Resolve(o.Offset, Resolution{Status: ComputationFailed, Error: o.Err}, now)
		s.logger.Warn("score computation failed", "wallet", wallet, "offset", o.Offset, "reason", o.Err)
		s.events.Emit(ctx, events.New(events.ScoreFailed, wallet, o.Offset, now, map[string]any{
			"error": o.Err,
		}))
		return ErrCalculationFailed
	}

	rec, err := s.store.ApplyScore(ctx, comp.Wallet, o.Score, now.Unix())
	if err != nil {
		_, _ = s.pending.Resolve(o.Offset, Resolution{Status: ComputationFailed, Error: err.Error()}, now)
		s.logger.Error("failed to store computed score", "wallet", wallet, "offset", o.Offset, "error", err)
		return fmt.Errorf("store score: %w", err)
	}

	score := rec.CurrentScore
	_, _ = s.pending.Resolve(o.Offset, Resolution{Status: ComputationSucceeded, Score: &score}, now)
	metrics.ScoreDistribution.Observe(float64(score))

	s.logger.Info("score computed",
		"wallet", wallet, "offset", o.Offset, "score", score, "risk", rec.RiskLevel.String())
	s.events.Emit(ctx, events.New(events.ScoreComputed, wallet, o.Offset, now, map[string]any{
		"score":     score,
		"riskLevel": rec.RiskLevel.String(),
	}))
	return nil
}

func (s *Service) reconcileShare(ctx context.Context, comp *Computation, o mpc.Outcome) error {
	now := s.clock.Now()
	wallet := comp.Wallet.String()

	if !o.Success || o.Report == nil {
		reason := o.Err
		if o.Success {
			reason = "missing report"
		}
		_, _ = s.pending.Resolve(o.Offset, Resolution{Status: ComputationFailed, Error: reason}, now)
		s.logger.Warn("score disclosure failed", "wallet", wallet, "offset", o.Offset, "reason", reason)
		s.events.Emit(ctx, events.New(events.DisclosureFailed, wallet, o.Offset, now, map[string]any{
			"error": reason,
		}))
		return ErrSharingFailed
	}

	report := *o.Report
	_, _ = s.pending.Resolve(o.Offset, Resolution{Status: ComputationSucceeded, Report: &report}, now)

	s.logger.Info("score disclosed", "wallet", wallet, "offset", o.Offset)
	data := map[string]any{
		"nonce":              report.Nonce.String(),
		"encryptedScore":     report.Score.String(),
		"encryptedRiskLevel": report.RiskLevel.String(),
		"encryptedTimestamp": report.Timestamp.String(),
	}
	if comp.Receiver != nil {
		data["recipient"] = comp.Receiver.String()
	}
	s.events.Emit(ctx, events.New(events.DisclosureCompleted, wallet, o.Offset, now, data))
	return nil
}

func (s *Service) violation(ctx context.Context, reason string, o mpc.Outcome) error {
	metrics.ProtocolViolationsTotal.WithLabelValues(reason).Inc()
	s.logger.WarnContext(ctx, "ignoring callback",
		"reason", reason, "offset", o.Offset, "circuit", string(o.Circuit), "success", o.Success)
	return fmt.Errorf("%w: %s", ErrUnexpectedCallback, reason)
}

// Computation returns the bookkeeping for offset.
func (s *Service) Computation(offset uint64) (*Computation, error) {
	c, ok := s.pending.Get(offset)
	if !ok {
		return nil, ErrComputationNotFound
	}
	return c, nil
}

// AwaitComputation blocks until offset resolves or ctx is done.
func (s *Service) AwaitComputation(ctx context.Context, offset uint64) (*Computation, error) {
	return s.pending.Await(ctx, offset)
}

// Get returns the wallet's record.
func (s *Service) Get(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error) {
	return s.store.Get(ctx, wallet)
}

// GetOrCreate returns the wallet's record, creating the zero record if needed.
func (s *Service) GetOrCreate(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error) {
	return s.store.GetOrCreate(ctx, wallet)
}

// List returns records, most recently submitted first.
func (s *Service) List(ctx context.Context, limit int) ([]*CreditRecord, error) {
	return s.store.List(ctx, limit)
}

// RecordStatus summarizes what a wallet can do next.
type RecordStatus struct {
	Wallet           string            `json:"wallet"`
	Exists           bool              `json:"exists"`
	HasMetrics       bool              `json:"hasMetrics"`
	CurrentScore     uint16            `json:"currentScore"`
	RiskLevel        scoring.RiskLevel `json:"riskLevel"`
	ScoreTimestamp   int64             `json:"scoreTimestamp"`
	LastUpdated      int64             `json:"lastUpdated"`
	CanSubmit        bool              `json:"canSubmit"`
	NextSubmissionAt int64             `json:"nextSubmissionAt,omitempty"`
	ScoreFresh       bool              `json:"scoreFresh"`
	FreshUntil       int64             `json:"freshUntil,omitempty"`
}

// Status reports the cooldown and freshness state for wallet. A wallet
// with no record can submit and has no fresh score.
func (s *Service) Status(ctx context.Context, wallet solana.PublicKey) (*RecordStatus, error) {
	st := &RecordStatus{Wallet: wallet.String(), RiskLevel: scoring.RiskFor(0), CanSubmit: true}

	rec, err := s.store.Get(ctx, wallet)
	if errors.Is(err, ErrRecordNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().Unix()
	st.Exists = true
	st.HasMetrics = !rec.EncryptedMetrics.IsZero()
	st.CurrentScore = rec.CurrentScore
	st.RiskLevel = rec.RiskLevel
	st.ScoreTimestamp = rec.ScoreTimestamp
	st.LastUpdated = rec.LastUpdated

	var cd *CooldownError
	if err := CheckCooldown(rec, now, s.cooldown); errors.As(err, &cd) {
		st.CanSubmit = false
		st.NextSubmissionAt = cd.NextAllowed
	}
	if rec.Scored() && CheckFreshness(rec, now, s.freshness) == nil {
		st.ScoreFresh = true
		st.FreshUntil = rec.ScoreTimestamp + s.freshness
	}
	return st, nil
}

func (s *Service) updatePendingGauge() {
	metrics.PendingComputations.Set(float64(s.pending.Pending()))
}

func queueError(err error) error {
	switch {
	case errors.Is(err, mpc.ErrClusterNotSet):
		return fmt.Errorf("%w: %v", ErrClusterNotSet, err)
	case errors.Is(err, mpc.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrComputeUnavailable, err)
	default:
		return fmt.Errorf("queue computation: %w", err)
	}
}

func submitResult(err error) string {
	switch {
	case errors.Is(err, ErrCooldownActive):
		return "cooldown"
	case errors.Is(err, ErrClusterNotSet), errors.Is(err, ErrComputeUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func shareResult(err error) string {
	switch {
	case errors.Is(err, ErrScoreExpired):
		return "expired"
	case errors.Is(err, ErrRecordNotFound):
		return "not_found"
	case errors.Is(err, ErrClusterNotSet), errors.Is(err, ErrComputeUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
