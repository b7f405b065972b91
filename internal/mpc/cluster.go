package mpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/cipherscore/internal/metrics"
	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// ClusterConfig configures a LocalCluster.
type ClusterConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Workers   int
	QueueSize int
	// Latency is added before each outcome is delivered.
	Latency time.Duration
	// Keypair is the cluster key. A fresh one is generated when nil.
	Keypair *sealed.Keypair
	Params  scoring.Params
}

func (cfg *ClusterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Latency < 0 {
		return errors.New("latency must not be negative")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Params == (scoring.Params{}) {
		cfg.Params = scoring.DefaultParams()
	}
	return nil
}

// LocalCluster runs circuits in-process. It holds the only copy of the
// cluster private key, so plaintext metrics exist only inside its workers.
type LocalCluster struct {
	log   *slog.Logger
	cfg   ClusterConfig
	keys  sealed.Keypair
	queue chan Request
	done  chan struct{}

	mu       sync.RWMutex
	callback Callback
	running  bool
}

var _ Service = (*LocalCluster)(nil)

// NewLocalCluster creates a cluster. It accepts no work until a callback
// is registered and Start is running.
func NewLocalCluster(cfg ClusterConfig) (*LocalCluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var keys sealed.Keypair
	if cfg.Keypair != nil {
		keys = *cfg.Keypair
	} else {
		kp, err := sealed.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate cluster key: %w", err)
		}
		keys = kp
	}
	return &LocalCluster{
		log:   cfg.Logger,
		cfg:   cfg,
		keys:  keys,
		queue: make(chan Request, cfg.QueueSize),
		done:  make(chan struct{}),
	}, nil
}

// OnOutcome registers the callback that receives every Outcome.
func (c *LocalCluster) OnOutcome(cb Callback) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
}

func (c *LocalCluster) PublicKey() sealed.PublicKey { return c.keys.Public }

func (c *LocalCluster) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running && c.callback != nil
}

// QueueDepth returns the number of requests not yet picked up by a worker.
func (c *LocalCluster) QueueDepth() int { return len(c.queue) }

func (c *LocalCluster) Queue(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.callback == nil || !c.running {
		return ErrClusterNotSet
	}

	select {
	case c.queue <- req:
		metrics.ComputeQueueDepth.Set(float64(len(c.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: queue full (%d)", ErrUnavailable, cap(c.queue))
	}
}

// Done is closed when Start returns, after every request queued before
// shutdown has been delivered to the callback.
func (c *LocalCluster) Done() <-chan struct{} { return c.done }

// Start runs the workers until ctx is done. Call in a goroutine, once.
// Requests already queued when ctx ends still run to completion.
func (c *LocalCluster) Start(ctx context.Context) {
	defer close(c.done)

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.log.Info("compute cluster started",
		"workers", c.cfg.Workers,
		"queue", c.cfg.QueueSize,
		"pubkey", c.keys.Public.String(),
	)

	// Outcomes outlive the request context so the reconciler can persist them.
	deliverCtx := context.WithoutCancel(ctx)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case req := <-c.queue:
			metrics.ComputeQueueDepth.Set(float64(len(c.queue)))
			g.Go(func() error {
				c.run(ctx, deliverCtx, req)
				return nil
			})
		}
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	for drained := false; !drained; {
		select {
		case req := <-c.queue:
			g.Go(func() error {
				c.run(ctx, deliverCtx, req)
				return nil
			})
		default:
			drained = true
		}
	}
	_ = g.Wait()
	metrics.ComputeQueueDepth.Set(0)
	c.log.Info("compute cluster stopped")
}

func (c *LocalCluster) run(ctx, deliverCtx context.Context, req Request) {
	start := c.cfg.Clock.Now()
	out := c.execute(req)

	if c.cfg.Latency > 0 {
		select {
		case <-c.cfg.Clock.After(c.cfg.Latency):
		case <-ctx.Done():
		}
	}
	metrics.ComputeDuration.WithLabelValues(string(req.Circuit)).Observe(c.cfg.Clock.Since(start).Seconds())

	if !out.Success {
		c.log.Warn("computation failed", "offset", req.Offset, "circuit", req.Circuit, "error", out.Err)
	}

	c.mu.RLock()
	cb := c.callback
	c.mu.RUnlock()
	cb(deliverCtx, out)
}

// execute evaluates one request. Every path returns an Outcome.
func (c *LocalCluster) execute(req Request) Outcome {
	out := Outcome{Offset: req.Offset, Circuit: req.Circuit}

	switch req.Circuit {
	case CircuitCalculateScore:
		m, err := c.openMetrics(req.Args[0].PublicKey(), req.Args[1].Nonce(), req.Args[2:])
		if err != nil {
			out.Err = err.Error()
			return out
		}
		score, _ := c.cfg.Params.Score(m)
		out.Success = true
		out.Score = score

	case CircuitShareScore:
		receiver := req.Args[0].PublicKey()
		receiverNonce := req.Args[1].Nonce()
		m, err := c.openMetrics(req.Args[2].PublicKey(), req.Args[3].Nonce(), req.Args[4:])
		if err != nil {
			out.Err = err.Error()
			return out
		}
		score, risk := c.cfg.Params.Score(m)

		sealer, err := sealed.NewCipher(c.keys.Private, receiver)
		if err != nil {
			out.Err = fmt.Sprintf("receiver key: %v", err)
			return out
		}
		report, err := sealer.EncryptReport(receiverNonce.Next(), scoring.CreditReport{
			Score:     score,
			RiskLevel: risk,
			Timestamp: c.cfg.Clock.Now().Unix(),
		})
		if err != nil {
			out.Err = fmt.Sprintf("seal report: %v", err)
			return out
		}
		out.Success = true
		out.Report = &report

	default:
		out.Err = fmt.Sprintf("unknown circuit %q", req.Circuit)
	}
	return out
}

func (c *LocalCluster) openMetrics(sender sealed.PublicKey, nonce sealed.Nonce, args []Argument) (scoring.WalletMetrics, error) {
	var f [sealed.MetricsFieldCount]sealed.Ciphertext
	for i := range f {
		f[i] = args[i].Ciphertext()
	}
	opener, err := sealed.NewCipher(c.keys.Private, sender)
	if err != nil {
		return scoring.WalletMetrics{}, fmt.Errorf("sender key: %w", err)
	}
	m, err := opener.DecryptMetrics(nonce, sealed.MetricsFromFields(f))
	if err != nil {
		return scoring.WalletMetrics{}, fmt.Errorf("decrypt metrics: %w", err)
	}
	return m, nil
}
