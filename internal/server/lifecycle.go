package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cipherscore/internal/credit"
)

const (
	shutdownTimeout  = 30 * time.Second
	clusterDrainWait = 20 * time.Second
	emitDrainWait    = 10 * time.Second
)

// Start launches the background workers: compute cluster, realtime hub,
// webhook emitter and the pending-computation sweeper. It returns
// immediately; Shutdown stops them.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Event sinks stop only after the cluster has delivered its last
	// outcome, so results reconciled during shutdown still fan out.
	sinkCtx, cancelSinks := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelSinks = cancelSinks
	go func() {
		<-s.cluster.Done()
		cancelSinks()
	}()

	go s.cluster.Start(runCtx)
	go s.realtimeHub.Run(sinkCtx)
	go s.webhookEmitter.Run(sinkCtx)
	go s.creditTimer.Start(runCtx)
	s.ready.Store(true)
}

// Run serves HTTP until ctx is cancelled, SIGINT/SIGTERM arrives, or the
// listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// ?wait= holds a request open up to credit.MaxWait
		WriteTimeout: credit.MaxWait + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"clusterKey", s.creditService.ClusterKey().String(),
		)
		serveErr <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			s.stopBackground()
			s.closeStorage()
			return fmt.Errorf("server error: %w", err)
		}
	case <-sigCtx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	}
	return s.Shutdown()
}

// Shutdown stops accepting requests, lets in-flight ones finish, then stops
// background work in dependency order: the compute cluster drains and
// reconciles its queue, then the event sinks flush, then webhook
// deliveries finish, and only then are the instance lock and database
// released.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Load balancers see /health/ready fail before the listener goes away.
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.stopBackground()
	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) stopBackground() {
	started := s.cancelRunCtx != nil
	if started {
		s.cancelRunCtx()
		select {
		case <-s.cluster.Done():
		case <-time.After(clusterDrainWait):
			s.logger.Warn("compute cluster did not drain in time",
				"pending", s.creditService.Pending().Pending())
		}
		s.cancelSinks()
	}
	if s.creditTimer != nil {
		s.creditTimer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if started {
		select {
		case <-s.webhookEmitter.Drained():
		case <-time.After(emitDrainWait):
			s.logger.Warn("webhook emitter did not drain in time")
		}
	}
	s.webhooks.Wait()
	s.logger.Info("background workers stopped")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// closeStorage releases the instance lock and closes the database.
func (s *Server) closeStorage() {
	if s.instanceLock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.instanceLock.Release(ctx); err != nil {
			s.logger.Warn("instance lock release failed", "error", err)
		}
		cancel()
		s.instanceLock = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}
