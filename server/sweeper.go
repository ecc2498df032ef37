package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sweep kinds, as recorded in metrics
const (
	SweepCodes       = "authorization_codes"
	SweepRevocations = "revocations"
	SweepTokens      = "token_records"
	SweepMFA         = "mfa_state"
)

type sweepFunc struct {
	kind  string
	sweep func(context.Context) (int, error)
}

// Sweeper periodically purges expired codes, blacklist entries, token records
// and MFA state. Skipping sweeps never changes a validation result; it only
// lets storage grow.
type Sweeper struct {
	srv      *Server
	interval time.Duration
	sweeps   []sweepFunc

	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSweeper creates a Sweeper running every Config.SweepInterval
func (s *Server) NewSweeper() *Sweeper {
	return &Sweeper{
		srv:      s,
		interval: s.Config.SweepInterval,
		sweeps: []sweepFunc{
			{SweepCodes, s.Codes.SweepExpired},
			{SweepRevocations, s.Revocations.SweepExpired},
			{SweepTokens, s.sweepTokens},
			{SweepMFA, s.MFA.SweepExpired},
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Server) sweepTokens(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, s.Config.StorageTimeout)
	defer cancel()
	return s.store.DeleteExpiredTokens(ctx, s.clock.Now(), s.Config.RevokedRetention)
}

// Start runs the sweep loop in the background until Stop is called.
// Later calls are no-ops.
func (w *Sweeper) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.loop()
	})
}

func (w *Sweeper) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.SweepOnce(context.Background())
		}
	}
}

// Stop ends the loop and waits for a running sweep to finish. Safe to call
// more than once, and before Start.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// SweepOnce runs every sweep and returns the number of removed entries per kind.
// A failing sweep is logged and does not stop the others.
func (w *Sweeper) SweepOnce(ctx context.Context) map[string]int {
	removed := make(map[string]int, len(w.sweeps))
	for _, sw := range w.sweeps {
		n, err := sw.sweep(ctx)
		if err != nil {
			w.srv.Logger.Warn("Sweep failed", "kind", sw.kind, "error", err)
			continue
		}
		removed[sw.kind] = n
		w.srv.metrics.RecordSweep(ctx, sw.kind, n)
		if n > 0 {
			w.srv.Logger.Debug("Swept expired entries", "kind", sw.kind, "removed", n)
		}
	}
	return removed
}
