// Package worker supervises the set of per-owner sync.Engine goroutines a
// running application keeps alive, one per locally-known owner. Grounded
// on the teacher's p2pService Start/Stop lifecycle (internal/sync/p2p.go)
// — register-then-Start, cancel-then-Wait-on-Stop — but replacing its
// manual sync.WaitGroup/context.CancelFunc bookkeeping with
// golang.org/x/sync/errgroup, so the first owner's engine to return an
// error cancels every sibling instead of leaking goroutines.
package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/evolu-go/evolu/internal/logging"
	"github.com/evolu-go/evolu/internal/syncengine"
)

// Engine is the subset of syncengine.Engine the supervisor drives.
type Engine interface {
	Run(ctx context.Context) error
}

// Supervisor owns one Engine per owner and runs them all concurrently
// under a single errgroup, so a fatal failure on one owner's engine
// (e.g. MaxRetries exhausted) tears down the whole group rather than
// silently leaving the others running against a half-stopped process.
type Supervisor struct {
	logger logging.Logger

	mu      sync.Mutex
	engines map[[16]byte]Engine

	running bool
	cancel  context.CancelFunc
	done    chan error
}

// New constructs an empty Supervisor.
func New(logger logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Nop
	}
	return &Supervisor{logger: logger, engines: make(map[[16]byte]Engine)}
}

// Register adds ownerID's engine to the set Start will drive. Calling
// Register after Start has no effect on an already-running supervisor;
// stop and start again to pick up new owners.
func (s *Supervisor) Register(ownerID [16]byte, engine Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[ownerID] = engine
}

// Unregister removes ownerID, e.g. after a relay's deleteOwner equivalent
// on the client side (dropping a local owner entirely).
func (s *Supervisor) Unregister(ownerID [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, ownerID)
}

// Start launches every registered engine's Run loop under one errgroup,
// returning once all of them have exited (normally via Stop, or early if
// any engine returns a non-nil error). Only one Start may run at a time.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("worker: supervisor already running")
	}
	s.running = true
	engines := make(map[[16]byte]Engine, len(s.engines))
	for id, e := range s.engines {
		engines[id] = e
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	for ownerID, engine := range engines {
		ownerID, engine := ownerID, engine
		g.Go(func() error {
			if err := engine.Run(gctx); err != nil {
				return fmt.Errorf("worker: owner %x: %w", ownerID, err)
			}
			return nil
		})
	}

	err := g.Wait()
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	if err != nil {
		s.logger.Errorf("worker: supervisor stopped with error: %v", err)
	}
	return err
}

// Stop cancels every running engine. It returns without waiting; Start
// returns once the engines have exited.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// KickAll requests an out-of-band reconciliation round on every engine
// that supports it, e.g. right after a batch of local mutations.
func (s *Supervisor) KickAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.engines {
		if k, ok := e.(interface{ Kick() }); ok {
			k.Kick()
		}
	}
}

var _ Engine = (*syncengine.Engine)(nil)
