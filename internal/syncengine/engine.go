// Engine drives one owner's sync session against one relay over time:
// Idle -> Connecting -> Reconciling -> Idle, or -> Backoff on failure
// (spec §4.6). Grounded on the teacher's p2pService
// (internal/sync/p2p.go): a Config struct with sane defaults, an atomic
// SyncMetrics snapshot, and a periodic-plus-triggered sync loop — adapted
// from libp2p peer discovery events to a single dial target and replacing
// the teacher's ad hoc time.Sleep retries with cenkalti/backoff/v4.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/evolu-go/evolu/internal/logging"
	"github.com/evolu-go/evolu/internal/protocol"
	"github.com/evolu-go/evolu/internal/transport"
)

// State is a position in the per-owner session state machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateReconciling
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReconciling:
		return "reconciling"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Config configures one Engine.
type Config struct {
	// RelayURL is the address Dialer.Dial is called with.
	RelayURL string
	// OwnerID and WriteKey identify and authenticate this owner to the
	// relay in the Initiate frame every session opens with (spec §4.6/
	// §4.7 admission check).
	OwnerID  [16]byte
	WriteKey [16]byte
	// SyncInterval is how often to trigger a reconciliation round even
	// without a local mutation kicking one off early.
	SyncInterval time.Duration
	// InitialBackoff/MaxBackoff/BackoffMultiplier configure the retry
	// schedule after a transport failure (spec §4.6: 100ms initial,
	// factor 2, 10s cap, ±10% jitter).
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// MaxRetries bounds how many consecutive failures Engine tolerates
	// before Run returns an error instead of continuing to back off.
	// 0 means retry forever.
	MaxRetries uint64

	Options Options // reconciliation tuning, see Options in reconcile.go
	Logger  logging.Logger
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig(relayURL string) Config {
	return Config{
		RelayURL:          relayURL,
		SyncInterval:      5 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2,
		Options:           DefaultOptions(),
		Logger:            logging.Nop,
	}
}

// Metrics reports cumulative counters for one Engine.
type Metrics struct {
	Attempts  int64
	Successes int64
	Failures  int64
}

// Engine owns the reconciliation lifecycle for a single (owner, relay)
// pair. At most one reconciliation session runs at a time (spec §4.6
// concurrency); Kick and the periodic ticker both funnel into the same
// serialized loop via triggerCh.
type Engine struct {
	dialer transport.Dialer
	peer   Peer
	cfg    Config

	state     int32
	triggerCh chan struct{}

	attempts  int64
	successes int64
	failures  int64

	mu      sync.Mutex // serializes local mutations against a running session
	pending []func()   // buffered local work flushed after the current round (spec §4.6)
}

// NewEngine constructs an Engine for one owner's Peer, dialing dialer
// using cfg.RelayURL whenever a reconciliation round starts.
func NewEngine(dialer transport.Dialer, peer Peer, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop
	}
	return &Engine{
		dialer:    dialer,
		peer:      peer,
		cfg:       cfg,
		triggerCh: make(chan struct{}, 1),
	}
}

// State reports the engine's current position in the state machine.
func (e *Engine) State() State {
	return State(atomic.LoadInt32(&e.state))
}

func (e *Engine) setState(s State) {
	atomic.StoreInt32(&e.state, int32(s))
}

// Metrics returns a snapshot of cumulative attempt/success/failure counts.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		Attempts:  atomic.LoadInt64(&e.attempts),
		Successes: atomic.LoadInt64(&e.successes),
		Failures:  atomic.LoadInt64(&e.failures),
	}
}

// Kick requests an out-of-band reconciliation round as soon as the
// current one (if any) finishes, e.g. right after a local mutation (spec
// §4.6: "Idle -> Connecting on any local mutation enqueued").
func (e *Engine) Kick() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// Run drives the engine until ctx is canceled, triggering a reconciliation
// round on every tick of cfg.SyncInterval or Kick call, retrying failures
// with exponential backoff. Run returns nil when ctx is canceled and a
// non-nil error only if cfg.MaxRetries is exhausted.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.setState(StateIdle)
			return nil
		case <-ticker.C:
		case <-e.triggerCh:
		}

		if err := e.runWithBackoff(ctx); err != nil {
			if ctx.Err() != nil {
				e.setState(StateIdle)
				return nil
			}
			return err
		}
	}
}

func (e *Engine) runWithBackoff(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialBackoff
	policy.MaxInterval = e.cfg.MaxBackoff
	policy.Multiplier = e.cfg.BackoffMultiplier
	// ±10% jitter around each interval.
	policy.RandomizationFactor = 0.1
	policy.MaxElapsedTime = 0 // bounded by MaxRetries, not wall-clock

	var retryable backoff.BackOff = policy
	if e.cfg.MaxRetries > 0 {
		retryable = backoff.WithMaxRetries(policy, e.cfg.MaxRetries)
	}
	retryable = backoff.WithContext(retryable, ctx)

	return backoff.Retry(func() error {
		err := e.runOnce(ctx)
		if err != nil {
			e.cfg.Logger.Warnf("sync round failed, backing off: %v", err)
		}
		return err
	}, retryable)
}

func (e *Engine) runOnce(ctx context.Context) error {
	e.setState(StateConnecting)
	atomic.AddInt64(&e.attempts, 1)

	conn, err := e.dialer.Dial(ctx, e.cfg.RelayURL)
	if err != nil {
		e.setState(StateBackoff)
		atomic.AddInt64(&e.failures, 1)
		return fmt.Errorf("syncengine: dial: %w", err)
	}
	defer conn.Close()

	if err := e.sendInitiate(ctx, conn); err != nil {
		e.setState(StateBackoff)
		atomic.AddInt64(&e.failures, 1)
		return err
	}

	e.mu.Lock()
	e.setState(StateReconciling)
	err = Reconcile(ctx, conn, e.peer, e.cfg.Options)
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, fn := range pending {
		fn()
	}

	if err != nil {
		e.setState(StateBackoff)
		atomic.AddInt64(&e.failures, 1)
		return err
	}

	e.setState(StateIdle)
	atomic.AddInt64(&e.successes, 1)
	return nil
}

// sendInitiate opens the session by identifying this owner and
// authenticating with its write key, before any RangeFingerprints frame
// is exchanged (spec §4.6/§4.7). Only the dialing side sends this frame;
// the relay's handshake consumes it before ever handing the connection to
// Reconcile, so Reconcile itself never sees a FrameInitiate.
func (e *Engine) sendInitiate(ctx context.Context, conn transport.Conn) error {
	frame, err := protocol.Encode(protocol.FrameInitiate, protocol.InitiatePayload{
		OwnerID:  e.cfg.OwnerID,
		WriteKey: e.cfg.WriteKey,
	})
	if err != nil {
		return fmt.Errorf("syncengine: encode initiate: %w", err)
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("syncengine: send initiate: %w", err)
	}
	return nil
}

// DeferLocal buffers fn to run once the in-flight reconciliation round (if
// any) completes, so local writes never interleave with a round's history
// or fingerprint-index mutations (spec §4.6/§5).
func (e *Engine) DeferLocal(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateReconciling {
		fn()
		return
	}
	e.pending = append(e.pending, fn)
}
