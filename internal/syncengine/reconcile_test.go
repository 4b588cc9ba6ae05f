package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/fingerprint"
	"github.com/evolu-go/evolu/internal/protocol"
	"github.com/evolu-go/evolu/internal/transport"
)

// pipeConn is an in-memory transport.Conn pairing two Engines/Reconcile
// calls in a test without any real network, modeled on the teacher's
// preference for exercising protocol logic independent of libp2p
// transport (internal/sync/p2p_test.go uses an in-process host pair the
// same way).
type pipeConn struct {
	out    chan protocol.Frame
	in     chan protocol.Frame
	closed chan struct{}
	once   sync.Once
}

func newPipe() (a, b *pipeConn) {
	ab := make(chan protocol.Frame, 64)
	ba := make(chan protocol.Frame, 64)
	closed := make(chan struct{})
	return &pipeConn{out: ab, in: ba, closed: closed}, &pipeConn{out: ba, in: ab, closed: closed}
}

func (p *pipeConn) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case p.out <- f:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return protocol.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// memPeer is an in-memory Peer backed directly by a fingerprint.Index and
// a map of encrypted payloads, standing in for both storage.Store (client
// side) and relay.Store (relay side) without needing SQLite in this test.
type memPeer struct {
	mu    sync.Mutex
	index *fingerprint.Index
	data  map[clock.Timestamp][]byte
}

func newMemPeer() *memPeer {
	return &memPeer{index: fingerprint.New(1), data: make(map[clock.Timestamp][]byte)}
}

func (p *memPeer) Index() *fingerprint.Index { return p.index }

func (p *memPeer) Put(ts clock.Timestamp, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[ts] = payload
	p.index.Insert(ts)
}

func (p *memPeer) FetchRange(ctx context.Context, lo, hi clock.Timestamp) ([]crdtmsg.EncryptedCrdtMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []crdtmsg.EncryptedCrdtMessage
	p.index.Iterate(lo, hi, func(ts clock.Timestamp) {
		out = append(out, crdtmsg.EncryptedCrdtMessage{Timestamp: ts, Change: p.data[ts]})
	})
	return out, nil
}

func (p *memPeer) StoreMessages(ctx context.Context, msgs []crdtmsg.EncryptedCrdtMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.data[m.Timestamp] = m.Change
		p.index.Insert(m.Timestamp)
	}
	return nil
}

func (p *memPeer) timestamps() map[clock.Timestamp]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[clock.Timestamp]bool, len(p.data))
	for ts := range p.data {
		out[ts] = true
	}
	return out
}

func ts(millis uint64) clock.Timestamp {
	return clock.Timestamp{Millis: millis, Node: clock.NodeID{1}}
}

func TestReconcileConverges(t *testing.T) {
	a, b := newMemPeer(), newMemPeer()
	for i := uint64(1); i <= 5; i++ {
		a.Put(ts(i), []byte{byte(i)})
	}
	for i := uint64(100); i <= 103; i++ {
		b.Put(ts(i), []byte{byte(i)})
	}
	// One timestamp in common, already identical on both sides.
	a.Put(ts(50), []byte("shared"))
	b.Put(ts(50), []byte("shared"))

	connA, connB := newPipe()
	opts := Options{LeafThreshold: 4, BucketCount: 4, MaxRounds: 32}

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = Reconcile(context.Background(), connA, a, opts) }()
	go func() { defer wg.Done(); errB = Reconcile(context.Background(), connB, b, opts) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciliation did not converge in time")
	}

	if errA != nil {
		t.Fatalf("side A: %v", errA)
	}
	if errB != nil {
		t.Fatalf("side B: %v", errB)
	}

	tsA, tsB := a.timestamps(), b.timestamps()
	if len(tsA) != len(tsB) {
		t.Fatalf("set sizes diverged: A=%d B=%d", len(tsA), len(tsB))
	}
	for k := range tsA {
		if !tsB[k] {
			t.Errorf("timestamp %s present in A but not B", k)
		}
	}

	fpA := a.index.Fingerprint(clock.Zero, fingerprint.MaxTimestamp)
	fpB := b.index.Fingerprint(clock.Zero, fingerprint.MaxTimestamp)
	if fpA != fpB {
		t.Error("expected identical fingerprints over the full range after reconciliation")
	}
}

func TestReconcileNoOpWhenAlreadyEqual(t *testing.T) {
	a, b := newMemPeer(), newMemPeer()
	for i := uint64(1); i <= 3; i++ {
		a.Put(ts(i), []byte{byte(i)})
		b.Put(ts(i), []byte{byte(i)})
	}

	connA, connB := newPipe()
	opts := DefaultOptions()

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = Reconcile(context.Background(), connA, a, opts) }()
	go func() { defer wg.Done(); errB = Reconcile(context.Background(), connB, b, opts) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciliation did not terminate in time")
	}
	if errA != nil || errB != nil {
		t.Fatalf("errA=%v errB=%v", errA, errB)
	}
}
