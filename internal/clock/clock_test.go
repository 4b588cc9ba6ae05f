package clock

import (
	"sync"
	"testing"
)

func testNode(b byte) NodeID {
	var n NodeID
	n[0] = b
	return n
}

func fixedNow(ms uint64) func() uint64 {
	return func() uint64 { return ms }
}

func TestSendMonotonic(t *testing.T) {
	c := New(testNode(1), 0)
	c.nowMillis = fixedNow(1000)

	var prev Timestamp
	for i := 0; i < 1000; i++ {
		ts, err := c.Send()
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !prev.Before(ts) && i > 0 {
			t.Fatalf("clock not monotonic: prev=%v curr=%v", prev, ts)
		}
		prev = ts
	}
	if prev.Counter != 999 {
		t.Errorf("expected counter 999 after 1000 sends at fixed millis, got %d", prev.Counter)
	}
}

func TestSendAdvancesWithWallClock(t *testing.T) {
	c := New(testNode(1), 0)
	c.nowMillis = fixedNow(1000)
	first, _ := c.Send()

	c.nowMillis = fixedNow(2000)
	second, err := c.Send()
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if second.Millis != 2000 || second.Counter != 0 {
		t.Errorf("expected millis=2000 counter=0, got %+v", second)
	}
	if !first.Before(second) {
		t.Errorf("expected %v before %v", first, second)
	}
}

func TestSendCounterOverflow(t *testing.T) {
	c := New(testNode(1), 0)
	c.nowMillis = fixedNow(1000)
	c.last = Timestamp{Millis: 1000, Counter: MaxCounter, Node: testNode(1)}

	_, err := c.Send()
	if _, ok := err.(*CounterOverflowError); !ok {
		t.Fatalf("expected CounterOverflowError, got %v", err)
	}
}

func TestReceiveAdoptsLaterRemote(t *testing.T) {
	c := New(testNode(1), 0)
	c.nowMillis = fixedNow(1000)

	remote := Timestamp{Millis: 5000, Counter: 3, Node: testNode(2)}
	merged, err := c.Receive(remote)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if merged.Millis != 5000 || merged.Counter != 4 {
		t.Errorf("expected millis=5000 counter=4, got %+v", merged)
	}
	if merged.Node != c.node {
		t.Errorf("merged timestamp must carry the local node id")
	}
}

func TestSendRejectsExcessiveDrift(t *testing.T) {
	c := New(testNode(1), 1000)
	c.nowMillis = fixedNow(1000)
	c.last = Timestamp{Millis: 1000 + 1000 + 1, Node: testNode(1)}

	_, err := c.Send()
	if _, ok := err.(*DriftError); !ok {
		t.Fatalf("expected DriftError, got %v", err)
	}
	if c.last.Millis != 1000+1000+1 {
		t.Errorf("Send must not advance the clock on drift rejection, got %+v", c.last)
	}
}

func TestReceiveRejectsExcessiveDrift(t *testing.T) {
	c := New(testNode(1), 1000)
	c.nowMillis = fixedNow(1000)

	remote := Timestamp{Millis: 1000 + 5000, Node: testNode(2)}
	_, err := c.Receive(remote)
	if _, ok := err.(*DriftError); !ok {
		t.Fatalf("expected DriftError, got %v", err)
	}
}

func TestReceiveDetectsDuplicateNode(t *testing.T) {
	c := New(testNode(1), 0)
	c.nowMillis = fixedNow(1000)
	sent, _ := c.Send()

	future := sent
	future.Counter++
	_, err := c.Receive(future)
	if _, ok := err.(*DuplicateNodeError); !ok {
		t.Fatalf("expected DuplicateNodeError, got %v", err)
	}
}

func TestClockConcurrentSend(t *testing.T) {
	c := New(testNode(1), 0)
	var wg sync.WaitGroup
	seen := make(chan Timestamp, 1000)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ts, err := c.Send()
				if err != nil {
					t.Errorf("Send: %v", err)
					return
				}
				seen <- ts
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[Timestamp]bool)
	for ts := range seen {
		if unique[ts] {
			t.Fatalf("duplicate timestamp emitted: %v", ts)
		}
		unique[ts] = true
	}
	if len(unique) != 1000 {
		t.Errorf("expected 1000 unique timestamps, got %d", len(unique))
	}
}
