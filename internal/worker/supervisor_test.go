package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeEngine struct {
	runFn func(ctx context.Context) error
}

func (f *fakeEngine) Run(ctx context.Context) error { return f.runFn(ctx) }

func TestStartRunsAllRegisteredEngines(t *testing.T) {
	s := New(nil)

	ranA := make(chan struct{})
	ranB := make(chan struct{})
	s.Register([16]byte{1}, &fakeEngine{runFn: func(ctx context.Context) error {
		close(ranA)
		<-ctx.Done()
		return nil
	}})
	s.Register([16]byte{2}, &fakeEngine{runFn: func(ctx context.Context) error {
		close(ranB)
		<-ctx.Done()
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-ranA:
	case <-time.After(2 * time.Second):
		t.Fatal("engine A never ran")
	}
	select {
	case <-ranB:
	case <-time.After(2 * time.Second):
		t.Fatal("engine B never ran")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestStartPropagatesEngineErrorAndCancelsSiblings(t *testing.T) {
	s := New(nil)
	boom := errors.New("boom")

	siblingCanceled := make(chan struct{})
	s.Register([16]byte{1}, &fakeEngine{runFn: func(ctx context.Context) error {
		return boom
	}})
	s.Register([16]byte{2}, &fakeEngine{runFn: func(ctx context.Context) error {
		<-ctx.Done()
		close(siblingCanceled)
		return nil
	}})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected an error from Start")
	}

	select {
	case <-siblingCanceled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected sibling engine to be canceled when another engine errored")
	}
}

func TestStopCancelsRunningSupervisor(t *testing.T) {
	s := New(nil)
	s.Register([16]byte{1}, &fakeEngine{runFn: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cause Start to return")
	}
}

func TestStartRejectsConcurrentStart(t *testing.T) {
	s := New(nil)
	s.Register([16]byte{1}, &fakeEngine{runFn: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)

	if err := s.Start(context.Background()); err == nil {
		t.Error("expected second Start to fail while supervisor already running")
	}
}
