package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingRequestSettlesOnce(t *testing.T) {
	req := newPendingRequest(3, []MethodKind{ChannelFlowOk})
	f := NewMethodFrame(3, ChannelFlowOk, []byte{1})

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 0 {
				wins <- req.settle(f, nil)
				return
			}
			wins <- req.settle(Frame{}, ErrClosed)
		}(i)
	}
	wg.Wait()
	close(wins)
	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one settlement, got %d", won)
	}
	if !req.settled() {
		t.Fatal("request should be settled")
	}
}

func TestPendingRequestWaitReturnsReply(t *testing.T) {
	req := newPendingRequest(0, []MethodKind{ConnectionTune})
	go req.settle(NewMethodFrame(0, ConnectionTune, buildTuneArgs(0, 4096, 0)), nil)

	f, expired, err := req.wait(context.Background())
	if err != nil || expired {
		t.Fatalf("unexpected result expired=%v err=%v", expired, err)
	}
	if k, _ := f.Kind(); k != ConnectionTune {
		t.Fatalf("unexpected frame %s", f)
	}
}

func TestPendingRequestWaitTimeout(t *testing.T) {
	req := newPendingRequest(1, []MethodKind{ChannelOpenOk})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, expired, err := req.wait(ctx)
	if !expired {
		t.Fatal("expected the deadline to expire the request")
	}
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrTimeout wrapping the deadline, got %v", err)
	}
	if req.settled() {
		t.Fatal("wait must leave settlement to the dispatcher")
	}
}

func TestPendingRequestWaitCanceled(t *testing.T) {
	req := newPendingRequest(1, []MethodKind{ChannelOpenOk})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, expired, err := req.wait(ctx)
	if !expired || !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got expired=%v err=%v", expired, err)
	}
}

func TestPendingRequestSettledBeforeContext(t *testing.T) {
	req := newPendingRequest(1, []MethodKind{ChannelOpenOk})
	req.settle(Frame{}, ErrClosed)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, expired, err := req.wait(ctx)
	if expired {
		t.Fatal("a settled request is never expired")
	}
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
