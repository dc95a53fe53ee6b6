package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// pendingRequest links an outstanding request to the goroutine waiting for
// its reply. It is settled exactly once: by the matching reply, by the
// teardown of its scope, or by dispatcher.expire after its deadline. Later
// settlements are no-ops.
type pendingRequest struct {
	channel uint16
	accepts []MethodKind
	started time.Time

	once  sync.Once
	done  chan struct{}
	frame Frame
	err   error
}

func newPendingRequest(channel uint16, accepts []MethodKind) *pendingRequest {
	return &pendingRequest{
		channel: channel,
		accepts: accepts,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (p *pendingRequest) matches(k MethodKind) bool {
	for _, a := range p.accepts {
		if a == k {
			return true
		}
	}
	return false
}

// settle records the outcome and wakes the waiter. It reports whether this
// call was the one that settled the request.
func (p *pendingRequest) settle(f Frame, err error) bool {
	won := false
	p.once.Do(func() {
		p.frame, p.err = f, err
		close(p.done)
		won = true
	})
	return won
}

func (p *pendingRequest) settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// wait blocks until the request is settled or ctx ends. When ctx ends first
// the request is left unsettled and expired reports true: the caller hands it
// to dispatcher.expire, which decides under the routing lock whether the
// deadline or a racing reply wins.
func (p *pendingRequest) wait(ctx context.Context) (f Frame, expired bool, err error) {
	select {
	case <-p.done:
		return p.frame, false, p.err
	case <-ctx.Done():
	}
	select {
	case <-p.done:
		return p.frame, false, p.err
	default:
	}
	cause := ErrCanceled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = ErrTimeout
	}
	return Frame{}, true, fmt.Errorf("%w waiting for %s on channel %d: %w", cause, kindsString(p.accepts), p.channel, ctx.Err())
}

// result blocks until the request is settled.
func (p *pendingRequest) result() (Frame, error) {
	<-p.done
	return p.frame, p.err
}
