package amqp

import (
	"fmt"
	"sync"
	"time"
)

// heartbeater keeps an idle connection alive and notices a dead peer. It
// wakes every interval/2: a heartbeat frame goes out when nothing else was
// written during the last half interval, and the connection is failed when
// nothing at all was read for two intervals.
type heartbeater struct {
	proto   *protocolHandler
	metrics *Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
}

func newHeartbeater(proto *protocolHandler, metrics *Metrics) *heartbeater {
	return &heartbeater{proto: proto, metrics: metrics, stopCh: make(chan struct{})}
}

// start launches the loop. A zero interval, a second start, or a start after
// stop does nothing.
func (h *heartbeater) start(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if interval <= 0 || h.started || h.stopped {
		return
	}
	h.started = true
	go h.run(interval)
}

// stop ends the loop without waiting for it; the loop may itself be the
// caller, through a failed send and the resulting teardown.
func (h *heartbeater) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopCh)
}

func (h *heartbeater) run(interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case now := <-t.C:
			if err := h.check(now, interval); err != nil {
				h.proto.log.Error().Err(err).Dur("interval", interval).Msg("heartbeat failure")
				h.proto.shutdown(err)
				return
			}
		}
	}
}

// check runs one heartbeat tick at time now.
func (h *heartbeater) check(now time.Time, interval time.Duration) error {
	lastRecv := time.Unix(0, h.proto.lastRecv.Load())
	if silent := now.Sub(lastRecv); silent > 2*interval {
		return fmt.Errorf("%w: nothing received for %s", ErrHeartbeatTimeout, silent.Round(time.Millisecond))
	}
	lastSent := time.Unix(0, h.proto.lastSent.Load())
	if now.Sub(lastSent) >= interval/2 {
		if err := h.proto.sendHeartbeat(); err != nil {
			return err
		}
		h.metrics.heartbeatSent()
	}
	return nil
}
