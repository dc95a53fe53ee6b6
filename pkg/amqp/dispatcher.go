package amqp

import (
	"fmt"
	"sort"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// orphan is the tombstone of a request that gave up waiting. The first frame
// on its channel matching accepts is the late reply: it is discarded and
// followUp, when set, gets to clean up whatever the reply leaves behind on
// the server.
type orphan struct {
	accepts  []MethodKind
	followUp func(Frame)
}

// slot holds everything the dispatcher knows about one channel id.
type slot struct {
	waiter  *pendingRequest
	channel *Channel
	orphans []orphan
}

func (s *slot) empty() bool {
	return s.waiter == nil && s.channel == nil && len(s.orphans) == 0
}

// takeOrphan pops the oldest tombstone accepting k. Replies on a channel come
// back in request order, so the oldest match is the one the reply answers.
func (s *slot) takeOrphan(k MethodKind) (orphan, bool) {
	for i, o := range s.orphans {
		for _, a := range o.accepts {
			if a == k {
				s.orphans = append(s.orphans[:i:i], s.orphans[i+1:]...)
				return o, true
			}
		}
	}
	return orphan{}, false
}

// dispatcher routes every decoded frame to exactly one destination: a pending
// request, a channel, or the connection's control handler for channel 0.
type dispatcher struct {
	mu    sync.Mutex
	slots map[uint16]*slot
	err   error

	control func(Frame) error
	metrics *Metrics
	log     zerolog.Logger
}

func newDispatcher(control func(Frame) error, metrics *Metrics, log zerolog.Logger) *dispatcher {
	return &dispatcher{
		slots:   map[uint16]*slot{},
		control: control,
		metrics: metrics,
		log:     log,
	}
}

func (d *dispatcher) slotLocked(id uint16) *slot {
	s, ok := d.slots[id]
	if !ok {
		s = &slot{}
		d.slots[id] = s
	}
	return s
}

func (d *dispatcher) gcLocked(id uint16, s *slot) {
	if s.empty() {
		delete(d.slots, id)
	}
}

// register creates the waiter for the next reply on channel id. Only one
// waiter may exist per channel; a second registration is refused instead of
// replacing the first, which would lose its wakeup.
func (d *dispatcher) register(id uint16, accepts ...MethodKind) (*pendingRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := d.slotLocked(id)
	if s.waiter != nil {
		return nil, fmt.Errorf("%w: channel %d already awaits %s", ErrRequestPending, id, kindsString(s.waiter.accepts))
	}
	req := newPendingRequest(id, accepts)
	s.waiter = req
	d.metrics.requestStarted()
	return req, nil
}

// detachLocked removes req from its slot if it is still the registered waiter.
func (d *dispatcher) detachLocked(req *pendingRequest) bool {
	s, ok := d.slots[req.channel]
	if !ok || s.waiter != req {
		return false
	}
	s.waiter = nil
	d.gcLocked(req.channel, s)
	d.metrics.requestFinished(req)
	return true
}

// cancel withdraws a request whose frame could not be written.
func (d *dispatcher) cancel(req *pendingRequest, err error) {
	d.mu.Lock()
	d.detachLocked(req)
	d.mu.Unlock()
	req.settle(Frame{}, err)
}

// expire settles a request whose caller stopped waiting with err and leaves
// a tombstone so its late reply is recognised and discarded. Whoever detaches
// a waiter settles it, and route detaches under d.mu too, so a reply racing
// the deadline is either claimed by route or becomes an orphan. When route, a
// channel removal or the teardown got there first, expire returns their
// outcome and orphaned is false.
func (d *dispatcher) expire(req *pendingRequest, followUp func(Frame), err error) (f Frame, orphaned bool, rerr error) {
	d.mu.Lock()
	if !d.detachLocked(req) {
		d.mu.Unlock()
		f, rerr = req.result()
		return f, false, rerr
	}
	if d.err == nil {
		s := d.slotLocked(req.channel)
		s.orphans = append(s.orphans, orphan{accepts: req.accepts, followUp: followUp})
	}
	req.settle(Frame{}, err)
	d.mu.Unlock()
	return Frame{}, true, err
}

// addOrphan expects a reply to a request nobody waits for, such as the
// channel.close sent to release a channel abandoned mid-open.
func (d *dispatcher) addOrphan(id uint16, followUp func(Frame), accepts ...MethodKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return
	}
	s := d.slotLocked(id)
	s.orphans = append(s.orphans, orphan{accepts: accepts, followUp: followUp})
}

func (d *dispatcher) addChannel(ch *Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	s := d.slotLocked(ch.id)
	if s.channel != nil {
		return fmt.Errorf("amqp: channel %d is already registered", ch.id)
	}
	s.channel = ch
	d.metrics.channelAdded()
	return nil
}

// removeChannel unregisters ch together with its waiter and tombstones. The
// waiter is settled with err. It reports false when ch was no longer
// registered, so callers never release an id twice.
func (d *dispatcher) removeChannel(ch *Channel, err error) bool {
	d.mu.Lock()
	s, ok := d.slots[ch.id]
	if !ok || s.channel != ch {
		d.mu.Unlock()
		return false
	}
	waiter := s.waiter
	if waiter != nil {
		d.metrics.requestFinished(waiter)
	}
	delete(d.slots, ch.id)
	d.metrics.channelRemoved()
	d.mu.Unlock()

	if waiter != nil {
		waiter.settle(Frame{}, err)
	}
	return true
}

func (d *dispatcher) channelIDs() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint16, 0, len(d.slots))
	for id, s := range d.slots {
		if s.channel != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// route delivers one inbound frame. A returned error is a protocol violation
// and is fatal to the connection.
func (d *dispatcher) route(f Frame) error {
	d.metrics.frameReceived(f.Type)
	switch f.Type {
	case FrameHeartbeat:
		if f.Channel != 0 {
			return protocolErrorf(amqp091.CommandInvalid, "heartbeat on channel %d", f.Channel)
		}
		return nil
	case FrameMethod, FrameHeader, FrameBody:
	default:
		return protocolErrorf(amqp091.FrameError, "unknown frame type %d on channel %d", f.Type, f.Channel)
	}

	var kind MethodKind
	if f.Type == FrameMethod {
		k, err := f.Kind()
		if err != nil {
			return protocolErrorf(amqp091.FrameError, "channel %d: %v", f.Channel, err)
		}
		kind = k
	}

	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return nil
	}
	s := d.slots[f.Channel]
	if s != nil && f.Type == FrameMethod {
		if o, ok := s.takeOrphan(kind); ok {
			d.gcLocked(f.Channel, s)
			d.mu.Unlock()
			d.metrics.orphanDiscarded()
			d.log.Warn().Uint16("chan", f.Channel).Str("method", kind.String()).Msg("discarding reply to expired request")
			if o.followUp != nil {
				o.followUp(f)
			}
			return nil
		}
		if w := s.waiter; w != nil && w.matches(kind) {
			s.waiter = nil
			if s.channel != nil && kind == ChannelOpenOk {
				s.channel.markOpen()
			}
			d.gcLocked(f.Channel, s)
			d.metrics.requestFinished(w)
			d.mu.Unlock()
			d.log.Debug().Uint16("chan", f.Channel).Str("method", kind.String()).Msg("recv reply")
			w.settle(f, nil)
			return nil
		}
	}
	var ch *Channel
	if s != nil {
		ch = s.channel
	}
	d.mu.Unlock()

	if f.Channel == 0 {
		return d.control(f)
	}
	if ch == nil {
		return protocolErrorf(amqp091.ChannelError, "%s on unknown channel %d", f, f.Channel)
	}
	return ch.deliver(f, kind)
}

// closeAll settles every waiter with err, shuts every channel down and
// refuses all later registrations. Frames routed afterwards are dropped.
func (d *dispatcher) closeAll(err error) {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return
	}
	d.err = err
	slots := d.slots
	d.slots = map[uint16]*slot{}
	for _, s := range slots {
		if s.waiter != nil {
			d.metrics.requestFinished(s.waiter)
		}
		if s.channel != nil {
			d.metrics.channelRemoved()
		}
	}
	d.mu.Unlock()

	for _, s := range slots {
		if s.waiter != nil {
			s.waiter.settle(Frame{}, err)
		}
	}
	for _, s := range slots {
		if s.channel != nil {
			s.channel.shutdown(err)
		}
	}
}
