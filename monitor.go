package pva

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
)

// defaultQueueSize matches pvxs' MonitorBuilder default.
const defaultQueueSize = 4

// Builder is the fluent configuration surface for a monitor request,
// mirroring clientmon.cpp's MonitorBuilder and, in shape, smux's
// config-by-struct-field pattern in session.go's newSession. Each setter
// returns the Builder so calls chain.
type Builder struct {
	channel          *Channel
	event            Event
	pvRequest        *Value
	pipeline         bool
	pipelineSet      bool
	queueSize        uint32
	queueSizeSet     bool
	ackAny           any
	ackAnySet        bool
	autostart        bool
	maskConnected    bool
	maskDisconnected bool
}

// NewBuilder starts a monitor request against ch, with defaults of
// queue_size 4, autostart true, MaskConnected false (Connected is
// delivered), MaskDisconnected true (Disconnect is suppressed), pipeline
// off.
func NewBuilder(ch *Channel) *Builder {
	return &Builder{
		channel:          ch,
		queueSize:        defaultQueueSize,
		autostart:        true,
		maskDisconnected: true,
	}
}

// Event sets the callback invoked whenever the queue transitions from
// empty to non-empty.
func (b *Builder) Event(ev Event) *Builder { b.event = ev; return b }

// PVRequest sets the pvRequest value sent with INIT, describing which
// fields and options (e.g. record._options.pipeline server-side) to
// subscribe to.
func (b *Builder) PVRequest(v *Value) *Builder { b.pvRequest = v; return b }

// Pipeline enables flow-controlled delivery: the server is asked to respect
// a credit window, returned by ACKs as entries are popped. The queue's
// squash policy is the same as without pipelining. Calling
// this explicitly overrides whatever record._options.pipeline the
// PVRequest carries.
func (b *Builder) Pipeline(enable bool) *Builder {
	b.pipeline = enable
	b.pipelineSet = true
	return b
}

// QueueSize overrides the default queue depth (non-pipeline: the squash
// threshold; pipeline: the initial and steady-state credit window). Calling
// this explicitly overrides whatever record._options.queueSize the
// PVRequest carries.
func (b *Builder) QueueSize(n uint32) *Builder {
	b.queueSize = n
	b.queueSizeSet = true
	return b
}

// AckAny sets the pipeline ack cadence as either an integer count or a
// "N%" string of QueueSize; see parseAckAny. Calling this explicitly
// overrides whatever record._options.ackAny the PVRequest carries.
func (b *Builder) AckAny(v any) *Builder {
	b.ackAny = v
	b.ackAnySet = true
	return b
}

// Autostart controls whether START is sent automatically once the INIT
// reply arrives (default true). When false, the caller must call
// Monitor.Pause(false) to start delivery.
func (b *Builder) Autostart(enable bool) *Builder { b.autostart = enable; return b }

// MaskConnected suppresses the synthetic Connected entry normally queued
// when the INIT request is sent.
func (b *Builder) MaskConnected(enable bool) *Builder { b.maskConnected = enable; return b }

// MaskDisconnected controls whether the synthetic Disconnect entry, queued
// when the underlying connection drops mid-subscription, is suppressed
// (default true).
func (b *Builder) MaskDisconnected(enable bool) *Builder { b.maskDisconnected = enable; return b }

// Build validates the configuration, allocates an ioid, and starts the
// Subscription's FSM on the channel's connection loop, returning a Monitor
// handle. Grounded on clientmon.cpp's MonitorBuilder::exec(), which
// performs the same default-filling and ackAt clamping before constructing
// SubscriptionImpl.
func (b *Builder) Build(ctx context.Context) (*Monitor, error) {
	if b.channel == nil {
		return nil, errors.New("pva: Builder missing Channel")
	}
	if b.pvRequest == nil {
		return nil, errors.New("pva: Builder missing PVRequest")
	}

	b.applyPVRequestOptions()

	if b.queueSize == 0 {
		b.queueSize = defaultQueueSize
	}

	ackAt, err := parseAckAny(b.ackAny, b.queueSize)
	if err != nil {
		return nil, err
	}
	ackAt = clampAckAt(ackAt, b.queueSize)

	ch := b.channel
	conn := ch.conn
	sub := &Subscription{
		channelName:      ch.name,
		event:            b.event,
		pvRequest:        b.pvRequest,
		pipeline:         b.pipeline,
		queueSize:        b.queueSize,
		ackAt:            ackAt,
		autostart:        b.autostart,
		maskConnected:    b.maskConnected,
		maskDisconnected: b.maskDisconnected,
		chan_:            ch,
		loop:             conn.loop,
		st:               stateConnecting,
	}

	if err := conn.loop.Call(func() error {
		sub.ioid = conn.allocIOID()
		conn.registerOp(sub.ioid, sub)
		ch.mu.Lock()
		ch.opByIOID[sub.ioid] = sub
		ch.mu.Unlock()
		ch.addSubscription(sub)
		return nil
	}); err != nil {
		return nil, err
	}
	_ = ctx

	m := &Monitor{sub: sub}
	runtime.SetFinalizer(m, (*Monitor).finalize)
	return m, nil
}

// applyPVRequestOptions fills in queueSize/pipeline/ackAny from the
// PVRequest's record._options sub-value for whichever of the three the
// caller didn't set explicitly via the Builder's own setters, matching
// MonitorBuilder::exec()'s op->pvRequest["record._options"] read in
// clientmon.cpp: an explicit setter call always wins over the request.
// This module's Value has no true nested-struct support (§3), so
// record._options is modeled as a *Value stored under that field name on
// the outer PVRequest, itself holding "pipeline"/"queueSize"/"ackAny".
func (b *Builder) applyPVRequestOptions() {
	raw, ok := b.pvRequest.Get("record._options")
	if !ok {
		return
	}
	opts, ok := raw.(*Value)
	if !ok {
		return
	}

	if !b.pipelineSet {
		if v, ok := opts.Get("pipeline"); ok {
			if p, ok := v.(bool); ok {
				b.pipeline = p
			}
		}
	}
	if !b.queueSizeSet {
		if v, ok := opts.Get("queueSize"); ok {
			switch n := v.(type) {
			case uint32:
				b.queueSize = n
			case int:
				if n > 0 {
					b.queueSize = uint32(n)
				}
			}
		}
	}
	if !b.ackAnySet {
		if v, ok := opts.Get("ackAny"); ok {
			b.ackAny = v
		}
	}
}

// Monitor is the user-facing handle to an active or terminated
// subscription. It wraps *Subscription the way smux's Stream wraps its
// session-owned state, adding a finalizer so a Monitor dropped without an
// explicit Cancel still releases its ioid and, if applicable, its
// server-side operation, mirroring pvxs' MonitorBase destructor posting
// _cancel() onto the event loop rather than relying on the caller to
// remember cleanup.
type Monitor struct {
	sub *Subscription
}

// Pop removes and returns the front queue entry; see Subscription.Pop.
func (m *Monitor) Pop() (*Value, error) { return m.sub.Pop() }

// Pause pauses (p == true) or resumes (p == false) delivery.
func (m *Monitor) Pause(p bool) error { return m.sub.Pause(p) }

// Cancel releases server and client resources for this subscription. Safe
// to call more than once; safe to call even if the finalizer has not yet
// run. After Cancel, Pop drains whatever remains queued and then returns
// (nil, nil) forever.
func (m *Monitor) Cancel() error {
	runtime.SetFinalizer(m, nil)
	return m.sub.loop.Call(func() error {
		m.sub.cancel(false)
		return nil
	})
}

// Stats returns a snapshot of the underlying Subscription's counters.
func (m *Monitor) Stats() SubStats { return m.sub.Stats() }

func (m *Monitor) finalize() {
	_ = m.sub.loop.Dispatch(func() { m.sub.cancel(true) })
}
