package pva

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// state is the Subscription FSM state, modeled as a string type the way
// dwarri-gazette's broker/append_fsm.go models appendState, readable in
// log fields without a String() method.
type state string

const (
	stateConnecting state = "connecting" // waiting for an active Channel
	stateCreating   state = "creating"   // waiting for reply to INIT
	stateIdle       state = "idle"       // waiting for start
	stateRunning    state = "running"    // waiting for stop
	stateDone       state = "done"       // terminal
)

// Entry is one element of a Subscription's queue: a variant holding either
// a value or an error. Exactly one of Val/Err is set.
type Entry struct {
	Val *Value
	Err error
}

func valueEntry(v *Value) Entry { return Entry{Val: v} }
func errorEntry(err error) Entry { return Entry{Err: err} }

func (e Entry) isError() bool { return e.Err != nil }

// Event is invoked by Subscription.notify whenever the queue transitions
// from empty to non-empty. It runs on the loop goroutine and must not block
// for long. Pop only takes the per-subscription mutex, so the callback may
// drain the queue with it; Pause and Cancel called from the callback run
// inline through Loop.Call's nested-call path.
type Event func(*Subscription)

// Subscription is one active monitor: the per-channel FSM, queue, and
// pipeline window/ack accounting. All FSM mutation happens only on the
// owning Channel's Connection's Loop; Pop additionally touches the
// queue/window/unack from any goroutine, guarded by mu.
type Subscription struct {
	// Identity (immutable).
	channelName string
	sid         uint32
	ioid        uint32

	// Configuration (immutable after Build).
	event            Event
	pvRequest        *Value
	pipeline         bool
	queueSize        uint32
	ackAt            uint32
	autostart        bool
	maskConnected    bool
	maskDisconnected bool

	// Linkage.
	chan_ *Channel
	loop  *Loop

	// FSM state; mutated only on loop.
	st        state
	prototype *TypeDesc
	ackTimer  *time.Timer

	// Guarded by mu; queue/window/unack may be read from Pop on any
	// goroutine, since the consumer is free to call Pop off the loop.
	mu     sync.Mutex
	queue  []Entry
	window uint32
	unack  uint32

	// Stats, for diagnostics.
	stats SubStats
}

// SubStats is a point-in-time snapshot of a Subscription's queue activity.
type SubStats struct {
	Pushed   uint64
	Squashed uint64
	Popped   uint64
	Acked    uint64
}

// log is this Subscription's structured logging context, matching
// broker/append_fsm.go's log.WithFields(...) idiom.
func (s *Subscription) log() *log.Entry {
	return log.WithFields(log.Fields{
		"channel": s.channelName,
		"ioid":    s.ioid,
		"state":   s.st,
	})
}

// mustBeInLoop panics (like append_fsm.go's mustState, adapted to a loop-
// affinity check rather than a specific-state check) if called off-loop.
func (s *Subscription) mustBeInLoop() {
	s.loop.assertInLoop()
}

// --- FSM transitions ------------------------------------------------------

// channelLive is called by Channel when the underlying connection becomes
// usable, transitioning Connecting -> Creating and sending INIT.
func (s *Subscription) channelLive(conn *Connection) {
	s.mustBeInLoop()
	if s.st != stateConnecting {
		return
	}

	subcmd := subcmdInit
	if s.pipeline {
		subcmd |= subcmdPipeline
	}

	b := NewBuffer(conn.endian)
	b.PutUint32(s.sid)
	b.PutUint32(s.ioid)
	b.PutUint8(subcmd)
	s.pvRequest.Desc().EncodeDesc(b)
	s.pvRequest.EncodeFull(b)
	if s.pipeline {
		b.PutUint32(s.queueSize)
	}
	conn.sendMonitor(b)

	s.st = stateCreating
	s.log().Debug("monitor INIT")

	// createOp() arms the pipeline credit window in the same locked section
	// that pushes the Connected entry, regardless of maskConnected: the
	// window becomes available as soon as INIT is sent, not deferred to the
	// INIT reply.
	empty := false
	s.mu.Lock()
	if s.pipeline {
		s.window = s.queueSize
	}
	if !s.maskConnected {
		empty = len(s.queue) == 0
		s.push(errorEntry(&Connected{Peer: conn.peerName}))
	}
	s.mu.Unlock()
	if empty {
		s.notify()
	}
}

// start sends START and transitions Idle -> Running.
func (s *Subscription) start() {
	s.mustBeInLoop()
	if s.st != stateIdle {
		return
	}
	s.sendStartStop(false)
	s.st = stateRunning
}

// stop sends STOP and transitions Running -> Idle. Together with start it mirrors
// pvxs' SubscriptionImpl::pause(bool), here split per direction for clarity.
func (s *Subscription) stop() {
	s.mustBeInLoop()
	if s.st != stateRunning {
		return
	}
	s.sendStartStop(true)
	s.st = stateIdle
}

func (s *Subscription) sendStartStop(stop bool) {
	subcmd := subcmdStart
	if stop {
		subcmd = subcmdStop
	}
	conn := s.chan_.conn
	b := NewBuffer(conn.endian)
	b.PutUint32(s.sid)
	b.PutUint32(s.ioid)
	b.PutUint8(subcmd)
	conn.sendMonitor(b)
}

// Pause transitions Idle<->Running depending on p (true = pause to Idle,
// false = resume to Running). It posts onto the loop and returns once
// applied. Returns ErrClosed if the subscription has already terminated.
func (s *Subscription) Pause(p bool) error {
	return s.loop.Call(func() error {
		if s.st == stateDone {
			return ErrClosed
		}
		if p {
			s.stop()
		} else {
			s.start()
		}
		return nil
	})
}

// disconnected is called by Channel when the connection drops while this
// Subscription is Creating/Idle/Running, returning it to Connecting and
// re-queuing it on the channel's pending list.
func (s *Subscription) disconnected() {
	s.mustBeInLoop()
	switch s.st {
	case stateConnecting, stateDone:
		return
	case stateCreating, stateIdle, stateRunning:
	default:
		return
	}

	empty := false
	if !s.maskDisconnected {
		s.mu.Lock()
		empty = len(s.queue) == 0
		s.push(errorEntry(&Disconnect{}))
		s.mu.Unlock()
	}

	s.chan_.pending = append(s.chan_.pending, s)
	s.st = stateConnecting

	if empty {
		s.notify()
	}
}

// remoteFailed transitions to Done and enqueues RemoteError, used both by
// createOp-time failures and by handle_MONITOR's non-success status path
// (dispatch.go).
func (s *Subscription) remoteFailed(msg string) {
	s.mustBeInLoop()
	s.mu.Lock()
	empty := len(s.queue) == 0
	s.push(errorEntry(&RemoteError{Msg: msg}))
	s.mu.Unlock()

	s.teardown(false)

	if empty {
		s.notify()
	}
}

// cancel sends DESTROY_REQUEST (if Idle/Running), removes this Subscription
// from its ioid maps, cancels the ack timer and transitions to Done.
// implicit distinguishes a user Cancel() from a destructor-driven teardown,
// purely for logging (pvxs' _cancel(bool implicit)).
func (s *Subscription) cancel(implicit bool) {
	s.mustBeInLoop()
	if implicit && s.st != stateDone {
		s.log().Debug("monitor implied cancel")
	}
	s.log().Debug("monitor cancel")

	if s.st == stateIdle || s.st == stateRunning {
		s.chan_.conn.sendDestroy(s.sid, s.ioid)
	}
	s.teardown(false)
}

// teardown removes this Subscription from both ioid maps and cancels its
// ack timer. If viaFinal is true the caller is handle_MONITOR reacting to
// the final bit, which has already decided whether to send DESTROY_REQUEST;
// the ioid is then remembered on the Connection (markFinishedIOID) so a
// stray duplicate final for the same ioid is recognized rather than logged
// as an ordinary unknown-ioid miss.
func (s *Subscription) teardown(viaFinal bool) {
	s.chan_.conn.mu.Lock()
	delete(s.chan_.conn.opByIOID, s.ioid)
	s.chan_.conn.mu.Unlock()
	delete(s.chan_.opByIOID, s.ioid)
	if s.pipeline {
		s.mu.Lock()
		if s.ackTimer != nil {
			s.ackTimer.Stop()
		}
		s.mu.Unlock()
	}
	s.st = stateDone
	if viaFinal {
		s.chan_.conn.markFinishedIOID(s.ioid)
	}
}

// finish transitions Idle/Running -> Done on a final reply (the Finished
// entry itself is queued beforehand by deliver): it cancels the ack timer,
// clears ioid maps, records the ioid as finished on the Connection, and
// sends DESTROY_REQUEST only if the frame carrying final didn't also carry a
// terminal status (sentStatus, which already implies server-side teardown).
func (s *Subscription) finish(sentStatus bool) {
	s.mustBeInLoop()
	s.teardown(true)
	if !sentStatus {
		s.chan_.conn.sendDestroy(s.sid, s.ioid)
	}
}

// --- squash / queue policy -------------------------------------------------

// deliver applies the inbound-update queue policy: errors and terminal
// entries are always enqueued, values fill the queue up to queueSize, and
// once full a further value squashes (replaces in place) the current tail
// rather than growing the queue. update is the decoded Entry (a value, or
// a RemoteError/other error); final indicates the frame's FINAL bit was
// set. Called only from dispatch.go's HandleMonitor, already on the loop.
func (s *Subscription) deliver(update Entry, final bool) {
	s.mustBeInLoop()

	s.mu.Lock()
	if s.pipeline {
		if s.window > 0 {
			s.window--
		} else {
			s.log().Error("monitor exceeds window size")
		}
	}

	notify := len(s.queue) == 0

	switch {
	case update.isError():
		s.push(update)
	case uint32(len(s.queue)) < s.queueSize:
		s.push(update)
	case len(s.queue) > 0 && s.queue[len(s.queue)-1].isError():
		s.push(update)
	case update.Val != nil:
		s.squashTail(update.Val)
	default:
		s.push(update)
	}

	if final && !update.isError() {
		s.push(errorEntry(&Finished{}))
	}

	if len(s.queue) == 0 {
		s.log().Error("monitor empty update")
		notify = false
	}
	s.mu.Unlock()

	if notify {
		s.notify()
	}
}

// push appends e to the queue. Caller holds mu. chan_/conn are nil in
// queue-policy unit tests that construct a bare Subscription without a
// Channel, so the Connection-level counter bump is skipped in that case.
func (s *Subscription) push(e Entry) {
	s.queue = append(s.queue, e)
	s.stats.Pushed++
	if s.chan_ != nil && s.chan_.conn != nil {
		s.chan_.conn.noteEnqueued()
	}
}

// squashTail replaces the queue tail's value contents in place with v,
// preserving its position. Caller holds mu.
func (s *Subscription) squashTail(v *Value) {
	tail := s.queue[len(s.queue)-1]
	tail.Val.Assign(v)
	s.stats.Squashed++
	if s.chan_ != nil && s.chan_.conn != nil {
		s.chan_.conn.noteSquashed()
	}
}

// --- pop() / notify() -------------------------------------------------------

// Pop removes and returns the front queue entry. If the queue is empty it
// returns (nil, nil). If the front entry is an error, it is returned as
// err with val == nil. Pop may be called from any goroutine; it only takes
// the per-subscription mutex, never the loop, so it never blocks beyond a
// short mutex hold.
func (s *Subscription) Pop() (val *Value, err error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	s.stats.Popped++

	if s.pipeline {
		s.onPopAckAccounting()
	}
	s.mu.Unlock()

	if e.isError() {
		return nil, e.Err
	}
	return e.Val, nil
}

// onPopAckAccounting bumps the unacked-pop count and arms the ack timer
// immediately if ackAt is reached (or this is the first unacked pop and
// ackAt is 1), otherwise with a one-second coalescing delay. Caller holds
// mu.
func (s *Subscription) onPopAckAccounting() {
	s.unack++

	delay := time.Duration(0)
	if s.unack == 1 && s.ackAt != 1 {
		delay = time.Second
	}

	if s.unack == 1 || s.unack >= s.ackAt {
		s.armAckTimer(delay)
	}
}

// armAckTimer (re)schedules the ack timer to fire after delay, idempotent
// while already armed for an earlier or equal deadline (a timer reset to a
// later deadline would violate "schedule is idempotent while armed" for
// the immediate-ack case, but since the only two delays in play are 0 and
// 1s and 0 always wins, Reset is safe here).
func (s *Subscription) armAckTimer(delay time.Duration) {
	if s.ackTimer == nil {
		s.ackTimer = time.AfterFunc(delay, s.tickAck)
		return
	}
	s.ackTimer.Reset(delay)
}

// tickAck runs on its own goroutine (time.AfterFunc) and must hop back onto
// the loop before touching FSM/window state, matching pvxs' tickAckS
// running on tcp_loop because libevent timers fire on the reactor thread.
func (s *Subscription) tickAck() {
	_ = s.loop.Dispatch(s.doTickAck)
}

func (s *Subscription) doTickAck() {
	if s.st != stateIdle && s.st != stateRunning {
		return
	}
	if !s.pipeline {
		return
	}

	s.mu.Lock()
	if s.unack == 0 {
		s.mu.Unlock()
		return
	}
	unack := s.unack
	s.mu.Unlock()

	s.log().Debug("monitor ACK")

	conn := s.chan_.conn
	b := NewBuffer(conn.endian)
	b.PutUint32(s.sid)
	b.PutUint32(s.ioid)
	b.PutUint8(0x80)
	b.PutUint32(unack)
	conn.sendMonitor(b)

	s.mu.Lock()
	s.window += unack
	s.unack = 0
	s.stats.Acked++
	s.mu.Unlock()
}

// notify invokes the user Event callback without holding mu, catching and
// logging any panic rather than letting it propagate into the loop
// goroutine.
func (s *Subscription) notify() {
	s.log().Info("monitor notify")
	if s.event == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log().WithField("panic", r).Error("unhandled panic in monitor event callback")
		}
	}()
	s.event(s)
}

// Stats returns a snapshot of this Subscription's queue counters.
func (s *Subscription) Stats() SubStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// parseAckAny accepts either an integer count or a "N%" string with
// 0 < N <= 100, interpreted against queueSize.
func parseAckAny(raw any, queueSize uint32) (uint32, error) {
	switch v := raw.(type) {
	case string:
		var pct float64
		if _, err := fmt.Sscanf(v, "%f%%", &pct); err != nil {
			return 0, errors.Wrapf(err, "ackAny: invalid percent %q", v)
		}
		if pct <= 0 || pct > 100 {
			return 0, errors.Errorf("ackAny: percent %q not in range (0%%, 100%%]", v)
		}
		return uint32(pct * float64(queueSize) / 100), nil
	case uint32:
		return v, nil
	case int:
		if v < 0 {
			return 0, errors.Errorf("ackAny: negative count %d", v)
		}
		return uint32(v), nil
	default:
		return 0, nil
	}
}

// clampAckAt clamps ackAt to [1, queueSize], defaulting to queueSize/2 when
// zero, matching pvxs' MonitorBuilder::exec() tail.
func clampAckAt(ackAt, queueSize uint32) uint32 {
	if ackAt == 0 {
		ackAt = queueSize / 2
	}
	if ackAt < 1 {
		ackAt = 1
	}
	if ackAt > queueSize {
		ackAt = queueSize
	}
	return ackAt
}
