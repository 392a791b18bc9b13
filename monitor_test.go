package pva

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarDesc() *TypeDesc {
	return &TypeDesc{
		Struct: "epics:nt/NTScalar:1.0",
		Fields: []FieldDesc{{Name: "value", Kind: FieldInt32}},
	}
}

// clientFrame is one application frame captured from the client's outgoing
// (local.Write / remote.Read) direction by the background drain in
// buildAndAttach.
type clientFrame struct {
	cmd  uint8
	body []byte
}

// serverWriteFrame writes one application frame in the same 5-byte-header
// shape Connection.readFrame expects, playing the role of the PVA server
// in these tests.
func serverWriteFrame(t *testing.T, nc net.Conn, endian Endian, cmd uint8, body []byte) {
	t.Helper()
	head := NewBuffer(endian)
	head.PutUint8(cmd)
	head.PutUint32(uint32(len(body)))
	_, err := nc.Write(head.Bytes())
	require.NoError(t, err)
	if len(body) > 0 {
		_, err = nc.Write(body)
		require.NoError(t, err)
	}
}

// readOneClientFrame reads exactly one frame off nc using the shared
// framing, non-fatally (for use both synchronously and from a background
// drain goroutine that must not call t.Fatal after the test returns).
func readOneClientFrame(nc net.Conn, endian Endian) (clientFrame, error) {
	head := make([]byte, 5)
	if _, err := ioReadFull(nc, head); err != nil {
		return clientFrame{}, err
	}
	d := NewDecoder(head, endian)
	cmd := d.GetUint8()
	n := d.GetUint32()
	body := make([]byte, n)
	if n > 0 {
		if _, err := ioReadFull(nc, body); err != nil {
			return clientFrame{}, err
		}
	}
	return clientFrame{cmd: cmd, body: body}, nil
}

func buildInitReply(endian Endian, sid, ioid uint32, success bool, msg string) []byte {
	b := NewBuffer(endian)
	b.PutUint32(sid)
	b.PutUint32(ioid)
	b.PutUint8(subcmdInit)
	b.PutStatus(success, msg)
	if success {
		scalarDesc().EncodeDesc(b)
	}
	return b.Bytes()
}

func buildDataReply(endian Endian, sid, ioid uint32, final bool, value int32) []byte {
	b := NewBuffer(endian)
	b.PutUint32(sid)
	b.PutUint32(ioid)
	subcmd := uint8(0)
	if final {
		subcmd = finalBit
	}
	b.PutUint8(subcmd)
	// Status is only on the wire for a final frame; an ordinary update has
	// no status byte at all (see handleDataReply).
	if final {
		b.PutStatus(true, "")
	}
	v := NewValue(scalarDesc())
	v.Set("value", value)
	mask := BitMask{}
	mask.Set(0)
	v.EncodeDelta(b, mask)
	b.PutBitMask(BitMask{}) // overrun, empty
	return b.Bytes()
}

// buildAndAttach starts a Monitor against a fresh net.Pipe connection,
// plays the fake server through the INIT handshake, and leaves a
// background goroutine draining every further client->server frame (START,
// ACK, DESTROY_REQUEST) into a channel the test can inspect, so that
// net.Pipe's synchronous, unbuffered writes never stall the connection's
// single loop goroutine.
func buildAndAttach(t *testing.T, opts func(*Builder)) (m *Monitor, conn *Connection, remote net.Conn, sid uint32, outgoing <-chan clientFrame) {
	t.Helper()
	local, remote := net.Pipe()
	conn = NewConnection(local, BigEndian)
	t.Cleanup(func() { conn.Close() })

	ch := conn.Channel("test:counter")
	sid = 7

	b := NewBuilder(ch)
	b.PVRequest(NewValue(scalarDesc()))
	// Keep the queue free of the synthetic Connected entry by default so
	// scenario assertions can pop exactly the values under test;
	// TestMonitorConnectedEntryIsQueuedUnlessMasked re-enables it.
	b.MaskConnected(true)
	if opts != nil {
		opts(b)
	}

	var err error
	m, err = b.Build(context.Background())
	require.NoError(t, err)

	// net.Pipe is unbuffered and synchronous: channelLive's INIT write
	// blocks until something reads it, so kick it off via Dispatch
	// (fire-and-forget) rather than Call, which would deadlock here
	// waiting for a write nothing is yet draining.
	require.NoError(t, conn.loop.Dispatch(func() { ch.live(sid) }))

	frames := make(chan clientFrame, 16)
	go func() {
		for {
			f, err := readOneClientFrame(remote, BigEndian)
			if err != nil {
				close(frames)
				return
			}
			frames <- f
		}
	}()

	var initFrame clientFrame
	select {
	case f, ok := <-frames:
		require.True(t, ok)
		initFrame = f
	case <-time.After(time.Second):
		t.Fatal("INIT frame never sent")
	}
	require.Equal(t, appPVMonitor, initFrame.cmd)

	d := NewDecoder(initFrame.body, BigEndian)
	gotSid := d.GetUint32()
	ioid := d.GetUint32()
	assert.EqualValues(t, sid, gotSid)

	serverWriteFrame(t, remote, BigEndian, appPVMonitor, buildInitReply(BigEndian, sid, ioid, true, ""))

	return m, conn, remote, sid, frames
}

// waitForState polls (via Call, so the read is synchronized with the loop)
// until sub reaches want or the timeout elapses.
func waitForState(t *testing.T, conn *Connection, sub *Subscription, want state) {
	t.Helper()
	require.Eventually(t, func() bool {
		var got state
		_ = conn.loop.Call(func() error { got = sub.st; return nil })
		return got == want
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorAutostartDeliversValues(t *testing.T) {
	m, conn, remote, sid, frames := buildAndAttach(t, nil)
	waitForState(t, conn, m.sub, stateRunning)

	select {
	case f := <-frames: // the implicit START
		assert.Equal(t, appPVMonitor, f.cmd)
	case <-time.After(time.Second):
		t.Fatal("START frame never sent")
	}

	ioid := m.sub.ioid
	serverWriteFrame(t, remote, BigEndian, appPVMonitor, buildDataReply(BigEndian, sid, ioid, false, 42))

	require.Eventually(t, func() bool {
		v, err := m.Pop()
		if err != nil || v == nil {
			return false
		}
		n, _ := v.Get("value")
		return n == int32(42)
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorFinalReplyTerminatesSubscription(t *testing.T) {
	m, conn, remote, sid, frames := buildAndAttach(t, nil)
	waitForState(t, conn, m.sub, stateRunning)
	<-frames // implicit START

	ioid := m.sub.ioid
	serverWriteFrame(t, remote, BigEndian, appPVMonitor, buildDataReply(BigEndian, sid, ioid, true, 99))

	waitForState(t, conn, m.sub, stateDone)

	v, err := m.Pop()
	require.NoError(t, err)
	require.NotNil(t, v)
	n, _ := v.Get("value")
	assert.EqualValues(t, 99, n)

	v, err = m.Pop()
	require.Nil(t, v)
	assert.ErrorAs(t, err, new(*Finished))

	v, err = m.Pop()
	assert.Nil(t, v)
	assert.NoError(t, err)
}

func TestMonitorConnectedEntryIsQueuedUnlessMasked(t *testing.T) {
	m, conn, _, _, frames := buildAndAttach(t, func(b *Builder) {
		b.MaskConnected(false)
	})
	waitForState(t, conn, m.sub, stateRunning)
	<-frames // implicit START

	v, err := m.Pop()
	assert.Nil(t, v)
	assert.ErrorAs(t, err, new(*Connected))
}

func TestMonitorDisconnectMidStreamRequeuesOnPending(t *testing.T) {
	m, conn, remote, _, frames := buildAndAttach(t, func(b *Builder) {
		b.MaskDisconnected(false)
	})
	waitForState(t, conn, m.sub, stateRunning)
	<-frames // implicit START

	remote.Close()

	require.Eventually(t, func() bool {
		v, err := m.Pop()
		if err == nil {
			return false
		}
		_, ok := err.(*Disconnect)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.loop.Call(func() error {
		assert.Equal(t, stateConnecting, m.sub.st)
		assert.Contains(t, m.sub.chan_.pending, m.sub)
		return nil
	}))
}

func TestMonitorCancelTransitionsToDoneAndSendsDestroy(t *testing.T) {
	m, conn, _, _, frames := buildAndAttach(t, nil)
	waitForState(t, conn, m.sub, stateRunning)
	<-frames // implicit START

	require.NoError(t, m.Cancel())

	select {
	case f := <-frames:
		d := NewDecoder(f.body, BigEndian)
		d.GetUint32() // sid
		d.GetUint32() // ioid
		assert.Equal(t, uint8(0x20), d.GetUint8())
	case <-time.After(time.Second):
		t.Fatal("DESTROY_REQUEST never observed after Cancel")
	}

	assert.Equal(t, stateDone, m.sub.st)
}

func TestMonitorPauseTogglesStartAndStopWithoutAutostart(t *testing.T) {
	m, conn, _, _, frames := buildAndAttach(t, func(b *Builder) {
		b.Autostart(false)
	})

	require.Eventually(t, func() bool {
		var got state
		_ = conn.loop.Call(func() error { got = m.sub.st; return nil })
		return got == stateIdle
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Pause(false))
	waitForState(t, conn, m.sub, stateRunning)
	select {
	case f := <-frames:
		d := NewDecoder(f.body, BigEndian)
		d.GetUint32()
		d.GetUint32()
		assert.Equal(t, uint8(0x44), d.GetUint8())
	case <-time.After(time.Second):
		t.Fatal("START frame never sent after Pause(false)")
	}

	require.NoError(t, m.Pause(true))
	waitForState(t, conn, m.sub, stateIdle)
	select {
	case f := <-frames:
		d := NewDecoder(f.body, BigEndian)
		d.GetUint32()
		d.GetUint32()
		assert.Equal(t, uint8(0x04), d.GetUint8())
	case <-time.After(time.Second):
		t.Fatal("STOP frame never sent after Pause(true)")
	}
}

func TestBuilderAppliesPVRequestOptionsWhenNotSetExplicitly(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewConnection(local, BigEndian)
	t.Cleanup(func() { conn.Close() })
	defer remote.Close()

	ch := conn.Channel("test:options")

	pv := NewValue(scalarDesc())
	opts := NewValue(&TypeDesc{})
	opts.Set("pipeline", true)
	opts.Set("queueSize", uint32(16))
	opts.Set("ackAny", "50%")
	pv.Set("record._options", opts)

	b := NewBuilder(ch)
	b.PVRequest(pv)

	m, err := b.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.loop.Call(func() error {
		assert.True(t, m.sub.pipeline)
		assert.EqualValues(t, 16, m.sub.queueSize)
		assert.EqualValues(t, 8, m.sub.ackAt)
		return nil
	}))
}

func TestBuilderExplicitSettersOverridePVRequestOptions(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewConnection(local, BigEndian)
	t.Cleanup(func() { conn.Close() })
	defer remote.Close()

	ch := conn.Channel("test:options-override")

	pv := NewValue(scalarDesc())
	opts := NewValue(&TypeDesc{})
	opts.Set("pipeline", true)
	opts.Set("queueSize", uint32(16))
	pv.Set("record._options", opts)

	b := NewBuilder(ch)
	b.PVRequest(pv)
	b.Pipeline(false)
	b.QueueSize(2)

	m, err := b.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.loop.Call(func() error {
		assert.False(t, m.sub.pipeline)
		assert.EqualValues(t, 2, m.sub.queueSize)
		return nil
	}))
}

func TestConnectionStatsAggregatesAcrossSubscription(t *testing.T) {
	m, conn, remote, sid, frames := buildAndAttach(t, nil)
	waitForState(t, conn, m.sub, stateRunning)
	<-frames // implicit START

	ioid := m.sub.ioid
	serverWriteFrame(t, remote, BigEndian, appPVMonitor, buildDataReply(BigEndian, sid, ioid, false, 1))
	serverWriteFrame(t, remote, BigEndian, appPVMonitor, buildDataReply(BigEndian, sid, ioid, true, 2))

	waitForState(t, conn, m.sub, stateDone)

	require.Eventually(t, func() bool {
		return conn.Stats().TotalEnqueued >= 2
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, conn.Stats().ActiveSubscriptions)
}

func TestDuplicateFinalReplyIsCountedNotFaulted(t *testing.T) {
	m, conn, remote, sid, frames := buildAndAttach(t, nil)
	waitForState(t, conn, m.sub, stateRunning)
	<-frames // implicit START

	ioid := m.sub.ioid
	serverWriteFrame(t, remote, BigEndian, appPVMonitor, buildDataReply(BigEndian, sid, ioid, true, 7))
	waitForState(t, conn, m.sub, stateDone)

	// A racing duplicate final for the same, now torn-down, ioid: the
	// server resent it before seeing the client's DESTROY_REQUEST.
	serverWriteFrame(t, remote, BigEndian, appPVMonitor, buildDataReply(BigEndian, sid, ioid, true, 7))

	require.Eventually(t, func() bool {
		return conn.Stats().TotalDroppedDuplicateFinal == 1
	}, time.Second, 5*time.Millisecond)
}

func TestProtocolFaultClosesConnection(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewConnection(local, BigEndian)
	t.Cleanup(func() { conn.Close() })
	defer remote.Close()

	require.NoError(t, conn.loop.Call(func() error {
		conn.opByIOID[99] = &RequestInfo{opKind: 0xFF} // never a valid MONITOR opKind
		return nil
	}))

	b := NewBuffer(BigEndian)
	b.PutUint32(1)  // sid
	b.PutUint32(99) // ioid
	b.PutUint8(0)   // subcmd, irrelevant: opKind mismatch faults first
	serverWriteFrame(t, remote, BigEndian, appPVMonitor, b.Bytes())

	require.Eventually(t, func() bool {
		return conn.loop.Call(func() error { return nil }) == ErrLoopClosed
	}, time.Second, 5*time.Millisecond)
}
