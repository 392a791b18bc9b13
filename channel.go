package pva

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sagernet/sing/common/bufio"
	log "github.com/sirupsen/logrus"
)

// appPVMonitor is the PVA application message command used to frame every
// message this module sends or parses, kept as a single named constant the
// way smux's cmdSYN/cmdPSH/cmdFIN constants are declared in session.go.
const appPVMonitor uint8 = 0x0D

// RequestInfo is the dispatch-side lookup entry for one in-flight ioid: a
// weak reference to its Subscription. clientmon.cpp keeps this as a
// std::weak_ptr so a Subscription can be destroyed out from under a pending
// request without Connection knowing; here that's modeled as a plain map
// whose entry is removed by Subscription.teardown, so a later frame for the
// same ioid simply misses: an unknown ioid is ignored, logged at Debug for
// an INIT reply and at Error otherwise.
type RequestInfo struct {
	sub    *Subscription
	opKind uint8 // must equal the MONITOR opKind for this ioid
}

// Channel is one named PV the user has asked to monitor, owning zero or
// more Subscriptions against the same sid once the server has created it.
// Mirrors smux's per-stream bookkeeping (session.go's streams map) scoped
// down to one channel name instead of one multiplexed stream.
type Channel struct {
	name    string
	sid     uint32
	isLive  bool
	conn    *Connection

	mu       sync.Mutex
	pending  []*Subscription // Connecting subs waiting for this channel to be live
	opByIOID map[uint32]*Subscription
}

// addSubscription registers sub against this channel, kicking off its
// channelLive transition immediately if the channel is already live or
// queuing it on pending otherwise. Must run on the connection's loop.
func (c *Channel) addSubscription(sub *Subscription) {
	c.conn.loop.assertInLoop()
	sub.st = stateConnecting
	if c.isLive {
		sub.sid = c.sid
		sub.channelLive(c.conn)
		return
	}
	c.pending = append(c.pending, sub)
}

// live is called once CREATE_CHANNEL succeeds, handing Channel its sid and
// kicking every pending Subscription's channelLive transition.
func (c *Channel) live(sid uint32) {
	c.conn.loop.assertInLoop()
	c.sid = sid
	c.isLive = true
	pending := c.pending
	c.pending = nil
	for _, s := range pending {
		s.sid = sid
		s.channelLive(c.conn)
	}
}

// Connection owns one TCP byte stream to a PVA server and the single Loop
// serializing every protocol action against it, matching smux's Session:
// one net.Conn, one send path, one table of live operations keyed by id.
// Only the minimal subset needed to exercise a MONITOR exchange is
// implemented; CREATE_CHANNEL/DESTROY_CHANNEL framing for establishing sid
// is assumed done by a collaborator outside this module's scope (the
// channel/transport boundary this core dispatches against).
type Connection struct {
	nc       net.Conn
	loop     *Loop
	endian   Endian
	peerName string

	mu            sync.Mutex
	channels      map[string]*Channel
	opByIOID      map[uint32]*RequestInfo
	nextIOID      uint32
	finishedIOIDs map[uint32]struct{}
	finishedOrder []uint32

	statsMu                    sync.Mutex
	totalEnqueued              uint64
	totalSquashed              uint64
	totalDroppedDuplicateFinal uint64

	writeMu sync.Mutex
	closed  bool
}

// finishedIOIDsCap bounds the memory a long-lived Connection spends
// remembering which ioids reached Done via a final reply, so a stray
// duplicate final arriving soon after can be recognized (see
// wasFinishedIOID) without retaining this history forever.
const finishedIOIDsCap = 64

// markFinishedIOID records that ioid reached Done via a final reply,
// evicting the oldest entry once finishedIOIDsCap is exceeded.
func (c *Connection) markFinishedIOID(ioid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedIOIDs == nil {
		c.finishedIOIDs = make(map[uint32]struct{})
	}
	c.finishedIOIDs[ioid] = struct{}{}
	c.finishedOrder = append(c.finishedOrder, ioid)
	if len(c.finishedOrder) > finishedIOIDsCap {
		old := c.finishedOrder[0]
		c.finishedOrder = c.finishedOrder[1:]
		delete(c.finishedIOIDs, old)
	}
}

// wasFinishedIOID reports whether ioid was last seen reaching Done via a
// final reply, distinguishing a server-side duplicate final (the server
// races its own teardown and resends) from an ordinary unknown-ioid miss
// such as a reply racing a client-side Cancel.
func (c *Connection) wasFinishedIOID(ioid uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finishedIOIDs[ioid]
	return ok
}

// ConnStats is a point-in-time snapshot of aggregate monitor activity
// across every Subscription this Connection has ever hosted, the
// connection-level counterpart of pvxs' INST_COUNTER-style diagnostics.
type ConnStats struct {
	ActiveSubscriptions        uint64
	TotalEnqueued              uint64
	TotalSquashed              uint64
	TotalDroppedDuplicateFinal uint64
}

// Stats returns a ConnStats snapshot. Safe to call from any goroutine.
func (c *Connection) Stats() ConnStats {
	c.mu.Lock()
	active := uint64(len(c.opByIOID))
	c.mu.Unlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return ConnStats{
		ActiveSubscriptions:        active,
		TotalEnqueued:              c.totalEnqueued,
		TotalSquashed:              c.totalSquashed,
		TotalDroppedDuplicateFinal: c.totalDroppedDuplicateFinal,
	}
}

func (c *Connection) noteEnqueued() {
	c.statsMu.Lock()
	c.totalEnqueued++
	c.statsMu.Unlock()
}

func (c *Connection) noteSquashed() {
	c.statsMu.Lock()
	c.totalSquashed++
	c.statsMu.Unlock()
}

func (c *Connection) noteDroppedDuplicateFinal() {
	c.statsMu.Lock()
	c.totalDroppedDuplicateFinal++
	c.statsMu.Unlock()
}

// NewConnection wraps nc with a fresh Loop and begins its single-goroutine
// read pump. The caller retains ownership of nc's lifetime via Close.
func NewConnection(nc net.Conn, endian Endian) *Connection {
	c := &Connection{
		nc:       nc,
		loop:     NewLoop(),
		endian:   endian,
		peerName: nc.RemoteAddr().String(),
		channels: make(map[string]*Channel),
		opByIOID: make(map[uint32]*RequestInfo),
	}
	go c.recvLoop()
	return c
}

// Channel returns (creating if necessary) the named Channel, to be used as
// the target of NewBuilder.
func (c *Connection) Channel(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &Channel{name: name, conn: c, opByIOID: make(map[uint32]*Subscription)}
	c.channels[name] = ch
	return ch
}

// allocIOID returns the next request id for this Connection, skipping 0
// (reserved, as in clientmon.cpp, to double as a "no request" sentinel).
func (c *Connection) allocIOID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIOID++
	if c.nextIOID == 0 {
		c.nextIOID = 1
	}
	return c.nextIOID
}

func (c *Connection) registerOp(ioid uint32, sub *Subscription) {
	c.mu.Lock()
	c.opByIOID[ioid] = &RequestInfo{sub: sub, opKind: appPVMonitor}
	c.mu.Unlock()
}

func (c *Connection) lookupOp(ioid uint32) (*RequestInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ri, ok := c.opByIOID[ioid]
	return ri, ok
}

// sendMonitor writes a length-prefixed application frame carrying b's bytes
// under the MONITOR command, using sing's vectorised writer the way
// session.go's writeFrames batches multiple pending frames into one
// syscall.
func (c *Connection) sendMonitor(b *Buffer) {
	c.sendFrame(appPVMonitor, b.Bytes())
}

func (c *Connection) sendFrame(cmd uint8, body []byte) {
	head := NewBuffer(c.endian)
	head.PutUint8(cmd)
	head.PutUint32(uint32(len(body)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}

	if bw, ok := bufio.CreateVectorisedWriter(c.nc); ok && len(body) > 0 {
		if _, err := bufio.WriteVectorised(bw, [][]byte{head.Bytes(), body}); err != nil {
			log.WithError(err).Warn("monitor connection write failed")
		}
		return
	}

	if _, err := c.nc.Write(head.Bytes()); err != nil {
		log.WithError(err).Warn("monitor connection write failed")
		return
	}
	if len(body) == 0 {
		return
	}
	if _, err := c.nc.Write(body); err != nil {
		log.WithError(err).Warn("monitor connection write failed")
	}
}

// sendDestroy sends a DESTROY_REQUEST subcmd for (sid, ioid), used by both
// explicit Cancel and the final-reply teardown path (Subscription.finish).
func (c *Connection) sendDestroy(sid, ioid uint32) {
	b := NewBuffer(c.endian)
	b.PutUint32(sid)
	b.PutUint32(ioid)
	b.PutUint8(subcmdDestroy)
	c.sendMonitor(b)
}

// recvLoop is the Connection's single reader goroutine: it reads framed
// messages and hands MONITOR frames to HandleMonitor on the loop, matching
// smux's recvLoop reading frames off the wire and routing them to streams
// by sid. Framing for non-MONITOR application commands is intentionally
// out of scope; this pump treats any other command as a boundary to skip.
// A protocol fault from HandleMonitor closes the Connection outright, per
// ErrProtocolFault's documented contract, since nothing on this socket can
// be trusted to resynchronize after one.
func (c *Connection) recvLoop() {
	defer c.teardown()
	for {
		cmd, body, err := c.readFrame()
		if err != nil {
			return
		}
		if cmd != appPVMonitor {
			continue
		}
		frame := body
		if err := c.loop.Call(func() error {
			return c.HandleMonitor(frame)
		}); err != nil {
			if errors.Is(err, ErrProtocolFault) {
				log.WithError(err).Error("monitor protocol fault, closing connection")
				c.Close()
				return
			}
			log.WithError(err).Debug("monitor dispatch on closed loop")
			return
		}
	}
}

func (c *Connection) readFrame() (cmd uint8, body []byte, err error) {
	head := make([]byte, 5)
	if _, err = ioReadFull(c.nc, head); err != nil {
		return 0, nil, err
	}
	d := NewDecoder(head, c.endian)
	cmd = d.GetUint8()
	n := d.GetUint32()
	body = make([]byte, n)
	if n > 0 {
		if _, err = ioReadFull(c.nc, body); err != nil {
			return 0, nil, err
		}
	}
	return cmd, body, nil
}

// ioReadFull is a thin indirection over io.ReadFull kept local so this
// file's only stdlib transport dependency is net, matching how session.go
// keeps net.Conn as its sole transport primitive and leaves framing detail
// local to the file.
func ioReadFull(nc net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := nc.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// teardown marks every live Subscription on this Connection disconnected,
// matching clientmon.cpp's Connection destructor sweeping every channel's
// operations on socket loss.
func (c *Connection) teardown() {
	_ = c.loop.Call(func() error {
		c.mu.Lock()
		ops := make([]*RequestInfo, 0, len(c.opByIOID))
		for _, ri := range c.opByIOID {
			ops = append(ops, ri)
		}
		c.opByIOID = make(map[uint32]*RequestInfo)
		c.mu.Unlock()

		for _, ri := range ops {
			ri.sub.disconnected()
		}
		return nil
	})
}

// Close stops the read pump's effect on protocol state and closes the
// underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	c.writeMu.Unlock()
	err := c.nc.Close()
	c.loop.Close()
	return err
}

// Dial opens a TCP connection to addr and wraps it as a Connection. Tests
// construct Connections directly around net.Pipe instead.
func Dial(ctx context.Context, addr string, endian Endian) (*Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "pva: dial")
	}
	return NewConnection(nc, endian), nil
}
