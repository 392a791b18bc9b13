package pva

import (
	log "github.com/sirupsen/logrus"
)

// Monitor subcmd bits, named individually rather than packed into one enum
// so handle_MONITOR's bit tests read the same way clientmon.cpp's do.
const (
	subcmdInit     uint8 = 0x08
	subcmdPipeline uint8 = 0x80
	subcmdStart    uint8 = 0x44
	subcmdStop     uint8 = 0x04
	subcmdDestroy  uint8 = 0x20
)

// finalBit marks the last update of a terminated monitor, distinct from
// the subcmd bits above because it is carried on ordinary data frames too.
const finalBit uint8 = 0x10

// HandleMonitor parses one inbound MONITOR application frame and applies it
// to the Subscription it targets. Always called on the owning Loop (from
// Connection.recvLoop, or directly by tests). Grounded on clientmon.cpp's
// Connection::handle_MONITOR, which this function follows nearly line for
// line: resolve ioid, check op kind, branch on INIT vs data, decode body,
// apply the squash policy.
func (c *Connection) HandleMonitor(frame []byte) error {
	d := NewDecoder(frame, c.endian)
	sid := d.GetUint32()
	ioid := d.GetUint32()
	subcmd := d.GetUint8()
	if !d.Good() {
		return ErrProtocolFault
	}

	ri, ok := c.lookupOp(ioid)
	if !ok {
		if c.wasFinishedIOID(ioid) {
			c.noteDroppedDuplicateFinal()
			log.WithField("ioid", ioid).Debug("monitor reply for already-finished ioid, dropped as duplicate")
			return nil
		}
		// An unknown INIT reply is logged quietly; any other unknown reply
		// is logged as an error, since it may mean the receive-side type
		// information is out of step with the server. Neither closes the
		// connection.
		if subcmd&subcmdInit != 0 {
			log.WithField("ioid", ioid).Debug("monitor INIT reply for unknown ioid")
		} else {
			log.WithField("ioid", ioid).Error("monitor reply for unknown ioid")
		}
		return nil
	}
	if ri.opKind != appPVMonitor {
		log.WithField("ioid", ioid).Error("monitor ioid resolves to non-monitor operation")
		return ErrProtocolFault
	}

	sub := ri.sub
	_ = sid

	if subcmd&subcmdInit != 0 {
		return c.handleInitReply(sub, d)
	}
	return c.handleDataReply(sub, d, subcmd)
}

// handleInitReply processes the INIT reply: status, then (on success) the
// type descriptor prototype, then triggers autostart's implicit START. The
// pipeline credit window is armed earlier, at INIT-send time
// (Subscription.channelLive), matching createOp()'s ordering: the window is
// available as soon as the request is posted, not deferred until the server
// replies.
func (c *Connection) handleInitReply(sub *Subscription, d *Decoder) error {
	if sub.st != stateCreating {
		sub.log().Error("monitor INIT reply in unexpected state")
		return ErrProtocolFault
	}

	ok, msg, err := d.GetStatus()
	if err != nil {
		return err
	}
	if !ok {
		sub.remoteFailed(msg)
		return nil
	}

	sub.prototype = DecodeTypeDesc(d)
	if !d.Good() {
		return ErrProtocolFault
	}

	sub.st = stateIdle
	sub.log().Debug("monitor created")

	if sub.autostart {
		sub.start()
	}
	return nil
}

// handleDataReply processes a data/status update on an established
// monitor. A status field is only present on the wire when the frame is
// final, matching clientmon.cpp's handle_MONITOR ("if(init||final)
// from_wire(M, sts)"); a non-final update carries no status at all and
// goes straight to the delta-encoded Value, decoded against sub.prototype.
// A non-success final status is terminal (RemoteError). Every data frame
// also carries an overrun bitmask (decoded and discarded, since this
// client does not track per-field staleness beyond what squashing already
// implies) and the FINAL bit.
func (c *Connection) handleDataReply(sub *Subscription, d *Decoder, subcmd uint8) error {
	final := subcmd&finalBit != 0

	// sub.st can never already be stateDone here: teardown (reached only
	// via finish/cancel/remoteFailed) removes this ioid from both
	// Connection.opByIOID and Channel.opByIOID in the same step that sets
	// Done, so a later reply for the same ioid misses lookupOp entirely
	// (see wasFinishedIOID, which is where a genuine duplicate final is
	// actually caught).
	if sub.st != stateIdle && sub.st != stateRunning {
		sub.log().Error("monitor data reply in unexpected state")
		return ErrProtocolFault
	}

	if final {
		ok, msg, err := d.GetStatus()
		if err != nil {
			return err
		}
		if !ok {
			sub.remoteFailed(msg)
			return nil
		}
	}

	data := sub.prototype
	val := NewValue(data)
	val.DecodeValid(d)

	// overrun bitmask: fields dropped by server-side squashing upstream of
	// this client. This client's own queue squash (Subscription.deliver)
	// already subsumes that signal for delivery purposes, so the mask is
	// decoded, to keep the frame's byte alignment correct, and discarded.
	_ = d.GetBitMask()
	if !d.Good() {
		return ErrProtocolFault
	}

	sub.deliver(valueEntry(val), final)

	if final {
		sub.finish(false)
	}
	return nil
}
