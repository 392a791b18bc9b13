package pva

import "fmt"

// Connected is delivered through a Subscription's queue when the INIT
// request has been sent to the server, unless MaskConnected suppresses it.
type Connected struct {
	Peer string
}

func (e *Connected) Error() string { return fmt.Sprintf("connected to %s", e.Peer) }

// Disconnect is delivered through a Subscription's queue when the underlying
// connection drops, unless MaskDisconnected suppresses it (the default).
type Disconnect struct{}

func (e *Disconnect) Error() string { return "disconnected" }

// Finished is delivered through a Subscription's queue after the last value
// of a successfully-terminated monitor. It is always terminal: the
// Subscription transitions to Done in the same step that enqueues it.
type Finished struct{}

func (e *Finished) Error() string { return "monitor finished" }

// RemoteError wraps a non-success Status reported by the server for this
// operation. It is always terminal.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

var (
	// ErrLoopClosed is returned by Dispatch/Call when the event loop has
	// already been asked to stop.
	ErrLoopClosed = fmt.Errorf("pva: event loop closed")

	// ErrLoopBusy is returned by Dispatch when the action queue is full.
	// The caller's closure was never run.
	ErrLoopBusy = fmt.Errorf("pva: event loop dispatch queue full")

	// ErrProtocolFault is returned (and wrapped with context) when an
	// inbound frame violates the protocol: a decode truncation, a state/
	// subcmd mismatch, or an ioid resolving to a non-MONITOR operation.
	// The caller must close the Connection on receipt.
	ErrProtocolFault = fmt.Errorf("pva: protocol fault")

	// ErrClosed is returned by Pause calls made against a Subscription
	// already in the Done state. Pop and Cancel do not return it: Pop
	// drains what is queued and then returns (nil, nil), and Cancel is a
	// no-op once Done.
	ErrClosed = fmt.Errorf("pva: subscription closed")
)
