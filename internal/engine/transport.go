package engine

import "context"

// Receiver is the reception side of the transport contract. The engine
// implements it; a Transport calls it from its receive loop.
//
// Both methods must only be called from a single producer goroutine. Neither
// blocks.
type Receiver interface {
	// RxBufRequest returns the buffer to receive into next.
	RxBufRequest() []byte
	// RxReady reports that buf[offset:offset+length] holds newly received
	// bytes. buf must have come from RxBufRequest.
	RxReady(buf []byte, offset, length int)
}

// FlowController is implemented by receivers that let a producer which is
// free to block wait for room instead of overrunning. Transports fed from a
// file rather than a device use it.
type FlowController interface {
	WaitRoom(ctx context.Context) error
}

// Transport is a byte link to the receiver, typically a serial port.
type Transport interface {
	// Start begins delivering received bytes to rx until ctx is done or the
	// transport is closed. It returns an error if the link is unusable.
	Start(ctx context.Context, rx Receiver) error
	// Transmit writes p in full and returns once the write has completed.
	Transmit(p []byte) error
	Close() error
}
