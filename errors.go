package bus1

import "errors"

// Error kinds returned by peer and queue operations. Callers are expected to
// test them with errors.Is; operations may wrap them with context.
var (
	// ErrWouldBlock is returned by a receive when the queue holds no
	// readable entry (empty, or blocked behind staged entries).
	ErrWouldBlock = errors.New("bus1: resource temporarily unavailable")

	// ErrNotConnected is returned for operations on a peer that was never
	// connected.
	ErrNotConnected = errors.New("bus1: peer not connected")

	// ErrShutdown is returned for operations on a deactivated peer.
	ErrShutdown = errors.New("bus1: peer shut down")

	// ErrAlreadyConnected is returned by a second client connect.
	ErrAlreadyConnected = errors.New("bus1: peer already connected")

	// ErrInvalidArgument is returned for bad flag combinations, misaligned
	// pool sizes and similar caller mistakes.
	ErrInvalidArgument = errors.New("bus1: invalid argument")

	// ErrMessageTooLarge is returned when a send exceeds VecMax or FdMax.
	ErrMessageTooLarge = errors.New("bus1: message too large")

	// ErrQuotaExceeded is returned when a destination cannot account for
	// the resources a message would pin.
	ErrQuotaExceeded = errors.New("bus1: quota exceeded")

	// ErrMessageDropped is returned by a receive that had to discard the
	// dequeued message (file-descriptor installation failed). The message
	// is consumed and is never re-queued.
	ErrMessageDropped = errors.New("bus1: message dropped")

	// ErrFault is returned when copying to or from a caller-supplied
	// buffer fails bounds validation.
	ErrFault = errors.New("bus1: bad address")

	// ErrOverflow is returned when a queue clock would exceed its range.
	ErrOverflow = errors.New("bus1: clock overflow")

	// ErrNoSuchPeer is returned when a destination id does not resolve.
	ErrNoSuchPeer = errors.New("bus1: no such peer")

	// ErrFilesUnsupported is returned when file-descriptor transfer is
	// requested on a platform without fd installation support.
	ErrFilesUnsupported = errors.New("bus1: file transfer not supported on this platform")
)
