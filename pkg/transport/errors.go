package transport

// Error is a simple error type for transport errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors shared by transport implementations.
var (
	// ErrNoTransport is returned by a facade operation when no transport
	// has been installed.
	ErrNoTransport = Error("no transport installed")

	// ErrNotConnected is returned by Send when the peer has no
	// established session.
	ErrNotConnected = Error("peer is not connected")

	// ErrAlreadyConnected is returned by Connect when a session already
	// exists or a dial is in flight. Disconnect first.
	ErrAlreadyConnected = Error("peer is already connected")

	// ErrAlreadyRunning is returned by Start when the server is running.
	// Stop first.
	ErrAlreadyRunning = Error("server is already running")

	// ErrNotRunning is returned by server operations that require a
	// running listener.
	ErrNotRunning = Error("server is not running")

	// ErrPeerNotFound is returned when addressing a peer id that is not
	// connected.
	ErrPeerNotFound = Error("peer not found")

	// ErrInvalidPayload is returned by Send when the payload is not a
	// Message value.
	ErrInvalidPayload = Error("payload must be a transport.Message")

	// ErrInvalidAddress is returned by Connect when the address cannot be
	// parsed for the transport in use.
	ErrInvalidAddress = Error("invalid address")
)
