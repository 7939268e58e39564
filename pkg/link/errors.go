package link

// Error is a sentinel error returned by facade constructors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// ErrTableShape reports a dispatch table built for one side of the link
// being handed to the facade of the other side.
const ErrTableShape = Error("link: handler table shape does not match facade")
