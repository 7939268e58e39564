package dispatch

import (
	"fmt"

	"github.com/gridlink/gridlink/pkg/transport"
)

// ReceiverBoundHandlerError reports a candidate that is bound to a
// receiver instance. Raised during Build; always fatal to startup.
type ReceiverBoundHandlerError struct {
	// Handler is the offending candidate's name.
	Handler string
	Group   GroupID
	Message transport.MessageID
}

func (e *ReceiverBoundHandlerError) Error() string {
	return fmt.Sprintf("dispatch: handler %q (group %d, message %d) is bound to a receiver instance; register a free function instead",
		e.Handler, e.Group, e.Message)
}

// DuplicateHandlerError reports two candidates in the same group claiming
// the same message id. Raised during Build; always fatal to startup.
type DuplicateHandlerError struct {
	Message transport.MessageID
	// First is the candidate already in the table, Second the one that
	// collided with it.
	First  string
	Second string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("dispatch: message id %d claimed by both %q and %q",
		e.Message, e.First, e.Second)
}
