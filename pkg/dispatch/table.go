package dispatch

import (
	"log/slog"

	"github.com/gridlink/gridlink/pkg/transport"
)

// Config describes one table build.
type Config struct {
	// Group selects which candidates participate; all others are ignored
	// without inspection.
	Group GroupID

	// Shape selects the handler signature the table invokes.
	Shape Shape

	// Handlers is the full candidate pool. May be nil for an empty table.
	Handlers []Handler

	// Logger receives the dropped-message warnings Dispatch emits on a
	// table miss. Defaults to slog.Default.
	Logger *slog.Logger
}

// Table is an immutable message-id-to-handler mapping for one group.
// Built once at startup, read-only afterwards, and therefore safe to
// share across every Tick for the life of the process.
type Table struct {
	group   GroupID
	shape   Shape
	entries map[transport.MessageID]entry
	logger  *slog.Logger
}

type entry struct {
	name   string
	invoke func(transport.Message)
}

// Build compiles the candidates for cfg.Group into a Table.
//
// It returns a *ReceiverBoundHandlerError or *DuplicateHandlerError on
// the first invalid candidate it meets; these are configuration errors
// and must abort startup before any networking begins. Candidates whose
// callable does not fit cfg.Shape are excluded from the table silently.
func Build(cfg Config) (*Table, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Table{
		group:   cfg.Group,
		shape:   cfg.Shape,
		entries: make(map[transport.MessageID]entry),
		logger:  logger,
	}

	for _, h := range cfg.Handlers {
		if h.Group != cfg.Group {
			continue
		}
		if h.Receiver != nil {
			return nil, &ReceiverBoundHandlerError{
				Handler: h.name(),
				Group:   h.Group,
				Message: h.Message,
			}
		}
		invoke, ok := adapt(h.Fn, cfg.Shape)
		if !ok {
			// Shape mismatch: excluded without error or diagnostic.
			continue
		}
		if prev, exists := t.entries[h.Message]; exists {
			return nil, &DuplicateHandlerError{
				Message: h.Message,
				First:   prev.name,
				Second:  h.name(),
			}
		}
		t.entries[h.Message] = entry{name: h.name(), invoke: invoke}
	}

	return t, nil
}

// Dispatch routes msg to the handler registered for its id and reports
// whether one was invoked.
//
// A miss logs a warning and drops the message; it never fails. A hit
// invokes the handler synchronously on the calling goroutine; failures
// and panics inside the handler are not caught here and propagate to the
// caller unmodified.
func (t *Table) Dispatch(msg transport.Message) bool {
	e, ok := t.entries[msg.ID]
	if !ok {
		t.logger.Warn("no handler for message id",
			"group", t.group,
			"message_id", msg.ID,
			"sender", msg.Sender,
		)
		return false
	}
	e.invoke(msg)
	return true
}

// Handles reports whether the table has a handler for id.
func (t *Table) Handles(id transport.MessageID) bool {
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of handlers in the table.
func (t *Table) Len() int {
	return len(t.entries)
}

// Group returns the group the table was built for.
func (t *Table) Group() GroupID {
	return t.group
}

// Shape returns the handler shape the table invokes.
func (t *Table) Shape() Shape {
	return t.shape
}
