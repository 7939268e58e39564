// Package dispatch builds and owns the message routing tables that map
// inbound message ids to handler functions.
//
// Handlers are registered explicitly: the host application lists every
// candidate as a Handler value tagged with a group and a message id, and
// Build compiles the candidates for one group into an immutable Table.
// Groups let one process carry several independent tables (for example, a
// client table and a server table built from the same pool).
//
// # Validation
//
// Build applies an asymmetric policy, deliberately:
//
//   - A candidate carrying a Receiver is a fatal configuration error.
//     Tables live for the whole process and must not pin any instance, so
//     Build aborts with a *ReceiverBoundHandlerError naming the handler.
//   - A candidate whose Fn does not fit the requested shape is excluded
//     silently. No error, no log entry; the table is simply built without
//     it.
//   - Two candidates claiming the same message id in one group abort the
//     build with a *DuplicateHandlerError naming both.
//
// Build stops at the first fatal error rather than collecting them.
//
// # Dispatch
//
// Dispatch is a synchronous table lookup. A hit invokes the handler on
// the calling goroutine; whatever the handler does, including panicking,
// is the handler author's business and is not intercepted here. A miss is
// logged at warn level and dropped; it is never an error.
//
//	table, err := dispatch.Build(dispatch.Config{
//	    Group: 1,
//	    Shape: dispatch.ShapeServer,
//	    Handlers: []dispatch.Handler{
//	        {Group: 1, Message: 10, Name: "move", Fn: onMove},
//	        {Group: 1, Message: 11, Name: "chat", Fn: onChat},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err) // configuration errors abort startup
//	}
//	table.Dispatch(msg)
package dispatch
