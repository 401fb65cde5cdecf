// Package handle issues and tracks the opaque integer handles that stand in
// for native objects on the far side of the bridge.
//
// # Handles
//
// A Handle is a strictly positive uint64. Handle 0 is reserved and always
// invalid. Each Category (node, session, stream, group, file transfer) owns a
// separate Table with its own counter, so a handle from one category is never
// valid in another.
//
// Handles are monotonic and never reused:
//
//	streams := handle.NewTable[native.Stream](handle.CategoryStream)
//
//	h, _ := streams.AllocateOwned(sessionHandle, s)
//	s, ok := streams.Resolve(h)
//	streams.Release(h) // idempotent
//	streams.Release(h) // no-op, returns false
//
// # Reservation
//
// Native constructors may invoke delegates before they return. Reserve hands
// out the handle first so the delegate already knows its identity; Bind
// attaches the native value once construction completes:
//
//	h, _ := sessions.Reserve(nodeHandle)
//	s, err := node.NewSession(peer, &sessionDelegate{handle: h})
//	if err != nil {
//	    sessions.Release(h)
//	    return err
//	}
//	sessions.Bind(h, s)
//
// Reserved but unbound handles do not resolve.
//
// # Observers
//
// Observers receive EventAllocated and EventReleased notifications outside
// the table lock. Values implementing Dropper are dropped on release.
package handle
