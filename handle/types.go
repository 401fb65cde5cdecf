package handle

// Handle is an opaque reference to a native object in a table.
// Handle 0 is reserved and always invalid.
type Handle uint64

// Category identifies one handle namespace.
type Category uint8

const (
	CategoryNode Category = iota + 1
	CategorySession
	CategoryStream
	CategoryGroup
	CategoryFileTransfer
)

var categoryNames = map[Category]string{
	CategoryNode:         "node",
	CategorySession:      "session",
	CategoryStream:       "stream",
	CategoryGroup:        "group",
	CategoryFileTransfer: "file_transfer",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{CategoryNode, CategorySession, CategoryStream, CategoryGroup, CategoryFileTransfer}
}

// EventType is the kind of lifecycle notification.
type EventType uint8

const (
	EventAllocated EventType = iota
	EventReleased
)

// Event represents a handle lifecycle event.
type Event struct {
	Value    any
	Handle   Handle
	Owner    Handle
	Category Category
	Type     EventType
}

// Observer receives notifications about handle lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}

// Dropper is optionally implemented by values that need cleanup on release.
type Dropper interface {
	Drop()
}
