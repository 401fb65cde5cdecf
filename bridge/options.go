package bridge

import (
	"time"

	"github.com/wippyai/carrier-bridge/handle"
	"github.com/wippyai/carrier-bridge/native"
)

// Policy answers the accept/reject questions the SDK asks synchronously
// from its own goroutine. Implementations must not block.
type Policy interface {
	AcceptChannel(stream handle.Handle, channel int, cookie string) bool
	AcceptChannelData(stream handle.Handle, channel int, size int) bool
	AcceptFileData(transfer handle.Handle, fileID string, size int) bool
}

// AcceptAll accepts every channel and every chunk of data.
type AcceptAll struct{}

func (AcceptAll) AcceptChannel(handle.Handle, int, string) bool  { return true }
func (AcceptAll) AcceptChannelData(handle.Handle, int, int) bool { return true }
func (AcceptAll) AcceptFileData(handle.Handle, string, int) bool { return true }

// Options configures a Bridge.
type Options struct {
	// Policy decides boolean delegates. Nil means AcceptAll.
	Policy Policy

	// Backlog bounds each event channel while no listener is attached.
	Backlog int

	// CorrelationTimeout cancels one-shot requests left unanswered for this
	// long and publishes EventTimeout for each. Zero disables expiry.
	CorrelationTimeout time.Duration

	// IterateInterval is used by Start when the caller passes zero.
	IterateInterval time.Duration

	// DataDir is the parent of every node directory named by createObject.
	DataDir string

	// NodeDefaults seeds the options of nodes created through Exec.
	NodeDefaults native.Options
}

func (o Options) withDefaults() Options {
	if o.Policy == nil {
		o.Policy = AcceptAll{}
	}
	if o.IterateInterval <= 0 {
		o.IterateInterval = time.Second
	}
	return o
}
