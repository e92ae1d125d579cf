package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	bridgeerrors "github.com/go-drift/propbridge/pkg/errors"
	"github.com/go-drift/propbridge/pkg/prop"
)

// Native is the foreign engine surface.
type Native interface {
	// Retain adds a reference to a property and returns its id.
	Retain(id prop.ID) prop.ID

	// Release drops a reference taken with Retain.
	Release(id prop.ID)

	// Subscribe starts producing records for path below scope. The native
	// side delivers them through Engine.HandleRecords, possibly before
	// Subscribe returns.
	Subscribe(scope prop.ID, path string, kind prop.Kind) (prop.SubID, error)

	// Unsubscribe stops producing records for sub.
	Unsubscribe(sub prop.SubID)
}

// ErrNoMailbox is returned by HandleRecords when records arrive before any
// subscription told the engine where to queue them.
var ErrNoMailbox = errors.New("no mailbox attached")

// Engine adapts a Native into a prop.Engine. All subscriptions made through
// one Engine share the mailbox of the most recent Subscribe call, which in
// practice is the owning session's courier.
type Engine struct {
	native  Native
	codec   Codec
	mailbox atomic.Pointer[mailboxBox]

	batches atomic.Int64
	records atomic.Int64
}

type mailboxBox struct{ prop.Mailbox }

// NewEngine wraps native. A nil codec selects DefaultCodec.
func NewEngine(native Native, codec Codec) *Engine {
	if codec == nil {
		codec = DefaultCodec
	}
	return &Engine{native: native, codec: codec}
}

// Codec returns the codec HandleRecords decodes with.
func (e *Engine) Codec() Codec {
	return e.codec
}

// Retain forwards to the native side.
func (e *Engine) Retain(id prop.ID) prop.ID {
	return e.native.Retain(id)
}

// Release forwards to the native side.
func (e *Engine) Release(id prop.ID) {
	e.native.Release(id)
}

// Subscribe forwards to the native side. A native error is reported and
// becomes id 0.
func (e *Engine) Subscribe(scope prop.ID, path string, kind prop.Kind, mb prop.Mailbox) prop.SubID {
	e.mailbox.Store(&mailboxBox{mb})
	id, err := e.native.Subscribe(scope, path, kind)
	if err != nil {
		bridgeerrors.Report(&bridgeerrors.BridgeError{
			Op:   "bridge.Subscribe",
			Kind: bridgeerrors.KindPlatform,
			Path: path,
			Err:  err,
		})
		return 0
	}
	return id
}

// Unsubscribe forwards to the native side.
func (e *Engine) Unsubscribe(sub prop.SubID) {
	e.native.Unsubscribe(sub)
}

// Poll does nothing: the native side pushes records through HandleRecords.
func (e *Engine) Poll(prop.Mailbox) {}

// HandleRecords is called by the native side, from any thread, with an
// encoded batch. The records are queued in order and one wake is requested
// for the whole batch. A batch that fails to decode is reported, returned
// and dropped as a unit.
func (e *Engine) HandleRecords(data []byte) error {
	batch, err := e.codec.Decode(data)
	if err != nil {
		err = fmt.Errorf("decode %s batch: %w", e.codec.Name(), err)
		bridgeerrors.Report(&bridgeerrors.BridgeError{
			Op:   "bridge.HandleRecords",
			Kind: bridgeerrors.KindDecode,
			Err:  err,
		})
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	box := e.mailbox.Load()
	if box == nil {
		bridgeerrors.Report(&bridgeerrors.BridgeError{
			Op:   "bridge.HandleRecords",
			Kind: bridgeerrors.KindPlatform,
			Err:  ErrNoMailbox,
		})
		return ErrNoMailbox
	}
	for _, rec := range batch {
		box.Enqueue(rec)
	}
	e.batches.Add(1)
	e.records.Add(int64(len(batch)))
	box.Wake()
	return nil
}

// HandleWake is the native wake primitive for records queued by other means.
func (e *Engine) HandleWake() {
	if box := e.mailbox.Load(); box != nil {
		box.Wake()
	}
}

// Received returns how many batches and records HandleRecords accepted.
func (e *Engine) Received() (batches, records int64) {
	return e.batches.Load(), e.records.Load()
}
