package prop

import (
	"sync"
	"testing"

	"github.com/go-drift/propbridge/pkg/errors"
)

// fakeEngine is a scripted Engine: it mints subscription ids in order and
// counts every retain and release per property.
type fakeEngine struct {
	mu           sync.Mutex
	nextSub      SubID
	unresolvable map[string]bool
	retains      map[ID]int
	releases     map[ID]int
	unsubscribed []SubID
	polls        int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		unresolvable: make(map[string]bool),
		retains:      make(map[ID]int),
		releases:     make(map[ID]int),
	}
}

func (e *fakeEngine) Retain(id ID) ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retains[id]++
	return id
}

func (e *fakeEngine) Release(id ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releases[id]++
}

func (e *fakeEngine) Subscribe(scope ID, path string, kind Kind, mb Mailbox) SubID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unresolvable[path] {
		return 0
	}
	e.nextSub++
	return e.nextSub
}

func (e *fakeEngine) Unsubscribe(sub SubID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribed = append(e.unsubscribed, sub)
}

func (e *fakeEngine) Poll(Mailbox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls++
}

// balance returns retains minus releases for id.
func (e *fakeEngine) balance(id ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retains[id] - e.releases[id]
}

// outstanding returns the total number of unreleased references.
func (e *fakeEngine) outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, r := range e.retains {
		n += r - e.releases[id]
	}
	return n
}

// nopMailbox discards records; tests feed the registry directly.
type nopMailbox struct{}

func (nopMailbox) Enqueue(Record) {}
func (nopMailbox) Wake()          {}

// captureErrors installs an error handler collecting reports for the
// duration of the test.
func captureErrors(t *testing.T) *[]*errors.BridgeError {
	t.Helper()
	var mu sync.Mutex
	var got []*errors.BridgeError
	old := errors.DefaultHandler
	errors.SetHandler(handlerFunc(func(err *errors.BridgeError) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}))
	t.Cleanup(func() { errors.SetHandler(old) })
	return &got
}

type handlerFunc func(*errors.BridgeError)

func (f handlerFunc) HandleError(err *errors.BridgeError) { f(err) }
func (f handlerFunc) HandlePanic(*errors.PanicError)      {}

func countKind(errs []*errors.BridgeError, kind errors.ErrorKind) int {
	n := 0
	for _, err := range errs {
		if err.Kind == kind {
			n++
		}
	}
	return n
}
