package invoker

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/cloudbutton/gowren/job"
	"github.com/cloudbutton/gowren/storage"
)

// FutureState is the lifecycle state of one call's future.
type FutureState int32

const (
	// StateNew is the zero state before the call is handed to the backend pipeline.
	StateNew FutureState = iota
	// StateInvoked means the call has been accepted by the invoker; the
	// activation may still be queued, dispatching or running remotely.
	StateInvoked
	// StateSuccess means the call's status record was observed.
	StateSuccess
	// StateError means the call or its job failed; Err carries the cause.
	StateError
)

// ResponseFuture is the caller-owned handle for one call. The invoker
// resolves it when the completion watcher observes the call's status
// record, or fails it when the call or job cannot make progress.
// Futures carry keys, not results; reading and decoding the output
// object is the result reader's job.
type ResponseFuture struct {
	ExecutorID string
	JobID      string
	CallID     string
	Metadata   map[string]interface{}

	// Object-store keys of the call's result and status records.
	OutputKey string
	StatusKey string

	state    *atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFuture(prefix string, j *job.Job, callID string) *ResponseFuture {
	return &ResponseFuture{
		ExecutorID: j.ExecutorID,
		JobID:      j.JobID,
		CallID:     callID,
		Metadata:   j.Metadata,
		OutputKey:  storage.CreateOutputKey(prefix, j.ExecutorID, j.JobID, callID),
		StatusKey:  storage.CreateStatusKey(prefix, j.ExecutorID, j.JobID, callID),
		state:      atomic.NewInt32(int32(StateNew)),
		done:       make(chan struct{}),
	}
}

// State returns the future's current state.
func (f *ResponseFuture) State() FutureState {
	return FutureState(f.state.Load())
}

// Done is closed when the future reaches Success or Error.
func (f *ResponseFuture) Done() <-chan struct{} {
	return f.done
}

// Err returns the failure cause, nil until the future fails. Only
// meaningful after Done is closed.
func (f *ResponseFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Await blocks until the future resolves or the context expires.
func (f *ResponseFuture) Await(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ResponseFuture) markInvoked() {
	f.state.CompareAndSwap(int32(StateNew), int32(StateInvoked))
}

// resolve transitions to Success. First resolution wins; later calls
// are no-ops. Returns whether this call performed the transition.
func (f *ResponseFuture) resolve() bool {
	transitioned := false
	f.doneOnce.Do(func() {
		f.state.Store(int32(StateSuccess))
		close(f.done)
		transitioned = true
	})
	return transitioned
}

// fail transitions to Error with the given cause, if not yet resolved.
func (f *ResponseFuture) fail(err error) bool {
	transitioned := false
	f.doneOnce.Do(func() {
		f.err = err
		f.state.Store(int32(StateError))
		close(f.done)
		transitioned = true
	})
	return transitioned
}
