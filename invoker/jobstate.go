package invoker

import (
	"go.uber.org/atomic"

	"github.com/cloudbutton/gowren/internal/metrics"
	"github.com/cloudbutton/gowren/job"
	"github.com/cloudbutton/gowren/pkg/logger"
)

// jobState is the per-job bookkeeping shared by the job runner, the
// invoker pool and the completion watcher.
type jobState struct {
	job     *job.Job
	futures []*ResponseFuture
	byID    map[string]*ResponseFuture

	// failedCalls counts calls whose future failed before completing
	// remotely. The watcher terminates once done + failed covers the
	// whole job, otherwise a failed call would stall it forever.
	failedCalls *atomic.Int64

	// callFailedC nudges a watcher blocked on broker delivery to
	// re-check its termination condition.
	callFailedC chan struct{}
}

func newJobState(prefix string, j *job.Job) *jobState {
	st := &jobState{
		job:         j,
		futures:     make([]*ResponseFuture, 0, j.TotalCalls),
		byID:        make(map[string]*ResponseFuture, j.TotalCalls),
		failedCalls: atomic.NewInt64(0),
		callFailedC: make(chan struct{}, j.TotalCalls),
	}
	for i := 0; i < j.TotalCalls; i++ {
		callID := job.CallID(i)
		fut := newFuture(prefix, j, callID)
		fut.markInvoked()
		st.futures = append(st.futures, fut)
		st.byID[callID] = fut
	}
	return st
}

// resolveCall marks one call's future successful.
func (st *jobState) resolveCall(callID string) {
	if fut, ok := st.byID[callID]; ok {
		fut.resolve()
	}
}

// failCall fails one call's future and accounts it against the
// watcher's termination condition.
func (st *jobState) failCall(callID string, err error) {
	fut, ok := st.byID[callID]
	if !ok {
		return
	}
	if fut.fail(err) {
		metrics.CallsFailedCounter.Inc()
		st.failedCalls.Inc()
		select {
		case st.callFailedC <- struct{}{}:
		default:
		}
		logger.Warn("ExecutorID %s | JobID %s - Call %s failed: %v",
			st.job.ExecutorID, st.job.JobID, callID, err)
	}
}

// failJob fails every unresolved future with the given cause.
func (st *jobState) failJob(err error) {
	for _, fut := range st.futures {
		if fut.fail(err) {
			metrics.CallsFailedCounter.Inc()
		}
	}
	logger.Error("ExecutorID %s | JobID %s - Job failed: %v",
		st.job.ExecutorID, st.job.JobID, err)
}

// terminated reports whether every call is accounted for, either by a
// completion signal or by a local failure.
func (st *jobState) terminated(done int) bool {
	return done+int(st.failedCalls.Load()) >= st.job.TotalCalls
}
