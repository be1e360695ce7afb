package invoker

import (
	"fmt"
	"time"

	"github.com/cloudbutton/gowren/internal/metrics"
	"github.com/cloudbutton/gowren/pkg/logger"
)

// maxConsecutivePollFailures bounds how many back-to-back status-poll
// errors the polling watcher tolerates before failing the job. A single
// error is usually an eventual-consistency or throttling blip.
const maxConsecutivePollFailures = 10

// watchJobOS polls internal storage for the job's status records and
// converts each newly observed completion into one dispatch token.
// One goroutine per job; terminates when every call is accounted for.
func (inv *Invoker) watchJobOS(st *jobState) {
	j := st.job
	logger.Debug("ExecutorID %s | JobID %s - Starting job status checker worker", j.ExecutorID, j.JobID)

	tick := time.Duration(inv.cfg.Pywren.StatusPollIntervalMS) * time.Millisecond
	counted := make(map[string]bool, j.TotalCalls)
	produced := 0
	failures := 0

	for !st.terminated(len(counted)) {
		callIDs, err := inv.storage.GetJobStatus(j.ExecutorID, j.JobID)
		if err != nil {
			failures++
			metrics.WatcherFailuresCounter.Inc()
			logger.Warn("ExecutorID %s | JobID %s - Status poll failed (%d/%d): %v",
				j.ExecutorID, j.JobID, failures, maxConsecutivePollFailures, err)
			if failures >= maxConsecutivePollFailures {
				st.failJob(fmt.Errorf("job status checker gave up after %d consecutive poll failures: %w",
					failures, err))
				return
			}
			time.Sleep(tick)
			continue
		}
		failures = 0

		for _, callID := range callIDs {
			if counted[callID] {
				continue
			}
			counted[callID] = true
			st.resolveCall(callID)
			if produced < j.TotalCalls {
				inv.tokens.Put(token{})
				produced++
				metrics.TokensProducedCounter.Inc()
			}
		}

		if st.terminated(len(counted)) {
			break
		}
		time.Sleep(tick)
	}

	logger.Debug("ExecutorID %s | JobID %s - Job status checker worker finished (%d done, %d failed)",
		j.ExecutorID, j.JobID, len(counted), st.failedCalls.Load())
}

// watchJobBroker consumes call-completion messages from a fanout
// exchange scoped to this job. Message bodies are ignored; each
// delivery is one completion signal.
func (inv *Invoker) watchJobBroker(st *jobState) {
	j := st.job
	logger.Debug("ExecutorID %s | JobID %s - Starting job status checker worker (broker)", j.ExecutorID, j.JobID)

	exchange := fmt.Sprintf("pywren-%s-%s", j.ExecutorID, j.JobID)
	queue := fmt.Sprintf("%s-1", exchange)

	conn, err := inv.dialBroker(inv.cfg.RabbitMQ.AMQPURL)
	if err != nil {
		metrics.WatcherFailuresCounter.Inc()
		st.failJob(fmt.Errorf("broker connection failed: %w", err))
		return
	}
	defer conn.Close()

	if err := conn.DeclareFanout(exchange, queue); err != nil {
		metrics.WatcherFailuresCounter.Inc()
		st.failJob(fmt.Errorf("broker topology setup failed: %w", err))
		return
	}
	signals, err := conn.Consume(queue)
	if err != nil {
		metrics.WatcherFailuresCounter.Inc()
		st.failJob(fmt.Errorf("broker consume failed: %w", err))
		return
	}

	done := 0
	for !st.terminated(done) {
		select {
		case _, ok := <-signals:
			if !ok {
				metrics.WatcherFailuresCounter.Inc()
				st.failJob(fmt.Errorf("broker connection closed with %d/%d calls done", done, j.TotalCalls))
				return
			}
			done++
			inv.tokens.Put(token{})
			metrics.TokensProducedCounter.Inc()
		case <-st.callFailedC:
			// re-check termination: locally failed calls never signal
		}
	}

	// Broker signals carry no call identity, so futures resolve in
	// bulk once the job is complete.
	if done >= j.TotalCalls {
		for _, fut := range st.futures {
			fut.resolve()
		}
	}

	if err := conn.DeleteExchange(exchange); err != nil {
		logger.Warn("ExecutorID %s | JobID %s - Failed to delete exchange %s: %v",
			j.ExecutorID, j.JobID, exchange, err)
	}
	logger.Debug("ExecutorID %s | JobID %s - Job status checker worker finished (%d done)",
		j.ExecutorID, j.JobID, done)
}
