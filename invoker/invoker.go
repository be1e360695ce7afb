// Package invoker drives a job's calls through a FaaS compute backend
// under a bounded-concurrency discipline: a token bucket of dispatch
// permissions, a FIFO of pending calls, a long-lived dispatch loop and
// a per-job completion watcher that turns remote completions into new
// dispatch tokens.
package invoker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cloudbutton/gowren/compute"
	"github.com/cloudbutton/gowren/config"
	"github.com/cloudbutton/gowren/internal/metrics"
	"github.com/cloudbutton/gowren/internal/ops"
	"github.com/cloudbutton/gowren/internal/queue"
	"github.com/cloudbutton/gowren/job"
	"github.com/cloudbutton/gowren/pkg/logger"
	"github.com/cloudbutton/gowren/pkg/version"
	"github.com/cloudbutton/gowren/storage"
	"github.com/cloudbutton/gowren/storage/ibmcos"
)

// token is one unit of dispatch permission.
type token struct{}

// workItem is one call awaiting dispatch. attempts counts how many
// times the backend returned no activation id for it.
type workItem struct {
	state    *jobState
	callID   string
	attempts int
}

// Invoker performs the invocations of an executor's jobs against the
// compute backend. One instance serves many jobs sequentially; its
// workers cap is global across them.
type Invoker struct {
	cfg        *config.Config
	executorID string
	storage    storage.InternalStorage
	backends   *compute.Pool

	workers int
	tokens  *queue.FIFO[token]
	pending *queue.FIFO[workItem]

	stopFlag *atomic.Bool
	stopOnce sync.Once
	loopDone sync.WaitGroup

	// ongoingActivations is written only by Run (single goroutine);
	// it is incremented by the direct burst and decremented only when
	// stale tokens are drained at the start of the next job.
	ongoingActivations int

	invokeSem     *semaphore.Weighted
	runtimeFlight singleflight.Group

	dialBroker func(url string) (brokerConn, error)

	monitoring *ops.Server
}

// New constructs an invoker, starts its dispatch loop and, when
// configured and not running inside a function, the monitoring server.
func New(cfg *config.Config, executorID string, internal storage.InternalStorage) (*Invoker, error) {
	backends, err := compute.NewPoolFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithBackends(cfg, executorID, internal, backends)
}

// NewWithBackends is New with an explicit handler pool; the seam tests
// and custom wirings use.
func NewWithBackends(cfg *config.Config, executorID string, internal storage.InternalStorage, backends *compute.Pool) (*Invoker, error) {
	if cfg.Pywren.RabbitMQMonitor && cfg.RabbitMQ.AMQPURL == "" {
		return nil, fmt.Errorf("rabbitmq.amqp_url is required when rabbitmq_monitor is enabled")
	}

	inv := &Invoker{
		cfg:        cfg,
		executorID: executorID,
		storage:    internal,
		backends:   backends,
		workers:    cfg.Pywren.Workers,
		tokens:     queue.New[token](),
		pending:    queue.New[workItem](),
		stopFlag:   atomic.NewBool(false),
		invokeSem:  semaphore.NewWeighted(int64(cfg.Pywren.InvokePoolSize)),
		dialBroker: dialAMQP,
	}
	logger.Debug("ExecutorID %s - Total workers: %d", executorID, inv.workers)

	// The dispatch loop is a goroutine in every deployment context.
	// The original client forked a process on client hosts for crash
	// isolation; a goroutine sharing in-process FIFOs is the idiomatic
	// equivalent here and keeps the token bucket local.
	inv.loopDone.Add(1)
	go inv.dispatchLoop()
	logger.Debug("ExecutorID %s - Invoker process started", executorID)

	if cfg.Pywren.MonitoringPort > 0 && !runningInsideFaaS() {
		inv.monitoring = ops.NewServer(cfg.Pywren.MonitoringPort)
		inv.monitoring.Start()
	}

	return inv, nil
}

// NewDefault wires the configured storage backend and compute pool.
func NewDefault(cfg *config.Config, executorID string) (*Invoker, error) {
	if cfg.Pywren.StorageBackend != config.StorageBackendDefault {
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Pywren.StorageBackend)
	}
	internal, err := ibmcos.New(cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, executorID, internal)
}

// runningInsideFaaS reports whether this invoker itself executes inside
// a function runtime (nested invocation).
func runningInsideFaaS() bool {
	return os.Getenv("PYWREN_FUNCTION") != ""
}

// SelectRuntime ensures the configured runtime is deployed on every
// backend handler and that its language version matches the host.
// Deployment is guarded per runtime key so concurrent first jobs
// install a runtime once. A version mismatch is the one fatal error of
// steady-state operation.
func (inv *Invoker) SelectRuntime(jobID string, runtimeMemory int) (storage.RuntimeMeta, error) {
	runtimeName := inv.cfg.Pywren.Runtime
	if runtimeMemory <= 0 {
		runtimeMemory = inv.cfg.Pywren.RuntimeMemory
	}
	logger.Info("ExecutorID %s | JobID %s - Selected Runtime: %s - %dMB",
		inv.executorID, jobID, runtimeName, runtimeMemory)

	var meta storage.RuntimeMeta
	for _, handler := range inv.backends.Handlers() {
		runtimeKey := handler.GetRuntimeKey(runtimeName, runtimeMemory)

		result, err, _ := inv.runtimeFlight.Do(runtimeKey, func() (interface{}, error) {
			if m, err := inv.storage.GetRuntimeMeta(runtimeKey); err == nil {
				return m, nil
			}
			// Any read failure means the runtime is not deployed yet.
			logger.Debug("ExecutorID %s | JobID %s - Runtime %s with %dMB is not yet installed",
				inv.executorID, jobID, runtimeName, runtimeMemory)
			m, err := handler.CreateRuntime(runtimeName, runtimeMemory, inv.cfg.Pywren.RuntimeTimeout)
			if err != nil {
				return nil, fmt.Errorf("failed to create runtime %s: %w", runtimeName, err)
			}
			if err := inv.storage.PutRuntimeMeta(runtimeKey, m); err != nil {
				return nil, err
			}
			return m, nil
		})
		if err != nil {
			return storage.RuntimeMeta{}, err
		}
		meta = result.(storage.RuntimeMeta)

		local := version.HostLanguageVersion()
		if remote := meta.Version(); remote != local {
			return storage.RuntimeMeta{}, fmt.Errorf(
				"the indicated runtime %q is running language version %s and it is not compatible with the local version %s",
				runtimeName, remote, local)
		}
	}
	return meta, nil
}

// Run submits a job: drains stale tokens, dispatches the first wave
// directly while worker headroom remains, queues the rest, spawns the
// completion watcher and returns one future per call. It returns
// promptly; everything after dispatch is reported through the futures.
func (inv *Invoker) Run(j *job.Job) []*ResponseFuture {
	inv.drainStaleTokens()

	if j.RemoteInvocation {
		logger.Info("ExecutorID %s | JobID %s - Starting %d remote invocation function: Spawning %s() - Total: %d activations",
			inv.executorID, j.JobID, j.TotalCalls, j.FuncName, j.OriginalTotalCalls)
	} else {
		logger.Info("ExecutorID %s | JobID %s - Starting function invocation: %s() - Total: %d activations",
			inv.executorID, j.JobID, j.FuncName, j.TotalCalls)
	}

	if j.TotalCalls == 0 {
		return nil
	}

	st := newJobState(inv.cfg.Pywren.StoragePrefix, j)

	if inv.ongoingActivations < inv.workers {
		totalDirect := inv.workers - inv.ongoingActivations
		if totalDirect > j.TotalCalls {
			totalDirect = j.TotalCalls
		}
		inv.ongoingActivations += totalDirect
		metrics.OngoingActivationsGauge.Set(float64(inv.ongoingActivations))

		// Direct burst: dispatch the first wave synchronously on a
		// bounded pool, skipping the queue hand-off while the system
		// is idle.
		poolThreads := j.InvokePoolThreads
		if poolThreads <= 0 {
			poolThreads = inv.cfg.Pywren.InvokePoolSize
		}
		var g errgroup.Group
		g.SetLimit(poolThreads)
		for i := 0; i < totalDirect; i++ {
			item := workItem{state: st, callID: job.CallID(i)}
			g.Go(func() error {
				inv.invoke(item)
				metrics.DirectInvocationsCounter.Inc()
				return nil
			})
		}
		g.Wait()

		for i := totalDirect; i < j.TotalCalls; i++ {
			inv.pending.Put(workItem{state: st, callID: job.CallID(i)})
		}
	} else {
		// Saturated: every call flows through the dispatch loop.
		for i := 0; i < j.TotalCalls; i++ {
			inv.pending.Put(workItem{state: st, callID: job.CallID(i)})
		}
	}
	metrics.PendingCallsGauge.Set(float64(inv.pending.Len()))

	if inv.cfg.Pywren.RabbitMQMonitor {
		go inv.watchJobBroker(st)
	} else {
		go inv.watchJobOS(st)
	}

	return st.futures
}

// drainStaleTokens reclaims tokens produced after the previous job's
// dispatch had already saturated, so they don't silently over-commit
// the workers cap on this job.
func (inv *Invoker) drainStaleTokens() {
	for {
		if _, ok := inv.tokens.TryGet(); !ok {
			break
		}
		inv.ongoingActivations--
	}
	if inv.ongoingActivations < 0 {
		inv.ongoingActivations = 0
	}
	metrics.OngoingActivationsGauge.Set(float64(inv.ongoingActivations))
}

// dispatchLoop pairs one token with one pending call and hands the
// pair to the bounded invoker pool. Runs until Stop.
func (inv *Invoker) dispatchLoop() {
	defer inv.loopDone.Done()

	for !inv.stopFlag.Load() {
		if _, ok := inv.tokens.Get(); !ok {
			break
		}
		item, ok := inv.pending.Get()
		if !ok {
			break
		}
		metrics.PendingCallsGauge.Set(float64(inv.pending.Len()))

		if err := inv.invokeSem.Acquire(context.Background(), 1); err != nil {
			break
		}
		go func(it workItem) {
			defer inv.invokeSem.Release(1)
			inv.invoke(it)
		}(item)
	}

	logger.Debug("ExecutorID %s - Invoker process finished", inv.executorID)
}

// invoke performs the actual invocation against the compute backend.
// Transient dispatch failures re-enqueue the call until its attempt
// budget runs out; hard backend failures fail the call's future.
func (inv *Invoker) invoke(item workItem) string {
	j := item.state.job
	callID := item.callID

	idx, err := strconv.Atoi(callID)
	if err != nil || idx < 0 || idx >= j.TotalCalls {
		item.state.failCall(callID, fmt.Errorf("call id %q out of range", callID))
		return ""
	}
	var dataRange job.ByteRange
	if idx < len(j.DataRanges) {
		dataRange = j.DataRanges[idx]
	}

	payload := &job.Payload{
		Config:           inv.cfg.Raw(),
		LogLevel:         os.Getenv("PYWREN_LOGLEVEL"),
		FuncKey:          j.FuncKey,
		DataKey:          j.DataKey,
		OutputKey:        storage.CreateOutputKey(inv.cfg.Pywren.StoragePrefix, j.ExecutorID, j.JobID, callID),
		StatusKey:        storage.CreateStatusKey(inv.cfg.Pywren.StoragePrefix, j.ExecutorID, j.JobID, callID),
		ExtraEnv:         j.ExtraEnv,
		ExecutionTimeout: j.ExecutionTimeout,
		DataByteRange:    dataRange,
		ExecutorID:       j.ExecutorID,
		JobID:            j.JobID,
		CallID:           callID,
		HostSubmitTime:   float64(time.Now().UnixMicro()) / 1e6,
		PywrenVersion:    version.Version,
	}

	start := time.Now()
	handler := inv.backends.Pick()
	activationID, err := handler.Invoke(j.RuntimeName, j.RuntimeMemory, payload)
	roundtrip := time.Since(start)

	if err != nil {
		item.state.failCall(callID, fmt.Errorf("invocation failed: %w", err))
		return ""
	}

	if activationID == "" {
		item.attempts++
		if item.attempts >= inv.cfg.Pywren.Retries {
			item.state.failCall(callID, fmt.Errorf(
				"no activation id after %d dispatch attempts", item.attempts))
			return ""
		}
		metrics.ReenqueuedCounter.Inc()
		inv.pending.Put(item)
		metrics.PendingCallsGauge.Set(float64(inv.pending.Len()))
		return ""
	}

	metrics.InvocationsCounter.Inc()
	logger.Debug("ExecutorID %s | JobID %s - Function invocation %s done! (%.3fs) - Activation ID: %s",
		j.ExecutorID, j.JobID, callID, roundtrip.Seconds(), activationID)
	return callID
}

// Stop halts the dispatch loop. In-flight invocations are not
// cancelled; the backend has already accepted them.
func (inv *Invoker) Stop() {
	inv.stopOnce.Do(func() {
		logger.Debug("ExecutorID %s - Stopping invoker process", inv.executorID)
		inv.stopFlag.Store(true)
		inv.tokens.Close()
		inv.pending.Close()
		inv.loopDone.Wait()
		if inv.monitoring != nil {
			inv.monitoring.Stop()
		}
	})
}
