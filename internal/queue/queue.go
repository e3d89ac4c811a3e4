// Package queue implements the shared job scheduler that serializes access
// to scarce local resources. Jobs carry a resource class (gpu, llm, cpu)
// and a priority tier; class slots bound concurrency per resource and a
// total slot cap bounds it overall.
//
// Ordering is FIFO within a tier. A job waiting longer than the boost
// interval is promoted one tier, cumulatively up to high, so low-priority
// bulk work cannot starve behind a steady interactive stream.
//
// The scheduler is a single goroutine owning all queue state; Submit,
// Cancel, and Status synchronize with it through a mutex and a wake
// channel. A job failure is captured on its handle and never takes the
// scheduler down.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/observe"
)

// Class identifies the scarce resource a job occupies while running.
type Class string

const (
	ClassGPU Class = "gpu"
	ClassLLM Class = "llm"
	ClassCPU Class = "cpu"
)

// IsValid reports whether c is a recognised resource class.
func (c Class) IsValid() bool {
	switch c {
	case ClassGPU, ClassLLM, ClassCPU:
		return true
	}
	return false
}

// Priority orders jobs across tiers; lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Phase is the lifecycle state reported on a handle.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCanceled  Phase = "canceled"
)

// Job describes one unit of work. Run receives a context that is canceled
// on queue shutdown or explicit Cancel; cooperative jobs check it at their
// checkpoints. Progress updates are optional.
type Job struct {
	// ID is assigned on submit when empty.
	ID string

	// Name appears in logs and status output.
	Name string

	Class    Class
	Priority Priority

	// GPUMemoryGB is the job's estimated GPU memory need. Only consulted
	// for gpu-class jobs when a free-memory probe is configured.
	GPUMemoryGB float64

	Run func(ctx context.Context, progress func(percent int)) error
}

// Status is a point-in-time snapshot of a job.
type Status struct {
	Phase    Phase
	Progress int

	// Position is the number of jobs ahead in the pending order; 0 while
	// running or finished.
	Position int

	// ETA estimates time until completion from the class's average
	// runtime. Zero when unknown or finished.
	ETA time.Duration

	// Err is set for failed jobs, carrying a fault kind.
	Err error
}

// Config carries the scheduler limits.
type Config struct {
	// Capacity bounds queued plus running jobs; submits beyond it fail
	// with resource_exhausted. Default 1024.
	Capacity int

	// GPUSlots, LLMSlots bound per-class concurrency. TotalSlots caps
	// concurrency regardless of class. Defaults 1, 2, 4.
	GPUSlots   int64
	LLMSlots   int64
	TotalSlots int64

	// BoostAfter promotes a waiting job one tier per interval waited.
	// Default 30s.
	BoostAfter time.Duration

	// MinGPUFreeGB blocks gpu-class dispatch while the probe reports
	// less free memory. Default 0.5.
	MinGPUFreeGB float64

	// GPUFreeProbe reports currently free GPU memory in GB. Nil disables
	// the floor check.
	GPUFreeProbe func() float64
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.GPUSlots <= 0 {
		c.GPUSlots = 1
	}
	if c.LLMSlots <= 0 {
		c.LLMSlots = 2
	}
	if c.TotalSlots <= 0 {
		c.TotalSlots = 4
	}
	if c.BoostAfter <= 0 {
		c.BoostAfter = 30 * time.Second
	}
	if c.MinGPUFreeGB <= 0 {
		c.MinGPUFreeGB = 0.5
	}
}

// Handle tracks one submitted job.
type Handle struct {
	// ID is the job's assigned identifier.
	ID string

	q    *Queue
	done chan struct{}
}

// Done is closed when the job reaches a terminal phase.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the job's current snapshot.
func (h *Handle) Status() Status { return h.q.statusOf(h.ID) }

// Err blocks until the job finishes and returns its terminal error, nil
// on success.
func (h *Handle) Err() error {
	<-h.done
	return h.q.statusOf(h.ID).Err
}

// Cancel requests cancellation; see [Queue.Cancel].
func (h *Handle) Cancel() { h.q.Cancel(h.ID) }

type task struct {
	job       Job
	handle    *Handle
	phase     Phase
	progress  int
	err       error
	submitted time.Time
	boosted   Priority // effective tier after starvation boosts
	seq       uint64
	cancel    context.CancelFunc
	started   time.Time
}

// Queue is the job scheduler. Construct with [New], start with [Start],
// and stop by canceling the start context; [Drain] waits for running jobs.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	pending []*task // dispatch order is resolved at scan time
	tasks   map[string]*task
	inUse   map[Class]int64
	running int
	seq     uint64

	// avgRuntime is an EWMA of completed job durations per class.
	avgRuntime map[Class]time.Duration

	total *semaphore.Weighted
	wake  chan struct{}
	wg    sync.WaitGroup
}

// New creates a Queue with the given limits.
func New(cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{
		cfg:        cfg,
		tasks:      make(map[string]*task),
		inUse:      make(map[Class]int64),
		avgRuntime: make(map[Class]time.Duration),
		total:      semaphore.NewWeighted(cfg.TotalSlots),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the scheduler loop. It returns when ctx is canceled and
// all running jobs have finished; pending jobs are marked canceled.
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.cancelPending()
			q.wg.Wait()
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatch(ctx)
	}
}

// Submit enqueues a job and returns its handle. A full queue fails with
// resource_exhausted; an unknown class with invalid_input.
func (q *Queue) Submit(job Job) (*Handle, error) {
	if !job.Class.IsValid() {
		return nil, fault.New(fault.KindInvalid, "unknown job class %q", job.Class)
	}
	if job.Run == nil {
		return nil, fault.New(fault.KindInvalid, "job %q has no run function", job.Name)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	q.mu.Lock()
	if len(q.pending)+q.running >= q.cfg.Capacity {
		q.mu.Unlock()
		return nil, fault.New(fault.KindResourceExhausted, "queue_full: capacity %d reached", q.cfg.Capacity)
	}
	if _, exists := q.tasks[job.ID]; exists {
		q.mu.Unlock()
		return nil, fault.New(fault.KindConflict, "job %s already submitted", job.ID)
	}
	q.seq++
	t := &task{
		job:       job,
		phase:     PhaseQueued,
		submitted: time.Now(),
		boosted:   job.Priority,
		seq:       q.seq,
		handle:    &Handle{ID: job.ID, q: q, done: make(chan struct{})},
	}
	q.tasks[job.ID] = t
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	observe.DefaultMetrics().QueueDepth.Add(context.Background(), 1)
	q.poke()
	return t.handle, nil
}

// Cancel requests cancellation of a job. Queued jobs finish immediately
// as canceled; running jobs get their context canceled and cooperate at
// their next checkpoint. Unknown ids fail with not_found; finished jobs
// with conflict.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fault.New(fault.KindNotFound, "job %s", id)
	}
	switch t.phase {
	case PhaseQueued:
		q.removePendingLocked(t)
		q.finishLocked(t, PhaseCanceled, fault.New(fault.KindCanceled, "job %s canceled while queued", id))
		return nil
	case PhaseRunning:
		t.cancel()
		return nil
	default:
		return fault.New(fault.KindConflict, "job %s already %s", id, t.phase)
	}
}

// Status returns the snapshot for a job id.
func (q *Queue) Status(id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Status{}, fault.New(fault.KindNotFound, "job %s", id)
	}
	return q.snapshotLocked(t), nil
}

// Depth returns queued and running counts, for metrics and readiness.
func (q *Queue) Depth() (queued, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.running
}

func (q *Queue) statusOf(id string) Status {
	s, _ := q.Status(id)
	return s
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch starts every startable job. Tiers are scanned high to low with
// FIFO order inside each tier after starvation boosts are applied.
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, t := range q.pending {
		boosts := Priority(now.Sub(t.submitted) / q.cfg.BoostAfter)
		t.boosted = t.job.Priority - boosts
		if t.boosted < PriorityHigh {
			t.boosted = PriorityHigh
		}
	}

	for {
		t := q.nextLocked()
		if t == nil {
			return
		}
		if !q.total.TryAcquire(1) {
			return
		}
		q.removePendingLocked(t)
		q.startLocked(ctx, t)
	}
}

// nextLocked picks the best dispatchable pending task: lowest boosted
// tier, then submission order. Tasks whose class slots are exhausted or
// that are blocked by the GPU floor are passed over.
func (q *Queue) nextLocked() *task {
	var best *task
	for _, t := range q.pending {
		if !q.classAvailableLocked(t) {
			continue
		}
		if best == nil || t.boosted < best.boosted || (t.boosted == best.boosted && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (q *Queue) classAvailableLocked(t *task) bool {
	switch t.job.Class {
	case ClassGPU:
		if q.inUse[ClassGPU] >= q.cfg.GPUSlots {
			return false
		}
		if q.cfg.GPUFreeProbe != nil {
			need := q.cfg.MinGPUFreeGB
			if t.job.GPUMemoryGB > need {
				need = t.job.GPUMemoryGB
			}
			if q.cfg.GPUFreeProbe() < need {
				return false
			}
		}
	case ClassLLM:
		if q.inUse[ClassLLM] >= q.cfg.LLMSlots {
			return false
		}
	}
	return true
}

func (q *Queue) startLocked(ctx context.Context, t *task) {
	jobCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.phase = PhaseRunning
	t.started = time.Now()
	q.inUse[t.job.Class]++
	q.running++

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()

		err := t.job.Run(jobCtx, func(percent int) { q.setProgress(t, percent) })

		q.mu.Lock()
		q.inUse[t.job.Class]--
		q.running--
		q.total.Release(1)
		q.observeRuntimeLocked(t.job.Class, time.Since(t.started))

		switch {
		case err == nil:
			q.finishLocked(t, PhaseCompleted, nil)
		case fault.KindOf(err) == fault.KindCanceled:
			q.finishLocked(t, PhaseCanceled, err)
		default:
			slog.Error("job failed", "job_id", t.job.ID, "name", t.job.Name, "kind", fault.KindOf(err), "error", err)
			q.finishLocked(t, PhaseFailed, err)
		}
		q.mu.Unlock()

		q.poke()
	}()
}

func (q *Queue) setProgress(t *task, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	q.mu.Lock()
	t.progress = percent
	q.mu.Unlock()
}

func (q *Queue) finishLocked(t *task, phase Phase, err error) {
	t.phase = phase
	t.err = err
	if phase == PhaseCompleted {
		t.progress = 100
	}
	close(t.handle.done)
	observe.DefaultMetrics().RecordJob(context.Background(), string(t.job.Class), string(phase))
}

func (q *Queue) removePendingLocked(t *task) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			observe.DefaultMetrics().QueueDepth.Add(context.Background(), -1)
			return
		}
	}
}

func (q *Queue) cancelPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.pending {
		q.finishLocked(t, PhaseCanceled, fault.New(fault.KindCanceled, "queue shutting down"))
	}
	observe.DefaultMetrics().QueueDepth.Add(context.Background(), -int64(len(q.pending)))
	q.pending = nil
}

// observeRuntimeLocked folds a completed duration into the class EWMA.
func (q *Queue) observeRuntimeLocked(class Class, d time.Duration) {
	prev, ok := q.avgRuntime[class]
	if !ok {
		q.avgRuntime[class] = d
		return
	}
	q.avgRuntime[class] = (prev*3 + d) / 4
}

func (q *Queue) snapshotLocked(t *task) Status {
	s := Status{Phase: t.phase, Progress: t.progress, Err: t.err}
	if t.phase == PhaseQueued {
		for _, p := range q.pending {
			if p.boosted < t.boosted || (p.boosted == t.boosted && p.seq < t.seq) {
				s.Position++
			}
		}
		if avg, ok := q.avgRuntime[t.job.Class]; ok {
			s.ETA = avg * time.Duration(s.Position+1)
		}
	}
	if t.phase == PhaseRunning {
		if avg, ok := q.avgRuntime[t.job.Class]; ok {
			if elapsed := time.Since(t.started); elapsed < avg {
				s.ETA = avg - elapsed
			}
		}
	}
	return s
}
