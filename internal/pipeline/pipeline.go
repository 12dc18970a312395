package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/manifest"
	"tessera/internal/stitch"
	"tessera/internal/storage"
)

// JobType enumerates supported run categories.
type JobType string

const (
	// JobStitch runs the full pipeline and produces global positions.
	JobStitch JobType = "stitch"
	// JobPairs only builds the pair table.
	JobPairs JobType = "pairs"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_runs_total",
		Help: "The total number of finished runs by type and status.",
	}, []string{"type", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tessera_run_duration_seconds",
		Help:    "Wall time of finished runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tessera_queue_depth",
		Help: "Jobs waiting for a worker.",
	})
)

// Job represents a single run request.
type Job struct {
	ID   string  `json:"id"`
	Type JobType `json:"type"`
	// Manifest is the manifest file to load. Ignored when Inline is set.
	Manifest string             `json:"manifest,omitempty"`
	Inline   *manifest.Manifest `json:"-"`
	// Output, when set, receives the report as JSON or YAML by extension.
	Output  string         `json:"output,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Error  error
	Meta   map[string]any
	Report *stitch.Report
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline whose workers stitch manifests with cfg's settings.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Pipeline {
	return newPipeline(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, logger, store, newRouter(logger, cfg.Stitching))
}

func newPipeline(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue and returns its id. A job
// without an id gets a fresh one.
func (p *Pipeline) Submit(job Job) (string, error) {
	job = p.prepare(job)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrStopped
	}
	p.recordQueued(job)
	queueDepth.Inc()
	select {
	case p.jobs <- job:
	default:
		queueDepth.Dec()
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, storage.RunOutcome{Status: storage.StatusFailed, Error: ErrQueueFull.Error()})
		}
		return "", ErrQueueFull
	}
	return job.ID, nil
}

// Run executes job on the calling goroutine, with the same bookkeeping as a
// queued job.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	job = p.prepare(job)
	p.recordQueued(job)
	return p.execute(ctx, job)
}

// Stop signals workers to exit and waits for completion. Jobs still queued
// are not run; they are recorded and broadcast as failed with ErrStopped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		for job := range p.jobs {
			p.abandon(job)
		}

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) abandon(job Job) {
	queueDepth.Dec()
	runsTotal.WithLabelValues(string(job.Type), storage.StatusFailed).Inc()
	p.log.Warn("queued job dropped on shutdown", "id", job.ID, "manifest", job.Manifest)
	if p.store != nil {
		if err := p.store.RecordRunResult(job.ID, storage.RunOutcome{Status: storage.StatusFailed, Error: ErrStopped.Error()}); err != nil {
			p.log.Warn("failed to record dropped run", "id", job.ID, "error", err)
		}
	}
	p.broadcast(Result{Job: job, Error: ErrStopped})
}

func (p *Pipeline) prepare(job Job) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobStitch
	}
	return job
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	path := job.Manifest
	if job.Inline != nil {
		path = job.Inline.Path
	}
	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:           job.ID,
		RunType:      string(job.Type),
		ManifestPath: path,
		OptionsJSON:  string(optsJSON),
	}); err != nil {
		p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			queueDepth.Dec()
			p.log.Debug("worker picked up job", "worker", id, "job", job.ID)
			p.execute(ctx, job)
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogRunStart(p.log, string(job.Type), job.ID, job.Manifest, job.Options)

	if p.store != nil {
		if err := p.store.RecordRunStart(job.ID); err != nil {
			p.log.Warn("failed to record run start", "id", job.ID, "error", err)
		}
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)
	if res.Meta == nil {
		res.Meta = map[string]any{}
	}
	res.Meta["duration_ms"] = duration.Milliseconds()

	status := storage.StatusCompleted
	if res.Error != nil {
		status = storage.StatusFailed
		logging.LogRunError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"manifest": job.Manifest,
			"output":   job.Output,
			"options":  job.Options,
		})
	} else {
		logging.LogRunComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	runsTotal.WithLabelValues(string(job.Type), status).Inc()
	runDuration.WithLabelValues(string(job.Type)).Observe(duration.Seconds())

	if p.store != nil {
		out := storage.RunOutcome{
			Status: status,
			Tiles:  metaInt(res.Meta, "tiles"),
			Pairs:  metaInt(res.Meta, "pairs"),
			Meta:   res.Meta,
			Error:  errString(res.Error),
		}
		if res.Report != nil {
			out.Report = res.Report
		}
		if err := p.store.RecordRunResult(job.ID, out); err != nil {
			p.log.Warn("failed to record run result", "id", job.ID, "error", err)
		}
	}

	p.broadcast(res)
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func metaInt(meta map[string]any, key string) int {
	v, _ := meta[key].(int)
	return v
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
