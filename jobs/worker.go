package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gioiasoftware/wine-inventory/model"
)

// Task is one unit of background processing work: run the pipeline for
// an already-created job and persist the outcome.
type Task struct {
	JobID         string
	Tenant        model.Tenant
	Raw           []byte
	FileName      string
	Ext           string
	CorrelationID string
	Mode          string // "add" or "replace", spec §6
	DryRun        bool
}

// Processor runs the ingestion pipeline for a task and reports its
// outcome back to the job manager. Implemented by the pipeline wiring in
// cmd/ingestd so this package stays free of pipeline/llm imports.
type Processor func(ctx context.Context, t Task)

// Pool is a bounded worker pool that processes ingestion tasks
// asynchronously: a buffered channel plus a fixed set of workers,
// turned from a fire-and-forget event sink into a processing queue
// whose completion is observable through job-status polling.
type Pool struct {
	ch        chan Task
	wg        sync.WaitGroup
	log       zerolog.Logger
	process   Processor
	received  int64
	completed int64
	dropped   int64
}

// PoolConfig holds the worker pool's sizing knobs.
type PoolConfig struct {
	Workers    int
	BufferSize int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 4, BufferSize: 256}
}

func NewPool(log zerolog.Logger, process Processor, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Pool{
		ch:      make(chan Task, cfg.BufferSize),
		log:     log,
		process: process,
	}
}

// Start launches the worker goroutines; it returns immediately.
func (p *Pool) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info().Int("workers", workers).Msg("job worker pool started")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.ch:
			if !ok {
				return
			}
			p.process(ctx, t)
			atomic.AddInt64(&p.completed, 1)
		}
	}
}

// Submit enqueues a task. Job creation returns immediately (spec §5);
// if the queue is saturated the submission is dropped and the caller
// must surface a job-level error rather than block the HTTP handler.
func (p *Pool) Submit(t Task) bool {
	atomic.AddInt64(&p.received, 1)
	select {
	case p.ch <- t:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.log.Warn().Str("job_id", t.JobID).Msg("job queue saturated, task dropped")
		return false
	}
}

// Stop closes the intake channel and waits for in-flight tasks to drain.
func (p *Pool) Stop() {
	close(p.ch)
	p.wg.Wait()
}

// Stats reports the pool's counters, surfaced on the metrics endpoint.
type Stats struct {
	Received  int64
	Completed int64
	Dropped   int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Received:  atomic.LoadInt64(&p.received),
		Completed: atomic.LoadInt64(&p.completed),
		Dropped:   atomic.LoadInt64(&p.dropped),
	}
}
