// Package worker implements the buffered worker pool for async log
// ingestion. This decouples HTTP request handling from log processing,
// providing backpressure via load shedding, per-job timeouts and graceful
// shutdown.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/cs2central/stats-api/internal/ingest"
	"github.com/cs2central/stats-api/internal/match"
	"github.com/cs2central/stats-api/internal/source"
)

// Prometheus metrics
var (
	logsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs2_logs_submitted_total",
		Help: "Total number of log files submitted for ingestion",
	})

	logsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs2_logs_processed_total",
		Help: "Total number of log files processed successfully",
	})

	logsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs2_logs_failed_total",
		Help: "Total number of log files that failed processing",
	})

	logsLoadShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs2_logs_load_shed_total",
		Help: "Total number of log files dropped because the queue was full",
	})

	matchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs2_matches_committed_total",
		Help: "Total number of matches committed to the database",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cs2_worker_queue_depth",
		Help: "Current depth of the ingest queue",
	})

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs2_ingest_duration_seconds",
		Help:    "Duration of one log ingestion",
		Buckets: prometheus.DefBuckets,
	})
)

// Job is one queued log ingestion.
type Job struct {
	ID         uuid.UUID
	Path       string
	EnqueuedAt time.Time
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	WorkerCount int
	QueueSize   int
	JobTimeout  time.Duration
	MaxLogLines int
	Fetcher     source.Fetcher
	Store       match.Store
	Logger      *zap.Logger
}

// Pool manages a pool of workers ingesting log files
type Pool struct {
	config   PoolConfig
	jobQueue chan Job
	driver   *ingest.Driver
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.SugaredLogger
}

// NewPool creates a new worker pool
func NewPool(cfg PoolConfig) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 90 * time.Second
	}

	logger := cfg.Logger.Sugar()
	return &Pool{
		config:   cfg,
		jobQueue: make(chan Job, cfg.QueueSize),
		driver:   ingest.NewDriver(cfg.Store, logger, cfg.MaxLogLines),
		logger:   logger,
	}
}

// Start launches the worker goroutines
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	go p.reportQueueDepth()

	p.logger.Infow("Worker pool started",
		"workers", p.config.WorkerCount,
		"queueSize", p.config.QueueSize,
		"jobTimeout", p.config.JobTimeout,
	)
}

// Stop gracefully shuts down the worker pool, draining queued jobs.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	close(p.jobQueue)
	p.wg.Wait()
	p.cancel()
	p.logger.Info("Worker pool stopped")
}

// Submit queues a log for ingestion and returns the job id. A full queue
// sheds the job instead of blocking the caller.
func (p *Pool) Submit(path string) (uuid.UUID, bool) {
	job := Job{ID: uuid.New(), Path: path, EnqueuedAt: time.Now()}

	// Protect against sending on closed channel
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warnw("Failed to submit job (pool stopped)", "path", path, "error", r)
		}
	}()

	select {
	case p.jobQueue <- job:
		logsSubmitted.Inc()
		return job.ID, true
	default:
		p.logger.Warnw("Ingest queue full, dropping job", "path", path)
		logsLoadShed.Inc()
		return uuid.Nil, false
	}
}

// QueueDepth returns current queue size
func (p *Pool) QueueDepth() int {
	return len(p.jobQueue)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Infow("Worker started", "worker", id)

	for job := range p.jobQueue {
		p.process(id, job)
	}
}

func (p *Pool) process(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.JobTimeout)
	defer cancel()

	start := time.Now()
	report, err := p.ingestOne(ctx, job)
	ingestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		logsFailed.Inc()
		p.logger.Errorw("Log ingestion failed",
			"worker", workerID, "job_id", job.ID, "path", job.Path,
			"duration", time.Since(start), "error", err)
		return
	}

	logsProcessed.Inc()
	matchesCommitted.Add(float64(report.GamesCommitted))
	p.logger.Infow("Log ingested",
		"worker", workerID, "job_id", job.ID, "path", job.Path,
		"lines", report.Lines, "skipped", report.SkippedLines,
		"matches", report.GamesCommitted, "duration", time.Since(start))
}

func (p *Pool) ingestOne(ctx context.Context, job Job) (*ingest.Report, error) {
	body, err := p.config.Fetcher.Fetch(ctx, job.Path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return p.driver.Run(ctx, body)
}

func (p *Pool) reportQueueDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			queueDepth.Set(float64(len(p.jobQueue)))
		case <-p.ctx.Done():
			return
		}
	}
}
