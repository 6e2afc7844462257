// Package enrich turns sealed batches into described, persisted records off
// the capture goroutine.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/describe"
	"github.com/bdougie/scenewatch/internal/embeddings"
	"github.com/bdougie/scenewatch/internal/imagehost"
	"github.com/bdougie/scenewatch/internal/models"
	"github.com/bdougie/scenewatch/internal/publish"
	"github.com/bdougie/scenewatch/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when the work queue has no room
	ErrQueueFull = errors.New("enrichment queue full")
	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("enrichment pipeline closed")
	// ErrNoComposite is returned by Ask before any batch has been described
	ErrNoComposite = errors.New("no composite has been described yet")
)

// PromptSource supplies the active mode and prompt
type PromptSource interface {
	Current() (int, string)
}

// Options wires the pipeline's collaborators. Uploader may be nil when the
// describer reads the local file.
type Options struct {
	Config     config.EnrichConfig
	Prompts    PromptSource
	Uploader   imagehost.Uploader
	Describer  describe.Describer
	Store      storage.Store
	Publishers []publish.Publisher
	Logger     *slog.Logger
}

// Stats counts work items by outcome
type Stats struct {
	Submitted       uint64 `json:"submitted"`
	Dropped         uint64 `json:"dropped"`
	Completed       uint64 `json:"completed"`
	FailedComposite uint64 `json:"failed_composite"`
	FailedUpload    uint64 `json:"failed_upload"`
	FailedDescribe  uint64 `json:"failed_describe"`
	FailedStore     uint64 `json:"failed_store"`
	PublishErrors   uint64 `json:"publish_errors"`
	Queued          int    `json:"queued"`
}

type counters struct {
	submitted       atomic.Uint64
	dropped         atomic.Uint64
	completed       atomic.Uint64
	failedComposite atomic.Uint64
	failedUpload    atomic.Uint64
	failedDescribe  atomic.Uint64
	failedStore     atomic.Uint64
	publishErrors   atomic.Uint64
}

// Pipeline runs a fixed pool of workers over a bounded queue of work items
type Pipeline struct {
	cfg        config.EnrichConfig
	prompts    PromptSource
	uploader   imagehost.Uploader
	describer  describe.Describer
	store      storage.Store
	publishers []publish.Publisher
	logger     *slog.Logger
	now        func() time.Time

	queue  chan models.WorkItem
	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	stats counters
	last  atomic.Pointer[models.DescriptionRecord]
}

// New creates the output directory and starts the workers
func New(opts Options) (*Pipeline, error) {
	if opts.Prompts == nil || opts.Describer == nil || opts.Store == nil {
		return nil, errors.New("enrich: prompts, describer and store are required")
	}
	if err := os.MkdirAll(opts.Config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	cfg := opts.Config
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 90
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if cfg.DescribeTimeout <= 0 {
		cfg.DescribeTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		prompts:    opts.Prompts,
		uploader:   opts.Uploader,
		describer:  opts.Describer,
		store:      opts.Store,
		publishers: opts.Publishers,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan models.WorkItem, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for item := range p.queue {
				p.process(p.ctx, item)
			}
		}()
	}
	return p, nil
}

// Submit queues batch with the prompt active right now. It never blocks.
func (p *Pipeline) Submit(batch *models.Batch) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	n, prompt := p.prompts.Current()
	item := models.WorkItem{Batch: batch, Mode: n, Prompt: prompt, SubmittedAt: p.now()}

	select {
	case p.queue <- item:
		p.stats.submitted.Add(1)
		p.logger.Debug("batch queued", "batch", batch.ID, "seq", batch.Seq, "mode", n, "queued", len(p.queue))
		return nil
	default:
		p.stats.dropped.Add(1)
		return ErrQueueFull
	}
}

func (p *Pipeline) process(ctx context.Context, item models.WorkItem) {
	batch := item.Batch
	log := p.logger.With("batch", batch.ID, "seq", batch.Seq, "mode", item.Mode)

	img, err := Composite(batch, p.cfg.Annotate)
	if err != nil {
		p.stats.failedComposite.Add(1)
		log.Error("failed to build composite", "error", err)
		return
	}
	path, err := saveJPEG(p.cfg.OutputDir, p.now(), img, p.cfg.JPEGQuality)
	if err != nil {
		p.stats.failedComposite.Add(1)
		log.Error("failed to save composite", "error", err)
		return
	}
	log.Info("saved combined image", "path", path, "frames", batch.Len())

	stop := p.progress(log)
	url, desc, err := p.describeComposite(ctx, path, item.Prompt)
	stop()
	if err != nil {
		log.Error("enrichment failed", "path", path, "error", err)
		return
	}

	var vecs [][]float32
	for _, v := range batch.Vectors {
		if len(v) > 0 {
			vecs = append(vecs, v)
		}
	}

	rec := models.DescriptionRecord{
		ID:          uuid.NewString(),
		BatchID:     batch.ID,
		Path:        path,
		ImageURL:    url,
		Mode:        item.Mode,
		Prompt:      item.Prompt,
		Description: desc,
		Timestamp:   p.now(),
		Embedding:   embeddings.Mean(vecs),
	}
	if err := p.store.Append(ctx, rec); err != nil {
		p.stats.failedStore.Add(1)
		log.Error("failed to store description", "error", err)
		return
	}
	p.stats.completed.Add(1)
	p.last.Store(&rec)
	log.Info("description", "text", desc, "latency", p.now().Sub(item.SubmittedAt).Round(time.Millisecond))

	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, rec); err != nil {
			p.stats.publishErrors.Add(1)
			log.Warn("failed to publish description", "error", err)
		}
	}
}

// describeComposite uploads the file when an uploader is configured and asks
// the describer about it. Failures are counted per stage.
func (p *Pipeline) describeComposite(ctx context.Context, path, prompt string) (string, string, error) {
	var url string
	if p.uploader != nil {
		uctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
		var err error
		url, err = p.uploader.Upload(uctx, path)
		cancel()
		if err != nil {
			p.stats.failedUpload.Add(1)
			return "", "", fmt.Errorf("upload: %w", err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DescribeTimeout)
	defer cancel()
	desc, err := p.describer.Describe(dctx, describe.Request{ImageURL: url, ImagePath: path, Prompt: prompt})
	if err != nil {
		p.stats.failedDescribe.Add(1)
		return url, "", fmt.Errorf("describe: %w", err)
	}
	return url, desc, nil
}

// progress logs while a batch is in flight and returns the stop function
func (p *Pipeline) progress(log *slog.Logger) func() {
	if p.cfg.ProgressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	start := p.now()
	go func() {
		ticker := time.NewTicker(p.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				log.Info("processing...", "elapsed", time.Since(start).Round(time.Second))
			}
		}
	}()
	return func() { close(done) }
}

// Ask describes the most recent composite with a custom prompt. The answer
// is not stored.
func (p *Pipeline) Ask(ctx context.Context, prompt string) (string, error) {
	last := p.last.Load()
	if last == nil {
		return "", ErrNoComposite
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DescribeTimeout)
	defer cancel()
	return p.describer.Describe(ctx, describe.Request{
		ImageURL:  last.ImageURL,
		ImagePath: last.Path,
		Prompt:    prompt,
	})
}

// Last returns the most recently stored record, nil if none
func (p *Pipeline) Last() *models.DescriptionRecord {
	return p.last.Load()
}

// Stats returns a snapshot of the counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:       p.stats.submitted.Load(),
		Dropped:         p.stats.dropped.Load(),
		Completed:       p.stats.completed.Load(),
		FailedComposite: p.stats.failedComposite.Load(),
		FailedUpload:    p.stats.failedUpload.Load(),
		FailedDescribe:  p.stats.failedDescribe.Load(),
		FailedStore:     p.stats.failedStore.Load(),
		PublishErrors:   p.stats.publishErrors.Load(),
		Queued:          len(p.queue),
	}
}

// Close stops intake and waits for queued and in-flight work. When ctx ends
// first the remaining work is cancelled and ctx's error returned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("abandoning in-flight enrichment", "queued", len(p.queue))
		return ctx.Err()
	}
}
