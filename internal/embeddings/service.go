package embeddings

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned for requests made after Close
var ErrClosed = errors.New("embedding service closed")

// Result represents the result of embedding generation
type Result struct {
	Key       uint64
	Embedding []float32
	Cached    bool
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	ctx    context.Context
	Key    uint64
	Image  image.Image
	Result chan<- Result
}

// ServiceStats are cumulative service counters
type ServiceStats struct {
	Hits     uint64
	Misses   uint64
	Rejected uint64
	Errors   uint64
}

// Service manages embedding generation and caching in front of an Embedder.
// The cache is keyed by a digest of the pixels, so only identical images
// share a vector.
type Service struct {
	embedder   Embedder
	logger     *slog.Logger
	numWorkers int
	workQueue  chan Work
	cache      *lru
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	hits, misses, rejected, errs atomic.Uint64
}

// ServiceOptions configures a Service
type ServiceOptions struct {
	Workers   int
	QueueSize int
	CacheSize int
	Logger    *slog.Logger
}

// NewService creates a new embedding service with the specified number of workers
func NewService(embedder Embedder, opts ServiceOptions) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		embedder:   embedder,
		logger:     opts.Logger,
		numWorkers: opts.Workers,
		workQueue:  make(chan Work, opts.QueueSize),
		cache:      newLRU(opts.CacheSize),
	}
	s.startWorkers()
	return s
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				work.Result <- s.process(work)
			}
		}()
	}
}

func (s *Service) process(work Work) Result {
	if emb, ok := s.cache.get(work.Key); ok {
		s.hits.Add(1)
		return Result{Key: work.Key, Embedding: emb, Cached: true}
	}
	s.misses.Add(1)

	if err := work.ctx.Err(); err != nil {
		return Result{Key: work.Key, Error: err}
	}

	emb, err := s.embedder.Embed(work.ctx, work.Image)
	if err != nil {
		s.errs.Add(1)
		s.logger.Debug("embedding failed", "key", work.Key, "error", err)
		return Result{Key: work.Key, Error: err}
	}
	s.cache.put(work.Key, emb)
	return Result{Key: work.Key, Embedding: emb}
}

// GetEmbedding requests an embedding asynchronously. It never blocks: when
// the queue is full the returned channel carries ErrQueueFull.
func (s *Service) GetEmbedding(ctx context.Context, img image.Image) <-chan Result {
	resultChan := make(chan Result, 1)
	key := ContentKey(img)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Key: key, Error: ErrClosed}
		return resultChan
	}

	select {
	case s.workQueue <- Work{ctx: ctx, Key: key, Image: img, Result: resultChan}:
	default:
		s.rejected.Add(1)
		resultChan <- Result{Key: key, Error: ErrQueueFull}
	}
	return resultChan
}

// Embed is the synchronous form of GetEmbedding
func (s *Service) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(ctx, img):
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Model returns the wrapped embedder's identifier
func (s *Service) Model() string { return s.embedder.Model() }

// Stats returns a snapshot of the service counters
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Rejected: s.rejected.Load(),
		Errors:   s.errs.Load(),
	}
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.workQueue)
	s.mu.Unlock()
	s.wg.Wait()
}

// ContentKey digests the bounds and pixels of img with FNV-64a
func ContentKey(img image.Image) uint64 {
	h := fnv.New64a()
	b := img.Bounds()
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(b.Min.X))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(b.Min.Y))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(b.Dx()))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(b.Dy()))
	h.Write(hdr[:])

	switch m := img.(type) {
	case *image.RGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			i := m.PixOffset(b.Min.X, y)
			h.Write(m.Pix[i : i+4*b.Dx()])
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			i := m.PixOffset(b.Min.X, y)
			h.Write(m.Pix[i : i+b.Dx()])
		}
	default:
		row := make([]byte, 0, 8*b.Dx())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row = row[:0]
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, a := img.At(x, y).RGBA()
				row = binary.LittleEndian.AppendUint16(row, uint16(r))
				row = binary.LittleEndian.AppendUint16(row, uint16(g))
				row = binary.LittleEndian.AppendUint16(row, uint16(bl))
				row = binary.LittleEndian.AppendUint16(row, uint16(a))
			}
			h.Write(row)
		}
	}
	return h.Sum64()
}

// lru is a bounded content key -> vector cache. A zero capacity disables it.
type lru struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[uint64]*list.Element
}

type lruEntry struct {
	key uint64
	vec []float32
}

func newLRU(capacity int) *lru {
	return &lru{
		cap:   capacity,
		order: list.New(),
		items: make(map[uint64]*list.Element),
	}
}

func (c *lru) get(key uint64) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).vec, true
}

func (c *lru) put(key uint64, vec []float32) {
	if c.cap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, vec: vec})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

func (c *lru) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
