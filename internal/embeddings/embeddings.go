package embeddings

import (
	"context"
	"fmt"
	"sync"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Ctx     context.Context
	Content string
	Result  chan<- Result
}

// Service manages embedding generation and caching
type Service struct {
	embedder   Embedder
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // content -> []float32
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewService creates a new embedding service with the specified number of workers
func NewService(embedder Embedder, numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	service := &Service{
		embedder:   embedder,
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
	}
	service.startWorkers()
	return service
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				work.Result <- s.embed(work.Ctx, work.Content)
			}
		}()
	}
}

func (s *Service) embed(ctx context.Context, content string) Result {
	if cached, ok := s.cache.Load(content); ok {
		return Result{Content: content, Embedding: cached.([]float32)}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Result{Content: content, Error: err}
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err == nil {
		s.cache.Store(content, embedding)
	}
	return Result{Content: content, Embedding: embedding, Error: err}
}

// GetEmbedding requests an embedding asynchronously. When the queue is full
// the result is an error instead of blocking.
func (s *Service) GetEmbedding(ctx context.Context, content string) <-chan Result {
	resultChan := make(chan Result, 1)

	select {
	case s.workQueue <- Work{Ctx: ctx, Content: content, Result: resultChan}:
	default:
		resultChan <- Result{
			Content: content,
			Error:   fmt.Errorf("embedding queue is full, try again later"),
		}
	}
	return resultChan
}

// EmbedAll embeds every content concurrently and returns the vectors in input
// order. It waits for queue space instead of failing.
func (s *Service) EmbedAll(ctx context.Context, contents []string) ([][]float32, error) {
	results := make([]chan Result, len(contents))
	for i, content := range contents {
		ch := make(chan Result, 1)
		results[i] = ch
		select {
		case s.workQueue <- Work{Ctx: ctx, Content: content, Result: ch}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([][]float32, len(contents))
	for i, ch := range results {
		select {
		case r := <-ch:
			if r.Error != nil {
				return nil, fmt.Errorf("embed item %d: %w", i, r.Error)
			}
			out[i] = r.Embedding
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.workQueue)
	})
	s.wg.Wait()
}
