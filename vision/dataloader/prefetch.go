package dataloader

import (
	"context"
	"errors"
	"sync"

	"github.com/tsawler/go-morph/tensor"
)

// ErrClosed is returned by a Prefetcher after Close or cancellation.
var ErrClosed = errors.New("prefetcher closed")

// BatchSource is anything that yields batches in order.
type BatchSource interface {
	NextBatch() (*Batch, error)
}

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher loads batches from a source on a background goroutine, up to
// depth ahead of the consumer. Batches arrive in source order. The first
// source error is delivered and ends the prefetcher.
type Prefetcher struct {
	results chan prefetched
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Prefetch starts a background loader over src. depth < 1 is treated as 1.
func Prefetch(ctx context.Context, src BatchSource, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		results: make(chan prefetched, depth),
		cancel:  cancel,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.results)
		for ctx.Err() == nil {
			b, err := src.NextBatch()
			select {
			case p.results <- prefetched{batch: b, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// NextBatch returns the next batch in source order.
func (p *Prefetcher) NextBatch() (*Batch, error) {
	r, ok := <-p.results
	if !ok {
		return nil, ErrClosed
	}
	return r.batch, r.err
}

// Next returns the images of the next batch.
func (p *Prefetcher) Next() (*tensor.Tensor, error) {
	b, err := p.NextBatch()
	if err != nil {
		return nil, err
	}
	return b.Images, nil
}

// Close stops the background goroutine and waits for it to exit. Batches
// already buffered are discarded.
func (p *Prefetcher) Close() {
	p.cancel()
	for range p.results {
	}
	p.wg.Wait()
}
