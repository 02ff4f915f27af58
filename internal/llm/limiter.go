package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limited wraps a Client with a weighted semaphore capping concurrent
// generations. Acquire waits at most queueWait; saturation past that
// surfaces ErrSaturated rather than queueing unboundedly.
type Limited struct {
	inner     Client
	sem       *semaphore.Weighted
	queueWait time.Duration
}

// NewLimited caps the client at maxConcurrent in-flight generations.
func NewLimited(inner Client, maxConcurrent int64, queueWait time.Duration) *Limited {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limited{
		inner:     inner,
		sem:       semaphore.NewWeighted(maxConcurrent),
		queueWait: queueWait,
	}
}

func (l *Limited) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.queueWait)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return ErrSaturated
	}
	return nil
}

// Generate acquires a slot before delegating.
func (l *Limited) Generate(ctx context.Context, msgs []Message, p Params) (Result, error) {
	if err := l.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer l.sem.Release(1)
	return l.inner.Generate(ctx, msgs, p)
}

// GenerateStream acquires a slot held for the whole life of the stream.
func (l *Limited) GenerateStream(ctx context.Context, msgs []Message, p Params) (<-chan StreamChunk, <-chan error) {
	if err := l.acquire(ctx); err != nil {
		chunks := make(chan StreamChunk)
		errs := make(chan error, 1)
		errs <- err
		close(chunks)
		close(errs)
		return chunks, errs
	}

	innerChunks, innerErrs := l.inner.GenerateStream(ctx, msgs, p)

	// Relay so the slot is released only when the stream fully drains.
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)
	go func() {
		defer l.sem.Release(1)
		defer close(chunks)
		defer close(errs)
		for innerChunks != nil || innerErrs != nil {
			select {
			case c, ok := <-innerChunks:
				if !ok {
					innerChunks = nil
					continue
				}
				chunks <- c
			case e, ok := <-innerErrs:
				if !ok {
					innerErrs = nil
					continue
				}
				errs <- e
			}
		}
	}()
	return chunks, errs
}
