// Package coalescer implements C3: batching of encoder outputs into
// bounded groups so the map client can amortize one allocation/finalize
// round-trip across many chunks, instead of one RPC per chunk.
package coalescer

import (
	"context"
	"time"
)

// Coalescer buffers items of type T and flushes whichever of max_length or
// max_wait_ms fires first, measured from the first buffered item. Ordering
// is preserved: items are flushed in the order they were pushed, and
// batches themselves are emitted in push order.
type Coalescer[T any] struct {
	maxLength int
	maxWait   time.Duration

	in     chan T
	out    chan []T
	done   chan struct{}
	closed chan struct{}
}

// New starts a coalescer goroutine bound to ctx. Callers push items with
// Push and read flushed batches from Batches(); Close (or ctx cancellation)
// flushes any residue and closes Batches().
func New[T any](ctx context.Context, maxLength int, maxWait time.Duration) *Coalescer[T] {
	if maxLength < 1 {
		maxLength = 1
	}
	c := &Coalescer[T]{
		maxLength: maxLength,
		maxWait:   maxWait,
		in:        make(chan T, maxLength),
		out:       make(chan []T),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Push enqueues one item. Blocks briefly if the internal buffer (sized to
// maxLength) is full; callers upstream should themselves be bounded so this
// never blocks for long (§4.5 watermark discipline).
func (c *Coalescer[T]) Push(ctx context.Context, item T) error {
	select {
	case c.in <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errClosed
	}
}

// Batches returns the channel of flushed batches, in emission order.
func (c *Coalescer[T]) Batches() <-chan []T { return c.out }

// Close signals end-of-stream: any buffered residue flushes as a final
// batch, then Batches() closes.
func (c *Coalescer[T]) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.done)
	}
}

func (c *Coalescer[T]) run(ctx context.Context) {
	defer close(c.out)
	defer close(c.closed)

	var buf []T
	var timer *time.Timer
	var timerC <-chan time.Time

	// flush hands the buffered batch to Batches(). During shutdown
	// (shuttingDown) it blocks until delivered, since ctx is already done
	// and racing against it again would drop the final batch half the
	// time. During normal operation it aborts if ctx ends mid-send.
	flush := func(shuttingDown bool) {
		if len(buf) == 0 {
			return
		}
		batch := buf
		buf = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
		if shuttingDown {
			c.out <- batch
			return
		}
		select {
		case c.out <- batch:
		case <-ctx.Done():
		}
	}

	// drainPending moves items pushed before shutdown but not yet received
	// into buf, so they flush with the residue instead of being dropped.
	drainPending := func() {
		for {
			select {
			case item := <-c.in:
				buf = append(buf, item)
				if len(buf) >= c.maxLength {
					flush(true)
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case item := <-c.in:
			if len(buf) == 0 && c.maxWait > 0 {
				timer = time.NewTimer(c.maxWait)
				timerC = timer.C
			}
			buf = append(buf, item)
			if len(buf) >= c.maxLength {
				flush(false)
			}
		case <-timerC:
			flush(false)
		case <-c.done:
			drainPending()
			flush(true)
			return
		case <-ctx.Done():
			drainPending()
			flush(true)
			return
		}
	}
}

type coalescerError string

func (e coalescerError) Error() string { return string(e) }

const errClosed coalescerError = "coalescer: push after close"
