// Package governor implements the concurrency governors (C8): a
// byte-denominated stream admission semaphore, global and per-agent block
// read slot semaphores, and the stress-report rate limiter tied to stream
// admission timeouts.
package governor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrStreamAdmissionTimeout is returned when a stream fails to acquire its
// byte reservation within the configured timeout.
type ErrStreamAdmissionTimeout struct {
	Requested int64
	Timeout   time.Duration
}

func (e *ErrStreamAdmissionTimeout) Error() string {
	return "governor: STREAM_ITEM_TIMEOUT acquiring stream byte semaphore"
}

// ByteSemaphore is the process-wide (instance-scoped) admission gate sized
// from the declared object size, per §4.5. It is the sole memory-admission
// mechanism for upload and read streams.
type ByteSemaphore struct {
	sem     *semaphore.Weighted
	cap     int64
	sizeCap int64
	minimal int64
	timeout time.Duration

	stress StressReporter
}

// StressReporter emits the out-of-band "stress" report on admission
// timeout, rate-limited to at most once per hour by the caller.
type StressReporter interface {
	ReportStress(ctx context.Context, requested int64)
}

// NoopStressReporter discards stress reports; used when none is configured.
type NoopStressReporter struct{}

func (NoopStressReporter) ReportStress(context.Context, int64) {}

// NewByteSemaphore constructs an instance-scoped byte semaphore. cap is the
// total byte budget (IO_SEMAPHORE_CAP); sizeCap and minimal bound how much a
// single stream may request (IO_STREAM_SEMAPHORE_SIZE_CAP /
// IO_STREAM_MINIMAL_SIZE_LOCK).
func NewByteSemaphore(cap, sizeCap, minimal int64, timeout time.Duration, stress StressReporter) *ByteSemaphore {
	if stress == nil {
		stress = NoopStressReporter{}
	}
	return &ByteSemaphore{
		sem:     semaphore.NewWeighted(cap),
		cap:     cap,
		sizeCap: sizeCap,
		minimal: minimal,
		timeout: timeout,
		stress:  stress,
	}
}

// sizeFor computes how many bytes a stream of declaredSize should reserve:
// min(declaredSize, sizeCap), or the minimal lock if the size is unknown
// (declaredSize < 0).
func (s *ByteSemaphore) sizeFor(declaredSize int64) int64 {
	if declaredSize < 0 {
		return s.minimal
	}
	want := declaredSize
	if want > s.sizeCap {
		want = s.sizeCap
	}
	if want < 1 {
		want = 1
	}
	return want
}

// Reservation is a held slice of the byte budget; Release must be called
// exactly once.
type Reservation struct {
	sem  *semaphore.Weighted
	size int64
}

func (r *Reservation) Release() {
	if r == nil || r.sem == nil {
		return
	}
	r.sem.Release(r.size)
}

// Size returns the number of bytes this reservation holds.
func (r *Reservation) Size() int64 {
	if r == nil {
		return 0
	}
	return r.size
}

// Headroom reports whether the semaphore currently has capacity to admit
// one more minimally-sized stream without blocking. This is the signal an
// engine readiness probe uses to decide whether to accept new work.
func (s *ByteSemaphore) Headroom() bool {
	if s.sem.TryAcquire(s.minimal) {
		s.sem.Release(s.minimal)
		return true
	}
	return false
}

// Acquire reserves bytes for a stream of declaredSize (-1 if unknown),
// blocking until available or the configured timeout elapses. On timeout it
// reports the stress report hook (rate-limited externally) and returns
// ErrStreamAdmissionTimeout.
func (s *ByteSemaphore) Acquire(ctx context.Context, declaredSize int64) (*Reservation, error) {
	size := s.sizeFor(declaredSize)

	acquireCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.sem.Acquire(acquireCtx, size); err != nil {
		s.stress.ReportStress(ctx, size)
		return nil, &ErrStreamAdmissionTimeout{Requested: size, Timeout: s.timeout}
	}
	return &Reservation{sem: s.sem, size: size}, nil
}

// SlotSemaphore bounds concurrent operations by count rather than bytes; it
// backs the global and per-agent read governors.
type SlotSemaphore struct {
	sem *semaphore.Weighted
}

func NewSlotSemaphore(slots int64) *SlotSemaphore {
	return &SlotSemaphore{sem: semaphore.NewWeighted(slots)}
}

func (s *SlotSemaphore) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	acquireCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

// Headroom reports whether at least one slot is currently free.
func (s *SlotSemaphore) Headroom() bool {
	if s.sem.TryAcquire(1) {
		s.sem.Release(1)
		return true
	}
	return false
}

// AgentSemaphores keys a slot semaphore per storage-agent node_id, to
// prevent a single agent from saturating the global read budget.
type AgentSemaphores struct {
	mu     sync.Mutex
	slots  int64
	byNode map[string]*SlotSemaphore
}

func NewAgentSemaphores(slotsPerAgent int64) *AgentSemaphores {
	return &AgentSemaphores{slots: slotsPerAgent, byNode: make(map[string]*SlotSemaphore)}
}

func (a *AgentSemaphores) For(nodeID string) *SlotSemaphore {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.byNode[nodeID]
	if !ok {
		sem = NewSlotSemaphore(a.slots)
		a.byNode[nodeID] = sem
	}
	return sem
}

// HourlyStressLimiter allows at most one stress report per hour, per the
// admission-timeout error-reporting contract in §4.5/§5.
type HourlyStressLimiter struct {
	inner StressReporter

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewHourlyStressLimiter(inner StressReporter) *HourlyStressLimiter {
	return &HourlyStressLimiter{inner: inner, now: time.Now}
}

func (h *HourlyStressLimiter) ReportStress(ctx context.Context, requested int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if !h.last.IsZero() && now.Sub(h.last) < time.Hour {
		return
	}
	h.last = now
	if h.inner != nil {
		h.inner.ReportStress(ctx, requested)
	}
}
