package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"go.uber.org/zap"
)

const (
	defaultBatchWindow    = 2 * time.Second
	defaultBatchMaxEvents = 100
)

var (
	errMissingFlush  = errors.New("realtime: flush function required")
	errBatcherClosed = errors.New("realtime: batcher stopped")
)

// FlushTrigger records why a batch was flushed.
type FlushTrigger string

const (
	FlushWindow FlushTrigger = "window"
	FlushSize   FlushTrigger = "size"
	FlushManual FlushTrigger = "manual"
)

// FlushFunc delivers one tenant batch. Calls for the same tenant never
// overlap and happen in flush order; calls for different tenants are
// independent.
type FlushFunc func(tenantID string, events []syncproto.ChangeEvent, trigger FlushTrigger)

// PendingBatch accumulates a tenant's events since the last flush.
type PendingBatch struct {
	TenantID      string
	Events        []syncproto.ChangeEvent
	WindowStartAt time.Time
}

// BatcherConfig describes the batching policy.
type BatcherConfig struct {
	Window    time.Duration
	MaxEvents int
	Flush     FlushFunc
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *Metrics
}

// Batcher groups change events per tenant and flushes them when the window
// elapses or the size cap is reached, whichever comes first.
type Batcher struct {
	mu      sync.Mutex
	tenants map[string]*tenantQueue
	stopped bool

	window    time.Duration
	maxEvents int
	flush     FlushFunc
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *Metrics
}

type tenantQueue struct {
	// mu is held across delivery so flushes for one tenant stay ordered.
	mu         sync.Mutex
	pending    *PendingBatch
	timer      *time.Timer
	generation uint64
}

// NewBatcher constructs a batcher.
func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.Flush == nil {
		return nil, errMissingFlush
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultBatchWindow
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultBatchMaxEvents
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		tenants:   make(map[string]*tenantQueue),
		window:    window,
		maxEvents: maxEvents,
		flush:     cfg.Flush,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Enqueue appends the event to its tenant's pending batch, opening a new
// window when none is pending.
func (b *Batcher) Enqueue(event syncproto.ChangeEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	queue, err := b.queue(event.TenantID)
	if err != nil {
		return err
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.pending == nil {
		queue.generation++
		generation := queue.generation
		tenantID := event.TenantID
		queue.pending = &PendingBatch{TenantID: tenantID, WindowStartAt: b.clock()}
		queue.timer = time.AfterFunc(b.window, func() {
			b.flushWindow(tenantID, queue, generation)
		})
	}
	queue.pending.Events = append(queue.pending.Events, event)
	b.metrics.eventEnqueued(string(event.Kind))

	if len(queue.pending.Events) >= b.maxEvents {
		b.flushLocked(queue, FlushSize)
	}
	return nil
}

// Flush immediately flushes the tenant's pending batch, if any.
func (b *Batcher) Flush(tenantID string) {
	b.mu.Lock()
	queue := b.tenants[tenantID]
	b.mu.Unlock()
	if queue == nil {
		return
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	b.flushLocked(queue, FlushManual)
}

// Pending returns a copy of the tenant's pending batch.
func (b *Batcher) Pending(tenantID string) (PendingBatch, bool) {
	b.mu.Lock()
	queue := b.tenants[tenantID]
	b.mu.Unlock()
	if queue == nil {
		return PendingBatch{}, false
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.pending == nil {
		return PendingBatch{}, false
	}
	copied := *queue.pending
	copied.Events = append([]syncproto.ChangeEvent(nil), queue.pending.Events...)
	return copied, true
}

// Stop cancels every window timer and discards pending batches.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	queues := make([]*tenantQueue, 0, len(b.tenants))
	for _, queue := range b.tenants {
		queues = append(queues, queue)
	}
	b.mu.Unlock()

	for _, queue := range queues {
		queue.mu.Lock()
		if queue.timer != nil {
			queue.timer.Stop()
			queue.timer = nil
		}
		queue.pending = nil
		queue.mu.Unlock()
	}
}

func (b *Batcher) queue(tenantID string) (*tenantQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, errBatcherClosed
	}
	queue, ok := b.tenants[tenantID]
	if !ok {
		queue = &tenantQueue{}
		b.tenants[tenantID] = queue
	}
	return queue, nil
}

func (b *Batcher) flushWindow(tenantID string, queue *tenantQueue, generation uint64) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.pending == nil || queue.generation != generation {
		return
	}
	b.flushLocked(queue, FlushWindow)
	b.logger.Debug("batch window elapsed", zap.String("tenant_id", tenantID))
}

// flushLocked must be called with queue.mu held.
func (b *Batcher) flushLocked(queue *tenantQueue, trigger FlushTrigger) {
	batch := queue.pending
	if batch == nil {
		return
	}
	queue.pending = nil
	if queue.timer != nil {
		queue.timer.Stop()
		queue.timer = nil
	}
	b.metrics.batchFlushed(trigger, len(batch.Events))
	b.deliver(batch, trigger)
}

func (b *Batcher) deliver(batch *PendingBatch, trigger FlushTrigger) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("batch flush panicked",
				zap.String("tenant_id", batch.TenantID),
				zap.Int("events", len(batch.Events)),
				zap.Error(fmt.Errorf("%v", recovered)))
		}
	}()
	b.flush(batch.TenantID, batch.Events, trigger)
}
