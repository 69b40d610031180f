package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"workflow-notifications/internal/common/logger"
	"workflow-notifications/internal/common/metrics"
	"workflow-notifications/internal/models"
)

// Sender is the work each pool worker performs for a queued notification id.
type Sender interface {
	SendNotification(ctx context.Context, notificationID string) (*models.DeliveryResult, error)
}

// Pool runs deliveries off the caller's path. Enqueue never blocks; a full queue
// is reported to the caller and the dispatch sweep picks the work up later.
type Pool struct {
	sender Sender
	size   int
	queue  chan string
	errs   chan error
	log    logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(sender Sender, size, queueSize int, log logger.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Pool{
		sender: sender,
		size:   size,
		queue:  make(chan string, queueSize),
		errs:   make(chan error, queueSize),
		log:    log.Component("delivery-pool"),
	}
}

// Enqueue reports false when the pool is stopped or the queue is full.
func (p *Pool) Enqueue(notificationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- notificationID:
		metrics.QueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Errors carries background failures. It is buffered, drops when nobody reads it
// and is closed once Stop has waited for the workers.
func (p *Pool) Errors() <-chan error {
	return p.errs
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info("starting delivery pool", map[string]interface{}{"workers": p.size, "queueSize": cap(p.queue)})
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop refuses new work, drains the queue, waits for the workers and closes Errors.
func (p *Pool) Stop() {
	p.mu.Lock()
	first := !p.closed
	if first {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
	if !first {
		return
	}
	close(p.errs)
	p.log.Info("delivery pool stopped", nil)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case notificationID, ok := <-p.queue:
			if !ok {
				return
			}
			metrics.QueueDepth.Dec()
			p.process(ctx, id, notificationID)
		}
	}
}

func (p *Pool) process(ctx context.Context, worker int, notificationID string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("delivery worker panicked", map[string]interface{}{
				"worker":         worker,
				"notificationId": notificationID,
				"panic":          fmt.Sprintf("%v", r),
				"stack":          string(debug.Stack()),
			})
			p.report(fmt.Errorf("panic delivering notification %s: %v", notificationID, r))
		}
	}()

	result, err := p.sender.SendNotification(ctx, notificationID)
	if err != nil {
		p.log.Error("delivery failed", map[string]interface{}{"notificationId": notificationID, "error": err})
		p.report(fmt.Errorf("deliver notification %s: %w", notificationID, err))
		return
	}
	p.log.Debug("notification processed", map[string]interface{}{
		"worker":         worker,
		"notificationId": notificationID,
		"succeeded":      result.Succeeded,
		"failed":         result.Failed,
	})
}

func (p *Pool) report(err error) {
	select {
	case p.errs <- err:
	default:
	}
}
