package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPoolWorkers  = 4
	defaultPoolBuffer   = 256
	defaultTaskDeadline = 30 * time.Second
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers int
	Buffer  int
	// TaskTimeout bounds one Process call.
	TaskTimeout time.Duration
}

// Pool processes events on a fixed number of goroutines. Dispatch never blocks:
// a full queue returns ErrQueueFull.
type Pool struct {
	processor   Processor
	logger      *zap.Logger
	queue       chan string
	taskTimeout time.Duration
	mu          sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
}

// NewPool starts the workers.
func NewPool(processor Processor, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultPoolWorkers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultPoolBuffer
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskDeadline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := &Pool{
		processor:   processor,
		logger:      logger,
		queue:       make(chan string, cfg.Buffer),
		taskTimeout: cfg.TaskTimeout,
	}
	for workerIndex := 0; workerIndex < cfg.Workers; workerIndex++ {
		pool.wg.Add(1)
		go pool.work()
	}
	return pool
}

func (pool *Pool) Dispatch(_ context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	if pool.closed {
		return ErrClosed
	}
	select {
	case pool.queue <- eventID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to finish or ctx to end.
func (pool *Pool) Close(ctx context.Context) error {
	pool.mu.Lock()
	if !pool.closed {
		pool.closed = true
		close(pool.queue)
	}
	pool.mu.Unlock()

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pool *Pool) work() {
	defer pool.wg.Done()
	for eventID := range pool.queue {
		pool.process(eventID)
	}
}

func (pool *Pool) process(eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), pool.taskTimeout)
	defer cancel()
	result, err := pool.processor.Process(ctx, eventID)
	if err != nil {
		level := zap.WarnLevel
		if isPermanent(err) {
			level = zap.InfoLevel
		}
		pool.logger.Log(level, "webhook event processing failed", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	pool.logger.Debug("webhook event processed",
		zap.String("event_id", eventID),
		zap.String("payment_id", result.PaymentID),
		zap.String("outcome", string(result.Outcome)),
	)
}
