package outbox

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSenderStopped is returned by Submit after Stop.
var ErrSenderStopped = errors.New("outbox: sender stopped")

// Executor performs the remote side of an action and returns the server id
// it was assigned, if any.
type Executor interface {
	Execute(ctx context.Context, a PendingAction) (serverID string, err error)
}

// Resolver is told when an action submitted to the Sender is resolved by the
// REST response. It is not called when the action was already resolved
// through another path, such as a socket echo.
type Resolver interface {
	Resolved(a PendingAction)
	Failed(a PendingAction, err error)
}

// queueSize bounds each worker queue and the shared queue.
const queueSize = 64

// Sender drains submitted actions through a small worker pool. Each worker
// owns a queue for the lanes hashed to it, so actions on one target never
// run concurrently; unlaned actions go to a queue every worker drains.
type Sender struct {
	log      *Log
	exec     Executor
	resolver Resolver
	logger   *zap.Logger
	timeout  time.Duration

	shared chan string
	lanes  []chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	done   bool
}

// NewSender creates a sender. workers < 1 is treated as 1.
func NewSender(log *Log, exec Executor, resolver Resolver, logger *zap.Logger, workers int, timeout time.Duration) *Sender {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lanes := make([]chan string, workers)
	for i := range lanes {
		lanes[i] = make(chan string, queueSize)
	}
	return &Sender{
		log:      log,
		exec:     exec,
		resolver: resolver,
		logger:   logger,
		timeout:  timeout,
		shared:   make(chan string, queueSize),
		lanes:    lanes,
	}
}

// Start launches the workers.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, own := range s.lanes {
		s.wg.Add(1)
		go s.loop(ctx, own)
	}
}

// Stop stops accepting work and waits for running executions to finish.
func (s *Sender) Stop() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Submit queues an in-flight action for execution.
func (s *Sender) Submit(ctx context.Context, tempID string) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return ErrSenderStopped
	}
	select {
	case s.queueFor(tempID) <- tempID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) queueFor(tempID string) chan string {
	a, ok := s.log.Get(tempID)
	if !ok {
		return s.shared
	}
	lane := a.Lane()
	if lane == "" {
		return s.shared
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(lane))
	return s.lanes[h.Sum32()%uint32(len(s.lanes))]
}

func (s *Sender) loop(ctx context.Context, own <-chan string) {
	defer s.wg.Done()
	for {
		select {
		case id := <-own:
			s.process(ctx, id)
		case id := <-s.shared:
			s.process(ctx, id)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) process(ctx context.Context, tempID string) {
	a, ok := s.log.Get(tempID)
	if !ok || a.State != InFlight {
		return
	}

	// A started request runs to completion or timeout even during shutdown.
	execCtx := context.WithoutCancel(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, s.timeout)
		defer cancel()
	}

	serverID, err := s.exec.Execute(execCtx, a)
	if err != nil {
		s.logger.Warn("action failed", zap.Error(err), zap.String("temp_id", tempID), zap.String("kind", string(a.Kind)))
		if failed, ok := s.log.Fail(tempID, err); ok && s.resolver != nil {
			s.resolver.Failed(failed, err)
		}
		return
	}

	confirmed, ok := s.log.Confirm(tempID, serverID)
	if !ok {
		s.logger.Debug("action already resolved", zap.String("temp_id", tempID))
		return
	}
	s.logger.Info("action confirmed", zap.String("temp_id", tempID), zap.String("server_id", serverID))
	if s.resolver != nil {
		s.resolver.Resolved(confirmed)
	}
}
