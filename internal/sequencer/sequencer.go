// Package sequencer serializes work per key.
//
// Every key owns a bounded FIFO queue drained by a single worker goroutine.
// Tasks sharing a key never overlap and run in submission order; tasks on
// different keys run in parallel. A worker that stays idle for the expiration
// window exits and its queue is reclaimed.
package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull is returned when a key already has the maximum number of queued tasks
	ErrQueueFull = errors.New("sequencer queue is full")
	// ErrTimeout is returned when a task does not complete within the task timeout
	ErrTimeout = errors.New("sequencer task timed out")
	// ErrClosed is returned for submissions after Close
	ErrClosed = errors.New("sequencer is closed")
)

// Config tunes a Sequencer
type Config struct {
	Name       string
	QueueSize  int
	Timeout    time.Duration
	Expiration time.Duration
}

// Observer receives sequencer outcomes; metrics.Metrics satisfies it
type Observer interface {
	IncrementCounter(name string)
}

type task struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

type queue struct {
	tasks chan task
}

// Sequencer runs tasks one at a time per key
type Sequencer struct {
	cfg      Config
	observer Observer

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Sequencer. A nil observer disables counting.
func New(cfg Config, observer Observer) *Sequencer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return &Sequencer{
		cfg:      cfg,
		observer: observer,
		queues:   make(map[string]*queue),
		quit:     make(chan struct{}),
	}
}

// Run submits fn under key and waits for its outcome. It fails immediately
// with ErrQueueFull when the key's queue is at capacity, and with ErrTimeout
// when fn overruns the task timeout; in that case the key is released for the
// next task while fn is abandoned.
func (s *Sequencer) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	t := task{ctx: ctx, run: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	q, ok := s.queues[key]
	if !ok {
		q = &queue{tasks: make(chan task, s.cfg.QueueSize)}
		s.queues[key] = q
		s.wg.Add(1)
		go s.work(key, q)
	}
	select {
	case q.tasks <- t:
	default:
		s.mu.Unlock()
		s.count("sequencer_queue_full")
		log.Warn().Str("sequencer", s.cfg.Name).Str("key", key).Msg("Sequencer queue full, rejecting task")
		return errors.Wrapf(ErrQueueFull, "key %s", key)
	}
	s.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The task still runs in order; only the caller stops waiting.
		return ctx.Err()
	}
}

// Call runs fn under key and returns its value
func Call[T any](ctx context.Context, s *Sequencer, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := s.Run(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (s *Sequencer) work(key string, q *queue) {
	defer s.wg.Done()
	idle := time.NewTimer(s.cfg.Expiration)
	defer idle.Stop()

	for {
		select {
		case t := <-q.tasks:
			s.execute(key, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.Expiration)
		case <-idle.C:
			s.mu.Lock()
			if len(q.tasks) > 0 {
				s.mu.Unlock()
				idle.Reset(s.cfg.Expiration)
				continue
			}
			if s.queues[key] == q {
				delete(s.queues, key)
			}
			s.mu.Unlock()
			return
		case <-s.quit:
			for {
				select {
				case t := <-q.tasks:
					t.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (s *Sequencer) execute(key string, t task) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, s.cfg.Timeout)
	defer cancel()

	finished := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				finished <- errors.Errorf("sequencer task panicked: %v", r)
			}
		}()
		finished <- t.run(ctx)
	}()

	select {
	case err := <-finished:
		t.done <- err
	case <-ctx.Done():
		if t.ctx.Err() == nil {
			s.count("sequencer_timeout")
			log.Warn().Str("sequencer", s.cfg.Name).Str("key", key).Dur("timeout", s.cfg.Timeout).Msg("Sequencer task timed out")
			t.done <- errors.Wrapf(ErrTimeout, "key %s", key)
			return
		}
		t.done <- t.ctx.Err()
	}
}

// Size returns the number of keys that currently own a queue
func (s *Sequencer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Close rejects new submissions, fails queued tasks with ErrClosed and waits
// for running tasks to return
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sequencer) count(name string) {
	if s.observer != nil {
		s.observer.IncrementCounter(name)
	}
}
