// Package broadcast coalesces bursts of "something changed" signals.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink delivers one outbound notification
type Sink interface {
	Broadcast(ctx context.Context) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context) error

func (f SinkFunc) Broadcast(ctx context.Context) error { return f(ctx) }

// Debouncer fires its sink once per burst of pings. Every ping re-arms the
// window, so the sink runs a window after the last ping of a burst.
type Debouncer struct {
	sink    Sink
	window  time.Duration
	timeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewDebouncer creates a trailing-edge debouncer over sink
func NewDebouncer(sink Sink, window time.Duration) *Debouncer {
	return &Debouncer{sink: sink, window: window, timeout: 5 * time.Second}
}

// Ping records a change
func (d *Debouncer) Ping() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// fire runs the sink unless a later ping re-armed the window meanwhile
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Broadcast(ctx); err != nil {
		log.Warn().Err(err).Msg("Debounced broadcast failed")
	}
}

// Stop cancels any pending broadcast and ignores later pings
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
