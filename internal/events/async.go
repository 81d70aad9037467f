package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/agentmarket/internal/metrics"
)

// Async decouples a slow sink from the ledger's commit path. Publish only
// enqueues; a single goroutine started by Run delivers batches to the sink
// in commit order. When the queue is full the batch is dropped.
type Async struct {
	name   string
	sink   Publisher
	queue  chan []Event
	logger *slog.Logger

	once sync.Once
	done chan struct{}
}

// NewAsync wraps sink with a queue of buffer batches. name labels metrics
// and log lines.
func NewAsync(name string, sink Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{
		name:   name,
		sink:   sink,
		queue:  make(chan []Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish implements Publisher. It never blocks.
func (a *Async) Publish(_ context.Context, evts []Event) error {
	if len(evts) == 0 {
		return nil
	}
	batch := append([]Event(nil), evts...)
	select {
	case a.queue <- batch:
	default:
		metrics.EventsPublishedTotal.WithLabelValues(a.name, "dropped").Add(float64(len(evts)))
		a.logger.Warn("event queue full, dropping batch", "sink", a.name, "events", len(evts))
	}
	return nil
}

// Run delivers queued batches until ctx is done, then drains what is left
// using a fresh context so shutdown does not lose committed events.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case batch := <-a.queue:
			a.deliver(ctx, batch)
		case <-ctx.Done():
			for {
				select {
				case batch := <-a.queue:
					a.deliver(context.WithoutCancel(ctx), batch)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (a *Async) Wait() {
	<-a.done
}

func (a *Async) deliver(ctx context.Context, batch []Event) {
	if err := a.sink.Publish(ctx, batch); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(a.name, "error").Add(float64(len(batch)))
		a.logger.Error("event delivery failed", "sink", a.name, "events", len(batch), "first", batch[0].ID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(a.name, "ok").Add(float64(len(batch)))
}
