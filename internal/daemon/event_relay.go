package daemon

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/builder"
	"git.home.luguber.info/inful/pkgbuildd/internal/daemon/events"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
	"git.home.luguber.info/inful/pkgbuildd/internal/metrics"
)

// relayPublishTimeout bounds how long a slow consumer can hold up the relay.
const relayPublishTimeout = 5 * time.Second

// eventRelay is the builder's Sink. The builder emits with its lock held,
// so Emit only queues; run forwards the queue onto the bus.
type eventRelay struct {
	bus      *events.Bus
	queue    chan builder.Event
	logger   *slog.Logger
	recorder metrics.Recorder
}

func newEventRelay(bus *events.Bus, buffer int, logger *slog.Logger, recorder metrics.Recorder) *eventRelay {
	return &eventRelay{
		bus:      bus,
		queue:    make(chan builder.Event, buffer),
		logger:   logger,
		recorder: metrics.OrNoop(recorder),
	}
}

var _ builder.Sink = (*eventRelay)(nil)

// Emit queues e, dropping it when the queue is full.
func (r *eventRelay) Emit(e builder.Event) {
	select {
	case r.queue <- e:
	default:
		r.recorder.IncEventPublished("relay", false)
		r.logger.Warn("Event queue full, dropping event",
			slog.String("type", string(e.Type)),
			logfields.BuildID(e.BuildID))
	}
}

// run forwards queued events until ctx is done, then drains what is left.
func (r *eventRelay) run(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.publish(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (r *eventRelay) publish(e builder.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, e); err != nil {
		r.logger.Warn("Failed to relay builder event",
			slog.String("type", string(e.Type)),
			logfields.BuildID(e.BuildID),
			logfields.Error(err))
	}
}
