package journal

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dense-identity/relaycall/internal/calling"
)

// Recorder journals every event a calling service classifies. The event tap
// only enqueues; Run does the writes.
type Recorder struct {
	journal *Journal
	log     logrus.FieldLogger
	queue   chan calling.Event
}

// NewRecorder writes to j. A non-nil log also becomes the journal's logger.
func NewRecorder(j *Journal, log logrus.FieldLogger, size int) *Recorder {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	} else {
		j.Log = log
	}
	if size <= 0 {
		size = 1024
	}
	return &Recorder{journal: j, log: log, queue: make(chan calling.Event, size)}
}

func (r *Recorder) Attach(svc *calling.Service) {
	svc.OnEvent(func(ev *calling.Event) {
		select {
		case r.queue <- *ev:
		default:
			r.log.WithField("event_type", ev.EventType).Warn("[Journal] Queue full, dropping event")
		}
	})
}

// Run writes queued events until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case ev := <-r.queue:
			r.write(ctx, &ev)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.write(context.Background(), &ev)
		default:
			return
		}
	}
}

// write outlives ctx so events dequeued during shutdown are not lost.
func (r *Recorder) write(ctx context.Context, ev *calling.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.journal.Append(ctx, ev); err != nil {
		r.log.WithError(err).WithField("event_type", ev.EventType).Warn("[Journal] Failed to append event")
	}
}
