package callstore

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dense-identity/relaycall/internal/calling"
)

type op struct {
	snap   calling.Snapshot
	delete bool
}

// Tracker mirrors call lifecycle changes into a Store. Listeners only
// enqueue; a single worker goroutine talks to Redis so event dispatch is
// never blocked on the network.
type Tracker struct {
	store   *Store
	log     logrus.FieldLogger
	queue   chan op
	timeout time.Duration
}

func NewTracker(store *Store, log logrus.FieldLogger, size int) *Tracker {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if size <= 0 {
		size = 256
	}
	return &Tracker{store: store, log: log, queue: make(chan op, size), timeout: 2 * time.Second}
}

// Attach subscribes the tracker to every call svc creates.
func (t *Tracker) Attach(svc *calling.Service) {
	if t.store == nil {
		return
	}
	svc.OnCallCreated(func(call *calling.Call) {
		t.enqueue(op{snap: call.Snapshot()})
		call.OnStateChanged(func(c *calling.Call, _ calling.CallState, p *calling.StateParams) {
			t.enqueue(op{snap: c.Snapshot(), delete: p.CallState.IsTerminal()})
		})
		call.OnConnected(func(c *calling.Call, _ *calling.ConnectParams) {
			t.enqueue(op{snap: c.Snapshot()})
		})
	})
}

func (t *Tracker) enqueue(o op) {
	select {
	case t.queue <- o:
	default:
		t.log.WithField("call_id", o.snap.CallID).Warn("[CallStore] Queue full, dropping snapshot")
	}
}

// Run applies queued updates until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-t.queue:
			t.apply(ctx, o)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, o op) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	log := t.log.WithFields(logrus.Fields{"call_id": o.snap.CallID, "tag": o.snap.TemporaryID})
	// A promoted call leaves its tag entry behind.
	if o.snap.CallID != "" && o.snap.TemporaryID != "" {
		if err := t.store.Delete(ctx, o.snap.TemporaryID); err != nil {
			log.WithError(err).Warn("[CallStore] Failed to drop tag entry")
		}
	}
	if o.delete {
		if err := t.store.Delete(ctx, o.snap.CallID); err != nil {
			log.WithError(err).Warn("[CallStore] Failed to delete snapshot")
		}
		return
	}
	if err := t.store.Put(ctx, o.snap); err != nil {
		log.WithError(err).Warn("[CallStore] Failed to store snapshot")
	}
}
