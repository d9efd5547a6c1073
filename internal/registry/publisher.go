package registry

import (
	"context"
	"errors"

	"github.com/zsiec/screenmirror/internal/logger"
)

// publishBuffer bounds directory updates waiting behind a slow store.
const publishBuffer = 256

// publisher applies directory updates in order on its own goroutine, so an
// unreachable store never stalls the registry loop. Each call gets its own
// deadline.
type publisher struct {
	dir Directory
	ops chan func()
	log logger.Logger
}

func newPublisher(dir Directory, log logger.Logger) *publisher {
	p := &publisher{
		dir: dir,
		ops: make(chan func(), publishBuffer),
		log: log,
	}
	go p.run()
	return p
}

func (p *publisher) run() {
	for op := range p.ops {
		op()
	}
}

// enqueue drops the update when the queue is full; records carry a TTL, so
// a missed update heals once the store is reachable again.
func (p *publisher) enqueue(op func()) {
	select {
	case p.ops <- op:
	default:
		p.log.Warn("Directory queue full, dropping update")
	}
}

func (p *publisher) register(rec *Record) {
	p.enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		defer cancel()
		if err := p.dir.Register(ctx, rec); err != nil {
			p.log.WithError(err).WithField("device_id", rec.DeviceID).Warn("Failed to publish session")
		}
	})
}

func (p *publisher) unregister(deviceID string) {
	p.enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		defer cancel()
		if err := p.dir.Unregister(ctx, deviceID); err != nil && !errors.Is(err, ErrRecordNotFound) {
			p.log.WithError(err).WithField("device_id", deviceID).Warn("Failed to withdraw session")
		}
	})
}

func (p *publisher) heartbeat(recs []*Record) {
	p.enqueue(func() {
		for _, rec := range recs {
			p.refresh(rec)
		}
	})
}

func (p *publisher) refresh(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	err := p.dir.Heartbeat(ctx, rec.DeviceID)
	if errors.Is(err, ErrRecordNotFound) {
		// expired while the store was unreachable
		err = p.dir.Register(ctx, rec)
	}
	if err != nil {
		p.log.WithError(err).WithField("device_id", rec.DeviceID).Debug("Failed to refresh session record")
	}
}

// flush waits until every update queued so far was applied, or ctx is done.
func (p *publisher) flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case p.ops <- func() { close(done) }:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
