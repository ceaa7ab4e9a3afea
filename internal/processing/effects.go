package processing

import (
	"context"

	"github.com/nerrad567/smartaccess-core/internal/device"
	"github.com/nerrad567/smartaccess-core/internal/observer"
)

type broadcast struct {
	eventType string
	payload   any
}

// effects are side effects queued during a unit of work. They are
// discarded on rollback and flushed only after a confirmed commit.
type effects struct {
	snapshots  []*device.Device
	broadcasts []broadcast
	events     []observer.Event
}

func (fx *effects) refresh(d *device.Device) {
	fx.snapshots = append(fx.snapshots, d.Clone())
}

func (fx *effects) broadcast(eventType string, payload any) {
	fx.broadcasts = append(fx.broadcasts, broadcast{eventType: eventType, payload: payload})
}

func (fx *effects) emit(e observer.Event) {
	fx.events = append(fx.events, e)
}

// flush applies queued effects in order: cache, broadcast, observers.
func (p *Processor) flush(ctx context.Context, fx *effects) {
	for _, d := range fx.snapshots {
		p.snapshots.Refresh(ctx, d)
	}
	for _, b := range fx.broadcasts {
		p.broadcaster.Broadcast(b.eventType, b.payload)
	}
	for _, e := range fx.events {
		p.bus.Emit(ctx, e)
	}
}
