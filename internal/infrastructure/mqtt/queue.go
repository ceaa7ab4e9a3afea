package mqtt

import "sync"

// deliveryQueue is an unbounded FIFO between the paho router and a single
// consume worker. push never blocks, so the router keeps reading acks and
// pings while the worker is busy.
type deliveryQueue struct {
	mu    sync.Mutex
	items []*Delivery

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push appends d in arrival order.
func (q *deliveryQueue) push(d *Delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a delivery is available or the queue is closed.
func (q *deliveryQueue) pop() (*Delivery, bool) {
	for {
		select {
		case <-q.done:
			return nil, false
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return d, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
			return nil, false
		}
	}
}

// close stops the worker. Queued deliveries stay unacknowledged, so the
// broker redelivers them on the next session.
func (q *deliveryQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
