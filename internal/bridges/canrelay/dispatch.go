package canrelay

import "sync"

type notificationKind int

const (
	notifyChanged notificationKind = iota
	notifyObserved
	notifyOffline
)

// notification is one queued listener callback.
type notification struct {
	kind   notificationKind
	nodeID int
	on     bool
	source string
	reason string
}

// dispatcher delivers notifications one at a time in enqueue order.
//
// Enqueue never blocks, so the bus reader can hand off a change while
// holding the cache lock and go straight back to reading frames. A
// delivery goroutine is started on demand and exits once the queue is
// empty.
type dispatcher struct {
	mu        sync.Mutex
	delivered *sync.Cond
	queue     []notification
	running   bool
	enqueued  uint64
	done      uint64
	deliver   func(notification)
}

func newDispatcher(deliver func(notification)) *dispatcher {
	d := &dispatcher{deliver: deliver}
	d.delivered = sync.NewCond(&d.mu)
	return d
}

// enqueue queues n and returns its ticket for wait.
func (d *dispatcher) enqueue(n notification) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue = append(d.queue, n)
	d.enqueued++
	if !d.running {
		d.running = true
		go d.run()
	}
	return d.enqueued
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		n := d.queue[0]
		d.queue[0] = notification{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(n)

		d.mu.Lock()
		d.done++
		d.delivered.Broadcast()
		d.mu.Unlock()
	}
}

// wait blocks until the notification with the given ticket, and every
// one queued before it, has been delivered.
func (d *dispatcher) wait(ticket uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.done < ticket {
		d.delivered.Wait()
	}
}

// flush waits for everything queued so far.
func (d *dispatcher) flush() {
	d.mu.Lock()
	ticket := d.enqueued
	d.mu.Unlock()
	d.wait(ticket)
}
