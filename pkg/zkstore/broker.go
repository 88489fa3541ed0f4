package zkstore

import (
	"sync"
	"time"
)

// ConnState is a connection-state transition delivered to every listener
// subscribed on the Store: connected, suspended or lost. Each subscriber
// gets its own channel; the Coordinator is the one component that
// subscribes.
type ConnState string

const (
	StateConnected ConnState = "connected"
	StateSuspended ConnState = "suspended"
	StateLost      ConnState = "lost"
)

// Transition is one state-change event.
type Transition struct {
	State ConnState
	At    time.Time
}

// Listener is a channel a component subscribes on to observe connection
// transitions.
type Listener chan Transition

// broker fans connection-state transitions out to every subscriber, narrowed
// to the one event type the Coordination Store Client needs to broadcast.
type broker struct {
	mu          sync.RWMutex
	subscribers map[Listener]bool
	eventCh     chan Transition
	stopCh      chan struct{}
}

func newBroker() *broker {
	b := &broker{
		subscribers: make(map[Listener]bool),
		eventCh:     make(chan Transition, 64),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *broker) stop() {
	close(b.stopCh)
}

func (b *broker) subscribe() Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := make(Listener, 16)
	b.subscribers[l] = true
	return l
}

func (b *broker) unsubscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[l]; ok {
		delete(b.subscribers, l)
		close(l)
	}
}

func (b *broker) publish(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	select {
	case b.eventCh <- t:
	case <-b.stopCh:
	}
}

func (b *broker) run() {
	for {
		select {
		case t := <-b.eventCh:
			b.broadcast(t)
		case <-b.stopCh:
			return
		}
	}
}

func (b *broker) broadcast(t Transition) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.subscribers {
		select {
		case l <- t:
		default:
			// slow subscriber, drop rather than stall the broker
		}
	}
}
