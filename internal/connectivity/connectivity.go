// Package connectivity reports whether the network is usable and pushes
// transitions to subscribers.
package connectivity

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/lifeline/internal/telemetry"
)

// Monitor pushes connectivity transitions; true means the network is usable.
//
// Subscribe returns a channel that receives the current state, when known, and
// every later transition, plus a function that cancels the subscription. A
// subscriber that falls behind only sees the latest state.
type Monitor interface {
	Subscribe() (<-chan bool, func())
}

// broadcaster fans state changes out to subscribers. Unchanged states are
// dropped.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan bool
	nextID uint64
	known  bool
	online bool
}

func (b *broadcaster) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[uint64]chan bool)
	}

	ch := make(chan bool, 1)
	if b.known {
		ch <- b.online
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// publish records online and reports whether it was a transition.
func (b *broadcaster) publish(online bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.known && b.online == online {
		return false
	}
	b.known = true
	b.online = online

	for _, ch := range b.subs {
		// Replace a value the subscriber has not read yet.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}

	telemetry.GetMetrics().ConnectivityTransitionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("online", online)))

	return true
}

// state returns the last published state and whether one has been published.
func (b *broadcaster) state() (online, known bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online, b.known
}

// Manual is a Monitor whose state is set by the caller.
type Manual struct {
	broadcaster
}

// NewManual creates a monitor starting in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.publish(online)
	return m
}

// Set changes the state, notifying subscribers when it differs.
func (m *Manual) Set(online bool) {
	m.publish(online)
}

// Online returns the current state.
func (m *Manual) Online() bool {
	online, _ := m.state()
	return online
}
