// Package events is an in-process pub/sub bus for keeper settlement events,
// feeding the websocket hub and notifiers without coupling them to the keeper.
package events

import (
	"sync"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Settlement reports one keeper execution of a queued perpetual request.
// State is SettlementExecuted on success and SettlementRefundable on a
// rejected execution, whose collateral stays parked at the venue.
type Settlement struct {
	RequestID  uint64
	VenueKey   common.Hash
	Account    common.Address
	Direction  domain.SettlementDirection
	State      domain.SettlementState
	Success    bool
	ExecutedAt time.Time
}

// Bus fans Settlement events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Settlement
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Settlement)}
}

// Subscribe registers a buffered subscriber channel and returns it with an
// unsubscribe function. The channel is closed on unsubscribe or bus Close.
func (b *Bus) Subscribe(buffer int) (<-chan Settlement, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Settlement, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers ev to every subscriber that has buffer room.
func (b *Bus) Publish(ev Settlement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish and Subscribe become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
