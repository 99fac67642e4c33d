package engine

import (
	"sync"

	"papertrader/pkg/types"
)

// Event is the sealed union published by the engine: PriceUpdate for every
// accepted tick, TriggerExecuted for every committed automatic closure.
type Event interface{ engineEvent() }

// PriceUpdate mirrors an accepted mark-price tick.
type PriceUpdate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"markPrice"`
	Ts     int64   `json:"ts"`
}

// TriggerExecuted reports a committed SL/TP closure.
type TriggerExecuted struct {
	PositionID  int64           `json:"positionId"`
	Symbol      string          `json:"symbol"`
	Event       types.EventType `json:"event"`
	ClosePrice  float64         `json:"closePrice"`
	RealizedPnl float64         `json:"realizedPnl"`
	Ts          int64           `json:"ts"`
}

func (PriceUpdate) engineEvent()     {}
func (TriggerExecuted) engineEvent() {}

// Hub fans engine events out to subscribers. One producer, many consumers.
// Each subscriber gets a bounded buffer; when it is full the oldest queued
// event is dropped so a slow consumer never stalls the tick loop.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
	closed bool
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a consumer. The returned cancel func detaches it and
// closes the channel; calling cancel more than once is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Full: drop the oldest queued event and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close detaches and closes every subscriber channel. Subsequent Subscribe
// calls return an already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
