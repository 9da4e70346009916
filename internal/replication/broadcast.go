package replication

import (
	"sync"

	"rkv/internal/logging"
	"rkv/internal/resp"
)

// broadcastRingSize bounds each subscriber's backlog. A replica
// writer that falls this far behind is lagging and starts losing
// messages; in practice such a replica needs a fresh PSYNC anyway, so
// the drop is logged rather than allowed to block the publisher.
const broadcastRingSize = 4096

// broadcaster is a multi-subscriber fan-out of resp.Value messages.
// Publish never blocks: a subscriber whose ring is full has its oldest
// queued message dropped to make room, and the drop is logged.
type broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan resp.Value
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan resp.Value)}
}

func (b *broadcaster) subscribe() (id uint64, ch <-chan resp.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id = b.nextID
	c := make(chan resp.Value, broadcastRingSize)
	b.subs[id] = c
	return id, c
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.subs[id]; ok {
		close(c)
		delete(b.subs, id)
	}
}

func (b *broadcaster) publish(v resp.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.subs {
		select {
		case c <- v:
		default:
			// Ring full: drop the oldest queued message to make room
			// rather than block the broadcaster on a slow replica.
			select {
			case <-c:
				logging.L().Warnw("replica subscriber lagging, dropped oldest message", "subscriber", id)
			default:
			}
			select {
			case c <- v:
			default:
				logging.L().Warnw("replica subscriber lagging, dropped message", "subscriber", id)
			}
		}
	}
}
