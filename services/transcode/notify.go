package transcode

import "sync"

const busBuffer = 16

// sessionBus fans session snapshots out to everyone waiting on a segment.
// Delivery is best-effort: each subscriber has a bounded buffer and the
// oldest snapshot is dropped on overflow. Subscribers treat a wake purely as
// a hint to re-read the live session table, so missed snapshots are fine.
type sessionBus struct {
	mu   sync.Mutex
	subs map[int]chan TranscodeSession
	next int
}

func newSessionBus() *sessionBus {
	return &sessionBus{subs: make(map[int]chan TranscodeSession)}
}

// subscribe returns a wake channel and a cancel func. Callers must check
// session state immediately after subscribing: the condition they wait for
// may already hold.
func (b *sessionBus) subscribe() (<-chan TranscodeSession, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan TranscodeSession, busBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *sessionBus) publish(s TranscodeSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			// Full: drop the oldest snapshot to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
