package signal

import (
	"sync"

	"github.com/rs/zerolog/log"

	"duet/callkit/internal/domain"
)

// subscribers fans inbound signals out to every active subscription.
// Shared by the websocket and redis channel implementations.
type subscribers struct {
	mu   sync.Mutex
	subs map[int]chan domain.Signal
	next int
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]chan domain.Signal)}
}

func (s *subscribers) add() (<-chan domain.Signal, func()) {
	ch := make(chan domain.Signal, 32)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// deliver pushes sig to every subscriber, dropping it for subscribers whose
// buffer is full rather than blocking the read loop.
func (s *subscribers) deliver(sig domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- sig:
		default:
			log.Warn().Str("type", string(sig.Type)).Msg("subscriber buffer full, dropping signal")
		}
	}
}

// closeAll closes every subscription, ending the inbound streams.
func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
