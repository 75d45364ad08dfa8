package storage

import (
	"fmt"
	"sync"

	"datanet/pkg/types"

	"go.uber.org/zap"
)

// Event describes one accepted mutation. Exactly one of Authenticated,
// Mailbox or AppendOnly is set, matching StoreType.
type Event struct {
	StoreType     types.StoreType
	StoreKey      string
	Hash          types.Hash
	Authenticated *AuthenticatedData
	Mailbox       *MailboxData
	AppendOnly    AppendOnlyPayload
}

// Listener observes accepted store mutations. Callbacks run synchronously
// after the store lock is released.
type Listener interface {
	OnAdded(e Event)
	OnRemoved(e Event)
	OnRefreshed(e Event)
}

// listenerSet notifies a snapshot of listeners and isolates panics.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) clear() {
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *listenerSet) notify(logger *zap.Logger, name string, fn func(Listener)) {
	for _, l := range s.snapshot() {
		safeCall(logger, name, l, fn)
	}
}

func safeCall(logger *zap.Logger, name string, l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Listener failed",
				zap.String("callback", name),
				zap.String("listener", fmt.Sprintf("%T", l)),
				zap.Any("panic", r))
		}
	}()
	fn(l)
}
