package relay

import "sync"

// conversationLocks hands out one mutex per conversation so events for the
// same conversation are processed strictly one at a time while distinct
// conversations proceed in parallel.
type conversationLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{m: make(map[int64]*sync.Mutex)}
}

func (l *conversationLocks) get(conversationID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.m[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		l.m[conversationID] = lock
	}
	return lock
}
