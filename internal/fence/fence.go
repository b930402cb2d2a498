// Package fence holds per-user deletion fences and single-writer locks,
// sharded by user id so unrelated users never contend.
package fence

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

func shardOf(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % shardCount)
}

type registryShard struct {
	mu     sync.RWMutex
	fenced map[string]string // user id -> tombstone id
}

// Registry is the in-memory view of active deletion fences. The durable
// record lives in the store; the registry lets hot paths reject fenced
// users without a round trip.
type Registry struct {
	shards [shardCount]registryShard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].fenced = make(map[string]string)
	}
	return r
}

// Fence marks a user as fenced by the given tombstone.
func (r *Registry) Fence(userID, tombstoneID string) {
	s := &r.shards[shardOf(userID)]
	s.mu.Lock()
	s.fenced[userID] = tombstoneID
	s.mu.Unlock()
}

// Release lifts the fence for a user.
func (r *Registry) Release(userID string) {
	s := &r.shards[shardOf(userID)]
	s.mu.Lock()
	delete(s.fenced, userID)
	s.mu.Unlock()
}

// Fenced reports whether the user is fenced and by which tombstone.
func (r *Registry) Fenced(userID string) (string, bool) {
	s := &r.shards[shardOf(userID)]
	s.mu.RLock()
	id, ok := s.fenced[userID]
	s.mu.RUnlock()
	return id, ok
}

// Len returns the number of fenced users.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.fenced)
		s.mu.RUnlock()
	}
	return n
}

type lockShard struct {
	mu    sync.Mutex
	users map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Locks serializes writes per user. Entries are reference counted and
// removed once no writer holds or waits on them.
type Locks struct {
	shards [shardCount]lockShard
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	l := &Locks{}
	for i := range l.shards {
		l.shards[i].users = make(map[string]*userLock)
	}
	return l
}

// Lock blocks until the caller is the only writer for userID and returns
// the matching unlock func.
func (l *Locks) Lock(userID string) func() {
	s := &l.shards[shardOf(userID)]
	s.mu.Lock()
	ul, ok := s.users[userID]
	if !ok {
		ul = &userLock{}
		s.users[userID] = ul
	}
	ul.refs++
	s.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		s.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(s.users, userID)
		}
		s.mu.Unlock()
	}
}
