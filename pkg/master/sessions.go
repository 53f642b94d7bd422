package master

import (
	"sync"
	"time"

	"github.com/springinnovate/nci-ndr-analysis/pkg/catalog"
)

// Session binds an in-flight dispatch to its worker and job payload. It
// exists between an acknowledged dispatch and exactly one of: a completion
// callback referencing it, or its worker being declared absent.
type Session struct {
	ID        string
	Worker    string
	Payload   catalog.Key
	StatusURL string
	CreatedAt time.Time
}

// SessionTable is the in-memory map of open sessions. It has its own lock,
// independent of the WorkerSet; a session may momentarily refer to a worker
// the registry has already dropped, until the dead-host sweep resolves it.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: map[string]*Session{}}
}

func (t *SessionTable) Put(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID] = s
}

// Resolve removes and returns the session with the given id. At most one
// caller ever observes ok==true for a given session.
func (t *SessionTable) Resolve(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	delete(t.sessions, id)
	return s, true
}

// EvictHost removes and returns every session bound to the given worker.
// Used by the dead-host sweep.
func (t *SessionTable) EvictHost(host string) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []*Session
	for id, s := range t.sessions {
		if s.Worker == host {
			evicted = append(evicted, s)
			delete(t.sessions, id)
		}
	}
	return evicted
}

// InFlight reports whether some open session is already dispatching the
// given work item.
func (t *SessionTable) InFlight(key catalog.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		if s.Payload == key {
			return true
		}
	}
	return false
}

func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
