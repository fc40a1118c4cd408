// Package pending holds the connections that are parked waiting for a
// human decision, keyed by tool-use id.
package pending

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/g960059/islandd/internal/wire"
)

// Entry is one held connection. The registry owns it until removal; the
// remover owns the connection afterwards and must Close it.
type Entry struct {
	SessionID string
	ToolUseID string
	Event     wire.Event
	CreatedAt time.Time

	conn      net.Conn
	seq       uint64
	closeOnce sync.Once
	closeErr  error
}

func NewEntry(conn net.Conn, ev wire.Event, createdAt time.Time) *Entry {
	return &Entry{
		SessionID: ev.SessionID,
		ToolUseID: ev.ToolUseIDValue(),
		Event:     ev,
		CreatedAt: createdAt,
		conn:      conn,
	}
}

func (e *Entry) Conn() net.Conn { return e.conn }

// Close closes the held connection. Only the first call has an effect.
func (e *Entry) Close() error {
	e.closeOnce.Do(func() {
		if e.conn != nil {
			e.closeErr = e.conn.Close()
		}
	})
	return e.closeErr
}

type Registry struct {
	mu        sync.Mutex
	byID      map[string]*Entry
	bySession map[string]map[string]*Entry
	seq       uint64
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      map[string]*Entry{},
		bySession: map[string]map[string]*Entry{},
	}
}

// Insert registers e under its tool-use id. If an entry already holds that
// id it is unregistered and returned so the caller can close it.
func (r *Registry) Insert(e *Entry) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced := r.removeLocked(e.ToolUseID)
	r.seq++
	e.seq = r.seq
	r.byID[e.ToolUseID] = e
	sess := r.bySession[e.SessionID]
	if sess == nil {
		sess = map[string]*Entry{}
		r.bySession[e.SessionID] = sess
	}
	sess[e.ToolUseID] = e
	return replaced
}

func (r *Registry) Remove(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.removeLocked(id)
	return e, e != nil
}

func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

// Find returns the most recently created entry for session.
func (r *Registry) Find(session string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.latestLocked(session)
	return e, e != nil
}

// TakeLatest atomically finds and removes the most recent entry for
// session.
func (r *Registry) TakeLatest(session string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.latestLocked(session)
	if e == nil {
		return nil, false
	}
	r.removeLocked(e.ToolUseID)
	return e, true
}

func (r *Registry) RemoveAll(session string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.bySession[session]
	out := make([]*Entry, 0, len(sess))
	for _, e := range sess {
		delete(r.byID, e.ToolUseID)
		out = append(out, e)
	}
	delete(r.bySession, session)
	sortEntries(out)
	return out
}

func (r *Registry) Contains(session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession[session]) > 0
}

// Drain removes every entry.
func (r *Registry) Drain() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	r.byID = map[string]*Entry{}
	r.bySession = map[string]map[string]*Entry{}
	sortEntries(out)
	return out
}

// List returns a snapshot of all entries, oldest first.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	r.mu.Unlock()
	sortEntries(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) removeLocked(id string) *Entry {
	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if sess := r.bySession[e.SessionID]; sess != nil {
		delete(sess, id)
		if len(sess) == 0 {
			delete(r.bySession, e.SessionID)
		}
	}
	return e
}

func (r *Registry) latestLocked(session string) *Entry {
	var latest *Entry
	for _, e := range r.bySession[session] {
		if latest == nil || newer(e, latest) {
			latest = e
		}
	}
	return latest
}

func newer(a, b *Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.seq > b.seq
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return newer(entries[j], entries[i]) })
}
