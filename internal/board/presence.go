package board

import (
	"sort"
	"sync"
	"time"

	"taskboard/api/internal/realtime"
)

// CursorTTL is how long a remote cursor stays visible without a fresh update.
const CursorTTL = 3 * time.Second

// Cursor is a remote user's pointer as relayed in cursor-update.
type Cursor struct {
	SocketID  string      `json:"socketId"`
	X         float64     `json:"x"`
	Y         float64     `json:"y"`
	UserID    realtime.ID `json:"userId"`
	UserName  string      `json:"userName"`
	Avatar    string      `json:"avatar"`
	ProjectID realtime.ID `json:"projectId"`
}

type cursorEntry struct {
	cursor Cursor
	gen    uint64
	timer  *time.Timer
}

// Presence is the receiver-side view of other users: cursors that expire on
// their own timers, and the advisory lock table.
type Presence struct {
	ttl time.Duration

	mu      sync.Mutex
	cursors map[string]*cursorEntry
	locks   map[int64]realtime.TaskLocked
}

// NewPresence returns a presence table. ttl <= 0 uses CursorTTL.
func NewPresence(ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = CursorTTL
	}
	return &Presence{
		ttl:     ttl,
		cursors: make(map[string]*cursorEntry),
		locks:   make(map[int64]realtime.TaskLocked),
	}
}

// UpdateCursor stores the cursor and restarts its expiry timer.
func (p *Presence) UpdateCursor(c Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.cursors[c.SocketID]
	if !ok {
		e = &cursorEntry{}
		p.cursors[c.SocketID] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	e.cursor = c
	e.gen++
	gen, id := e.gen, c.SocketID
	e.timer = time.AfterFunc(p.ttl, func() { p.expire(id, gen) })
}

// expire drops a cursor unless it was refreshed after the timer was armed.
func (p *Presence) expire(socketID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cursors[socketID]; ok && e.gen == gen {
		delete(p.cursors, socketID)
	}
}

// Cursors returns the live cursors ordered by socket id.
func (p *Presence) Cursors() []Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Cursor, 0, len(p.cursors))
	for _, e := range p.cursors {
		out = append(out, e.cursor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out
}

// Lock records a holder; any previous holder of the task is replaced.
func (p *Presence) Lock(l realtime.TaskLocked) {
	p.mu.Lock()
	p.locks[l.TaskID] = l
	p.mu.Unlock()
}

// Unlock clears a task's holder. Unknown tasks are ignored.
func (p *Presence) Unlock(taskID int64) {
	p.mu.Lock()
	delete(p.locks, taskID)
	p.mu.Unlock()
}

func (p *Presence) LockHolder(taskID int64) (realtime.TaskLocked, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[taskID]
	return l, ok
}

// Close stops every pending cursor timer.
func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.cursors {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(p.cursors, id)
	}
}
