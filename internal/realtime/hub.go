package realtime

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// Peer is one connected client as seen by the hub.
type Peer interface {
	ID() string
	// Send queues an encoded frame without blocking and reports whether it was accepted.
	Send(msg []byte) bool
}

// Publisher forwards locally relayed frames to other instances.
type Publisher interface {
	Publish(room string, msg []byte)
}

// Lock is the current advisory holder of a task.
type Lock struct {
	TaskID   int64           `json:"taskId"`
	SocketID string          `json:"socketId"`
	UserID   json.RawMessage `json:"userId"`
	UserName string          `json:"userName"`
}

type Options struct {
	// ReleaseLocksOnDisconnect drops a peer's locks and relays task-unlocked when it unregisters.
	ReleaseLocksOnDisconnect bool
	SendBuffer               int
	Logger                   *slog.Logger
}

// Hub is the in-memory room registry and advisory lock ledger.
type Hub struct {
	mu          sync.Mutex
	peers       map[string]Peer
	rooms       map[string]map[string]Peer
	memberships map[string]map[string]struct{}
	locks       map[string]map[int64]Lock

	publisher           Publisher
	releaseOnDisconnect bool
	sendBuffer          int
	metrics             Metrics
	logger              *slog.Logger
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Hub{
		peers:               make(map[string]Peer),
		rooms:               make(map[string]map[string]Peer),
		memberships:         make(map[string]map[string]struct{}),
		locks:               make(map[string]map[int64]Lock),
		releaseOnDisconnect: opts.ReleaseLocksOnDisconnect,
		sendBuffer:          sendBuffer,
		logger:              logger.With("component", "realtime"),
	}
}

// SetPublisher attaches a cross-instance bridge. Call before serving traffic.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.publisher = p
	h.mu.Unlock()
}

func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	h.memberships[p.ID()] = make(map[string]struct{})
	h.mu.Unlock()
	h.metrics.connections.Add(1)
	h.metrics.totalConnects.Add(1)
}

// Unregister removes the peer from every room it joined.
func (h *Hub) Unregister(p Peer) {
	id := p.ID()

	h.mu.Lock()
	if _, ok := h.peers[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, id)
	rooms := h.memberships[id]
	delete(h.memberships, id)
	for room := range rooms {
		h.removeFromRoomLocked(room, id)
	}

	if h.releaseOnDisconnect {
		for room, held := range h.locks {
			for taskID, lock := range held {
				if lock.SocketID != id {
					continue
				}
				delete(held, taskID)
				if msg, ok := h.encode(EventTaskUnlocked, TaskUnlocked{TaskID: taskID, SocketID: id}); ok {
					h.broadcastLocked(room, id, msg)
				}
			}
			if len(held) == 0 {
				delete(h.locks, room)
			}
		}
	}
	h.mu.Unlock()
	h.metrics.connections.Add(-1)
}

func (h *Hub) Join(p Peer, projectID int64) {
	room := RoomName(projectID)
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Peer)
		h.rooms[room] = members
	}
	members[p.ID()] = p
	if joined, ok := h.memberships[p.ID()]; ok {
		joined[room] = struct{}{}
	}
}

func (h *Hub) Leave(p Peer, projectID int64) {
	room := RoomName(projectID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(room, p.ID())
	if joined, ok := h.memberships[p.ID()]; ok {
		delete(joined, room)
	}
}

func (h *Hub) removeFromRoomLocked(room, id string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Handle dispatches one inbound frame from p. Malformed or unknown events are dropped.
func (h *Hub) Handle(p Peer, f Frame) {
	h.metrics.eventsReceived.Add(1)

	switch f.Event {
	case EventJoinProject, EventLeaveProject:
		projectID, err := parseProjectRef(f.Data)
		if err != nil {
			h.logger.Debug("bad room reference", "event", f.Event, "socket_id", p.ID(), "error", err)
			return
		}
		if f.Event == EventJoinProject {
			h.Join(p, projectID)
		} else {
			h.Leave(p, projectID)
		}

	case EventCursorMove:
		var in map[string]json.RawMessage
		if err := json.Unmarshal(f.Data, &in); err != nil {
			return
		}
		var projectID ID
		if err := json.Unmarshal(in["projectId"], &projectID); err != nil {
			return
		}
		in["socketId"], _ = json.Marshal(p.ID())
		h.relay(RoomName(int64(projectID)), p.ID(), EventCursorUpdate, in)

	case EventTaskLock:
		var in lockRequest
		if err := json.Unmarshal(f.Data, &in); err != nil {
			return
		}
		room := RoomName(int64(in.ProjectID))
		lock := Lock{TaskID: int64(in.TaskID), SocketID: p.ID(), UserID: in.UserID, UserName: in.UserName}
		msg, ok := h.encode(EventTaskLocked, TaskLocked{TaskID: lock.TaskID, UserID: lock.UserID, UserName: lock.UserName, SocketID: p.ID()})
		if !ok {
			return
		}
		h.mu.Lock()
		h.setLockLocked(room, lock)
		h.broadcastLocked(room, p.ID(), msg)
		h.mu.Unlock()

	case EventTaskUnlock:
		var in unlockRequest
		if err := json.Unmarshal(f.Data, &in); err != nil {
			return
		}
		room := RoomName(int64(in.ProjectID))
		msg, ok := h.encode(EventTaskUnlocked, TaskUnlocked{TaskID: int64(in.TaskID), SocketID: p.ID()})
		if !ok {
			return
		}
		h.mu.Lock()
		h.clearLockLocked(room, int64(in.TaskID))
		h.broadcastLocked(room, p.ID(), msg)
		h.mu.Unlock()

	case EventTaskCreated, EventTaskUpdated:
		var in taskNotice
		if err := json.Unmarshal(f.Data, &in); err != nil {
			return
		}
		h.relay(RoomName(int64(in.ProjectID)), p.ID(), f.Event, in.Task)

	case EventTaskDeleted:
		var in taskDeletedNotice
		if err := json.Unmarshal(f.Data, &in); err != nil {
			return
		}
		h.relay(RoomName(int64(in.ProjectID)), p.ID(), f.Event, in.TaskID)

	default:
		h.logger.Debug("ignoring unknown event", "event", f.Event, "socket_id", p.ID())
	}
}

// relay encodes the frame once and delivers it to every room member except the sender.
func (h *Hub) relay(room, senderID, event string, data any) {
	msg, ok := h.encode(event, data)
	if !ok {
		return
	}
	h.mu.Lock()
	h.broadcastLocked(room, senderID, msg)
	h.mu.Unlock()
}

func (h *Hub) encode(event string, data any) ([]byte, bool) {
	frame, err := NewFrame(event, data)
	if err == nil {
		var msg []byte
		if msg, err = json.Marshal(frame); err == nil {
			return msg, true
		}
	}
	h.logger.Warn("encode relay", "event", event, "error", err)
	return nil, false
}

// broadcastLocked enqueues msg for the room and the bridge. The caller holds h.mu,
// so every receiver sees ledger changes in the order the hub applied them.
// Peer.Send and Publisher.Publish must not block.
func (h *Hub) broadcastLocked(room, senderID string, msg []byte) {
	h.deliverLocked(room, senderID, msg)
	if h.publisher != nil {
		h.publisher.Publish(room, msg)
	}
}

// DeliverRemote hands a frame relayed by another instance to every local member of room.
// Bridged lock changes are mirrored into the local ledger.
func (h *Hub) DeliverRemote(room string, msg []byte) {
	h.metrics.bridgeReceived.Add(1)

	var f Frame
	_ = json.Unmarshal(msg, &f)

	h.mu.Lock()
	defer h.mu.Unlock()
	switch f.Event {
	case EventTaskLocked:
		var in TaskLocked
		if err := json.Unmarshal(f.Data, &in); err == nil {
			h.setLockLocked(room, Lock{TaskID: in.TaskID, SocketID: in.SocketID, UserID: in.UserID, UserName: in.UserName})
		}
	case EventTaskUnlocked:
		var in TaskUnlocked
		if err := json.Unmarshal(f.Data, &in); err == nil {
			h.clearLockLocked(room, in.TaskID)
		}
	}
	h.deliverLocked(room, "", msg)
}

// setLockLocked records lock as the holder of its task, replacing any previous holder.
func (h *Hub) setLockLocked(room string, lock Lock) {
	held, ok := h.locks[room]
	if !ok {
		held = make(map[int64]Lock)
		h.locks[room] = held
	}
	held[lock.TaskID] = lock
}

func (h *Hub) clearLockLocked(room string, taskID int64) {
	held, ok := h.locks[room]
	if !ok {
		return
	}
	delete(held, taskID)
	if len(held) == 0 {
		delete(h.locks, room)
	}
}

func (h *Hub) deliverLocked(room, exceptID string, msg []byte) {
	for id, peer := range h.rooms[room] {
		if id == exceptID {
			continue
		}
		if peer.Send(msg) {
			h.metrics.eventsRelayed.Add(1)
		} else {
			h.metrics.framesDropped.Add(1)
			h.logger.Warn("dropped frame", "room", room, "socket_id", peer.ID())
		}
	}
}

// Locks returns the current advisory holders in a project, ordered by task id.
func (h *Hub) Locks(projectID int64) []Lock {
	h.mu.Lock()
	defer h.mu.Unlock()
	held := h.locks[RoomName(projectID)]
	out := make([]Lock, 0, len(held))
	for _, lock := range held {
		out = append(out, lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Members returns the socket ids currently in a project room.
func (h *Hub) Members(projectID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[RoomName(projectID)]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Snapshot() Snapshot {
	s := h.metrics.snapshot()
	h.mu.Lock()
	s.ActiveRooms = len(h.rooms)
	for _, held := range h.locks {
		s.ActiveLocks += len(held)
	}
	h.mu.Unlock()
	return s
}

func (h *Hub) countPublished() {
	h.metrics.bridgePublished.Add(1)
}
