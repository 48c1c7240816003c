package realtime

import "sync/atomic"

// Metrics counts coordinator activity. All fields are safe for concurrent use.
type Metrics struct {
	connections     atomic.Int64
	totalConnects   atomic.Int64
	eventsReceived  atomic.Int64
	eventsRelayed   atomic.Int64
	framesDropped   atomic.Int64
	bridgePublished atomic.Int64
	bridgeReceived  atomic.Int64
}

// Snapshot is a point-in-time copy of the coordinator counters.
type Snapshot struct {
	Connections     int64 `json:"connections"`
	TotalConnects   int64 `json:"totalConnects"`
	EventsReceived  int64 `json:"eventsReceived"`
	EventsRelayed   int64 `json:"eventsRelayed"`
	FramesDropped   int64 `json:"framesDropped"`
	BridgePublished int64 `json:"bridgePublished"`
	BridgeReceived  int64 `json:"bridgeReceived"`
	ActiveRooms     int   `json:"activeRooms"`
	ActiveLocks     int   `json:"activeLocks"`
}

func (m *Metrics) snapshot() Snapshot {
	return Snapshot{
		Connections:     m.connections.Load(),
		TotalConnects:   m.totalConnects.Load(),
		EventsReceived:  m.eventsReceived.Load(),
		EventsRelayed:   m.eventsRelayed.Load(),
		FramesDropped:   m.framesDropped.Load(),
		BridgePublished: m.bridgePublished.Load(),
		BridgeReceived:  m.bridgeReceived.Load(),
	}
}
