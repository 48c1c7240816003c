package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Inbound event names.
const (
	EventJoinProject  = "join-project"
	EventLeaveProject = "leave-project"
	EventCursorMove   = "cursor-move"
	EventTaskLock     = "task-lock"
	EventTaskUnlock   = "task-unlock"
	EventTaskCreated  = "task-created"
	EventTaskUpdated  = "task-updated"
	EventTaskDeleted  = "task-deleted"
)

// Outbound event names that differ from their inbound counterpart.
const (
	EventCursorUpdate = "cursor-update"
	EventTaskLocked   = "task-locked"
	EventTaskUnlocked = "task-unlocked"
)

var errMissingID = errors.New("missing id")

// Frame is the JSON envelope carried by every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data into a frame for event.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// ID is an identifier that clients send either as a JSON number or a string.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return errMissingID
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", b)
	}
	*id = ID(n)
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(id), 10), nil
}

// RoomName is the room key for a project.
func RoomName(projectID int64) string {
	return "project:" + strconv.FormatInt(projectID, 10)
}

// parseProjectRef accepts a bare project id or an object carrying projectId.
func parseProjectRef(data json.RawMessage) (int64, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, errMissingID
	}
	if data[0] == '{' {
		var ref struct {
			ProjectID *ID `json:"projectId"`
		}
		if err := json.Unmarshal(data, &ref); err != nil {
			return 0, err
		}
		if ref.ProjectID == nil {
			return 0, errMissingID
		}
		return int64(*ref.ProjectID), nil
	}
	var id ID
	if err := json.Unmarshal(data, &id); err != nil {
		return 0, err
	}
	return int64(id), nil
}

type lockRequest struct {
	TaskID    ID              `json:"taskId"`
	ProjectID ID              `json:"projectId"`
	UserID    json.RawMessage `json:"userId"`
	UserName  string          `json:"userName"`
}

type unlockRequest struct {
	TaskID    ID `json:"taskId"`
	ProjectID ID `json:"projectId"`
}

type taskNotice struct {
	ProjectID ID              `json:"projectId"`
	Task      json.RawMessage `json:"task"`
}

type taskDeletedNotice struct {
	ProjectID ID              `json:"projectId"`
	TaskID    json.RawMessage `json:"taskId"`
}

// TaskLocked is the relayed form of a task-lock event.
type TaskLocked struct {
	TaskID   int64           `json:"taskId"`
	UserID   json.RawMessage `json:"userId"`
	UserName string          `json:"userName"`
	SocketID string          `json:"socketId"`
}

// TaskUnlocked is the relayed form of a task-unlock event.
type TaskUnlocked struct {
	TaskID   int64  `json:"taskId"`
	SocketID string `json:"socketId"`
}
