package board

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"taskboard/api/internal/realtime"
)

// Socket is a websocket client of the realtime coordinator.
type Socket struct {
	conn net.Conn
	rd   *wsutil.Reader
	ctl  wsutil.FrameHandlerFunc

	wmu sync.Mutex
}

// Dial connects to a coordinator endpoint such as ws://host/api/socket.
func Dial(ctx context.Context, url string) (*Socket, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	var src io.Reader = conn
	if br != nil {
		src = br
	}

	s := &Socket{conn: conn}
	control := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	s.ctl = func(hdr ws.Header, r io.Reader) error {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		return control(hdr, r)
	}
	s.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: s.ctl,
	}
	return s, nil
}

func (s *Socket) Close() error {
	return s.conn.Close()
}

func (s *Socket) emit(event string, data any) error {
	f, err := realtime.NewFrame(event, data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.WriteClientMessage(s.conn, ws.OpText, msg)
}

func (s *Socket) Join(projectID int64) error {
	return s.emit(realtime.EventJoinProject, map[string]int64{"projectId": projectID})
}

func (s *Socket) Leave(projectID int64) error {
	return s.emit(realtime.EventLeaveProject, map[string]int64{"projectId": projectID})
}

// CursorMove is the outbound pointer position.
type CursorMove struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	UserID    int64   `json:"userId"`
	UserName  string  `json:"userName"`
	Avatar    string  `json:"avatar"`
	ProjectID int64   `json:"projectId"`
}

func (s *Socket) MoveCursor(c CursorMove) error {
	return s.emit(realtime.EventCursorMove, c)
}

func (s *Socket) Lock(projectID, taskID, userID int64, userName string) error {
	return s.emit(realtime.EventTaskLock, map[string]any{
		"taskId":    taskID,
		"projectId": projectID,
		"userId":    userID,
		"userName":  userName,
	})
}

func (s *Socket) Unlock(projectID, taskID int64) error {
	return s.emit(realtime.EventTaskUnlock, map[string]int64{"taskId": taskID, "projectId": projectID})
}

func (s *Socket) TaskCreated(projectID int64, task Task) error {
	return s.emit(realtime.EventTaskCreated, map[string]any{"projectId": projectID, "task": task})
}

// TaskUpdated satisfies Notifier.
func (s *Socket) TaskUpdated(projectID int64, task Task) error {
	return s.emit(realtime.EventTaskUpdated, map[string]any{"projectId": projectID, "task": task})
}

func (s *Socket) TaskDeleted(projectID, taskID int64) error {
	return s.emit(realtime.EventTaskDeleted, map[string]int64{"projectId": projectID, "taskId": taskID})
}

// Next blocks until the next text frame from the server.
func (s *Socket) Next() (realtime.Frame, error) {
	for {
		hdr, err := s.rd.NextFrame()
		if err != nil {
			return realtime.Frame{}, err
		}
		if hdr.OpCode.IsControl() {
			if err := s.ctl(hdr, s.rd); err != nil {
				return realtime.Frame{}, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := s.rd.Discard(); err != nil {
				return realtime.Frame{}, err
			}
			continue
		}
		payload, err := io.ReadAll(s.rd)
		if err != nil {
			return realtime.Frame{}, err
		}
		var f realtime.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			return realtime.Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		return f, nil
	}
}

// Apply routes a server frame into the board and presence tables.
// Either target may be nil. Unknown events are ignored.
func Apply(f realtime.Frame, b *Board, p *Presence) error {
	switch f.Event {
	case realtime.EventCursorUpdate:
		if p == nil {
			return nil
		}
		var c Cursor
		if err := json.Unmarshal(f.Data, &c); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		p.UpdateCursor(c)
	case realtime.EventTaskLocked:
		if p == nil {
			return nil
		}
		var l realtime.TaskLocked
		if err := json.Unmarshal(f.Data, &l); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		p.Lock(l)
	case realtime.EventTaskUnlocked:
		if p == nil {
			return nil
		}
		var u realtime.TaskUnlocked
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		p.Unlock(u.TaskID)
	case realtime.EventTaskCreated, realtime.EventTaskUpdated:
		if b == nil {
			return nil
		}
		var t Task
		if err := json.Unmarshal(f.Data, &t); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		if f.Event == realtime.EventTaskCreated {
			b.ApplyCreated(t)
		} else {
			b.ApplyUpdated(t)
		}
	case realtime.EventTaskDeleted:
		if b == nil {
			return nil
		}
		var id realtime.ID
		if err := json.Unmarshal(f.Data, &id); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		b.ApplyDeleted(int64(id))
	}
	return nil
}
