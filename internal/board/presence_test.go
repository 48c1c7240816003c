package board

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api/internal/realtime"
)

func TestCursorExpiresAfterTTL(t *testing.T) {
	p := NewPresence(40 * time.Millisecond)
	defer p.Close()

	p.UpdateCursor(Cursor{SocketID: "s1", X: 1, Y: 2, UserName: "Ann"})
	require.Len(t, p.Cursors(), 1)

	assert.Eventually(t, func() bool { return len(p.Cursors()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCursorRefreshRestartsTimer(t *testing.T) {
	p := NewPresence(150 * time.Millisecond)
	defer p.Close()

	p.UpdateCursor(Cursor{SocketID: "s1", X: 1})
	time.Sleep(100 * time.Millisecond)
	p.UpdateCursor(Cursor{SocketID: "s1", X: 2})
	time.Sleep(100 * time.Millisecond)

	cursors := p.Cursors()
	require.Len(t, cursors, 1, "refreshed cursor must outlive the first timer")
	assert.Equal(t, float64(2), cursors[0].X)

	assert.Eventually(t, func() bool { return len(p.Cursors()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCursorsExpireIndependently(t *testing.T) {
	p := NewPresence(60 * time.Millisecond)
	defer p.Close()

	p.UpdateCursor(Cursor{SocketID: "a"})
	time.Sleep(40 * time.Millisecond)
	p.UpdateCursor(Cursor{SocketID: "b"})

	require.Eventually(t, func() bool {
		c := p.Cursors()
		return len(c) == 1 && c[0].SocketID == "b"
	}, time.Second, 2*time.Millisecond)
}

func TestDefaultTTL(t *testing.T) {
	assert.Equal(t, CursorTTL, NewPresence(0).ttl)
	assert.Equal(t, 3*time.Second, CursorTTL)
}

func TestPresenceLocks(t *testing.T) {
	p := NewPresence(0)

	p.Unlock(99)
	_, ok := p.LockHolder(99)
	assert.False(t, ok)

	p.Lock(realtime.TaskLocked{TaskID: 7, UserName: "Ann", SocketID: "a", UserID: json.RawMessage(`1`)})
	p.Lock(realtime.TaskLocked{TaskID: 7, UserName: "Bob", SocketID: "b", UserID: json.RawMessage(`2`)})

	holder, ok := p.LockHolder(7)
	require.True(t, ok)
	assert.Equal(t, "Bob", holder.UserName)

	p.Unlock(7)
	p.Unlock(7)
	_, ok = p.LockHolder(7)
	assert.False(t, ok)
}

func TestApplyRoutesFrames(t *testing.T) {
	b := loadedBoard(t, newFakeAPI(Task{ID: 1, Title: "a"}))
	p := NewPresence(time.Minute)
	defer p.Close()

	frames := []realtime.Frame{
		{Event: realtime.EventCursorUpdate, Data: json.RawMessage(`{"x":3,"y":4,"userId":"5","userName":"Ann","avatar":"avatar-1.png","projectId":1,"socketId":"s"}`)},
		{Event: realtime.EventTaskLocked, Data: json.RawMessage(`{"taskId":1,"userId":5,"userName":"Ann","socketId":"s"}`)},
		{Event: realtime.EventTaskCreated, Data: json.RawMessage(`{"id":2,"title":"b"}`)},
		{Event: realtime.EventTaskUpdated, Data: json.RawMessage(`{"id":1,"title":"a2"}`)},
		{Event: realtime.EventTaskDeleted, Data: json.RawMessage(`2`)},
		{Event: "something-else", Data: json.RawMessage(`{}`)},
	}
	for _, f := range frames {
		require.NoError(t, Apply(f, b, p), f.Event)
	}

	cursors := p.Cursors()
	require.Len(t, cursors, 1)
	assert.Equal(t, realtime.ID(5), cursors[0].UserID)
	assert.Equal(t, float64(3), cursors[0].X)

	_, locked := p.LockHolder(1)
	assert.True(t, locked)

	tasks := b.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "a2", tasks[0].Title)

	require.NoError(t, Apply(realtime.Frame{Event: realtime.EventTaskUnlocked, Data: json.RawMessage(`{"taskId":1,"socketId":"s"}`)}, b, p))
	_, locked = p.LockHolder(1)
	assert.False(t, locked)
}

func TestApplyRejectsBadPayload(t *testing.T) {
	b := loadedBoard(t, newFakeAPI())
	err := Apply(realtime.Frame{Event: realtime.EventTaskDeleted, Data: json.RawMessage(`{"id":1}`)}, b, nil)
	assert.Error(t, err)
	assert.NoError(t, Apply(realtime.Frame{Event: realtime.EventCursorUpdate, Data: json.RawMessage(`{}`)}, b, nil))
}
