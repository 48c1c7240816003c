package realtime

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"taskboard/api/internal/util"
)

const writeTimeout = 10 * time.Second

// Conn is one websocket client. A reader goroutine feeds the hub and a
// writer goroutine drains the bounded send queue.
type Conn struct {
	id   string
	hub  *Hub
	raw  net.Conn
	send chan []byte

	// wmu serialises data frames from the writer with control replies from the reader.
	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close tears the connection down; safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.raw.Close()
	})
}

// ServeHTTP upgrades the request and runs the connection until either side hangs up.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	// The server's read and write timeouts would otherwise kill long-lived sockets.
	_ = raw.SetDeadline(time.Time{})

	c := &Conn{
		id:   util.NewID(""),
		hub:  h,
		raw:  raw,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.Register(c)
	h.logger.Info("socket connected", "socket_id", c.id, "remote_addr", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()

	c.Close()
	h.Unregister(c)
	h.logger.Info("socket disconnected", "socket_id", c.id)
}

func (c *Conn) readLoop() {
	control := wsutil.ControlFrameHandler(c.raw, ws.StateServerSide)
	handleControl := func(hdr ws.Header, r io.Reader) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return control(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         c.raw,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: handleControl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := handleControl(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		payload, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.hub.logger.Debug("bad frame", "socket_id", c.id, "error", err)
			continue
		}
		c.hub.Handle(c, f)
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := wsutil.WriteServerMessage(c.raw, ws.OpText, msg)
	_ = c.raw.SetWriteDeadline(time.Time{})
	return err
}

// CloseAll disconnects every websocket peer, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.peers))
	for _, p := range h.peers {
		if c, ok := p.(*Conn); ok {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
