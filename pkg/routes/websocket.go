package routes

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kabili207/iamhere-server/pkg/registry"
)

const (
	transportKind = "websocket"
	writeWait     = 10 * time.Second
)

// serveWS upgrades the request and runs the connection's read loop. Frames
// are handed to the session one at a time in arrival order.
func (wr *WebRouter) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		wr.logger().Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	t := &wsTransport{ws: ws}
	conn := registry.NewConnection(t, transportKind, r.RemoteAddr)
	sess := wr.Sessions.Open(conn)
	log := wr.logger().With("conn", conn.ID, "remote", r.RemoteAddr)
	log.Info("websocket connected")

	stop := make(chan struct{})
	defer func() {
		close(stop)
		t.close()
		sess.Close()
		log.Info("websocket disconnected")
	}()

	ws.SetReadLimit(wr.MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(2 * wr.Heartbeat))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * wr.Heartbeat))
	})
	go t.keepAlive(wr.Heartbeat, stop)

	ctx := context.WithoutCancel(r.Context())
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}
		if err := sess.Handle(ctx, frame); err != nil {
			log.Debug("frame rejected", "error", err)
		}
	}
}

// wsTransport serialises writes to one WebSocket. gorilla/websocket allows a
// single concurrent writer, and pushes for a user arrive from other
// connections' goroutines.
type wsTransport struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return registry.ErrUnreachable
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.ws.SetWriteDeadline(deadline)
	if err := t.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		// A failed write leaves the connection unusable.
		t.closed = true
		return fmt.Errorf("%w: %v", registry.ErrUnreachable, err)
	}
	return nil
}

func (t *wsTransport) keepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				// The read loop notices the dead peer via its deadline.
				return
			}
		}
	}
}

func (t *wsTransport) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	_ = t.ws.Close()
}
