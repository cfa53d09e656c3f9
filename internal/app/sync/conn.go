package sync

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taskpulse/project/internal/contracts"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	sendBuffer   = 64
)

// clientMessage is what a connected client sends: subscription changes and
// application-level pings. A subscribe names one task, or all=true (an empty
// subscribe also means all).
type clientMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// serverMessage is what the gateway pushes to a client. For task updates the
// action is the lifecycle event type and data carries the event payload.
type serverMessage struct {
	Type      string             `json:"type"`
	Action    string             `json:"action,omitempty"`
	TaskID    string             `json:"task_id,omitempty"`
	OwnerID   string             `json:"owner_id,omitempty"`
	Data      *contracts.Payload `json:"data,omitempty"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
}

const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"
	msgTaskUpdate  = "task_update"
	msgPong        = "pong"
)

// Conn is one client connection. A fresh connection receives every update
// for its owner; a subscribe message with task ids narrows it, a subscribe
// with no ids widens it back.
type Conn struct {
	ID      string
	OwnerID string

	ws   *websocket.Conn
	send chan serverMessage

	mu      sync.Mutex
	all     bool
	taskIDs map[string]struct{}

	closeOnce sync.Once
}

func newConn(id, ownerID string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:      id,
		OwnerID: ownerID,
		ws:      ws,
		send:    make(chan serverMessage, sendBuffer),
		all:     true,
		taskIDs: make(map[string]struct{}),
	}
}

func (c *Conn) subscribe(taskID string, all bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if all || taskID == "" {
		c.all = true
		c.taskIDs = make(map[string]struct{})
		return
	}
	c.all = false
	c.taskIDs[taskID] = struct{}{}
}

func (c *Conn) unsubscribe(taskID string, all bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if all || taskID == "" {
		c.all = false
		c.taskIDs = make(map[string]struct{})
		return
	}
	delete(c.taskIDs, taskID)
}

func (c *Conn) wants(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.taskIDs[taskID]
	return ok
}

// enqueue hands a message to the write pump without blocking. A full buffer
// means the client is not keeping up; the caller drops the connection.
func (c *Conn) enqueue(msg serverMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// writePump owns all writes on the socket: queued messages plus the
// protocol-level ping that keeps liveness checked.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the socket dies. A connection that
// stops answering pings trips the read deadline and falls out here.
func (c *Conn) readPump(onExit func()) {
	defer func() {
		onExit()
		c.close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case msgSubscribe:
			c.subscribe(msg.TaskID, msg.All)
		case msgUnsubscribe:
			c.unsubscribe(msg.TaskID, msg.All)
		case msgPing:
			c.enqueue(serverMessage{Type: msgPong})
		}
	}
}
