package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.RWMutex
	userID string // empty receives every user's events
}

func (c *Client) wants(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID == "" || c.userID == userID
}

func (c *Client) filter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// sendReplay queues buffered envelopes newer than lastSeq.
func (c *Client) sendReplay(lastSeq int64) {
	for _, e := range c.hub.replay.Since(lastSeq, c.filter()) {
		if !c.trySend(e.Data) {
			return
		}
	}
}

// trySend queues b unless the client is gone or its buffer is full.
func (c *Client) trySend(b []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		c.hub.metrics.ObserveWSDrop()
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce queued envelopes into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientMsg is a control message from the peer.
type clientMsg struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	LastSeq int64  `json:"last_seq"`
	Ping    int64  `json:"ping"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}

		switch msg.Type {
		case "SUBSCRIBE":
			if msg.UserID == "" && !c.hub.firehose {
				c.reply(map[string]any{"type": "error", "error": "user_id is required"})
				continue
			}
			c.mu.Lock()
			c.userID = msg.UserID
			c.mu.Unlock()
			if msg.LastSeq > 0 {
				c.sendReplay(msg.LastSeq)
			}
			c.reply(map[string]any{"type": "subscribed", "user_id": msg.UserID, "seq": c.hub.Seq()})
		case "ping":
			c.reply(map[string]any{"type": "pong", "ping": msg.Ping, "server_ts": time.Now().UnixMilli()})
		}
	}
}

func (c *Client) reply(v any) {
	if b, err := json.Marshal(v); err == nil {
		c.trySend(b)
	}
}
