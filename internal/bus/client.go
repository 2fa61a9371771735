package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// pumpConfig bundles the timing parameters client pumps need, set from
// config.Config at construction (PingIntervalSec/PingTimeoutSec).
type pumpConfig struct {
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// errorFrame is the wire shape of a protocol-error reply (§6): "Unknown
// action: <x>" or "Invalid JSON format".
type errorFrame struct {
	Error string `json:"error"`
}

// ReadPump reads client frames until the connection closes, dispatching
// each one's action (§6: confirm, cancel, ping, subscribe) and replying
// with an errorFrame for anything malformed or unrecognised. It always
// unregisters the client and closes the connection on return.
func (c *Client) ReadPump(confirmations *ConfirmationRegistry, cancels *CancelRegistry, cfg pumpConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(cfg.pongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.pongTimeout))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("bus: client=%s read error: %v", c.ID, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("bus: client=%s malformed frame: %v", c.ID, err)
			c.reply(errorFrame{Error: "Invalid JSON format"})
			continue
		}

		switch msg.Action {
		case ActionConfirm:
			proceed := false
			if msg.Proceed != nil {
				proceed = *msg.Proceed
			}
			confirmations.resolve(msg.CallbackID, confirmationResponse{Proceed: proceed, Feedback: msg.Feedback})

		case ActionCancel:
			userID, taskID := msg.UserID, msg.TaskID
			if userID == "" {
				userID = c.UserID
			}
			if cancels != nil && cancels.Cancel(userID, taskID) {
				c.hub.Broadcast(systemNotification(userID, taskID, "task cancelled by user"))
			}

		case ActionPing:
			c.Conn.SetReadDeadline(time.Now().Add(cfg.pongTimeout))

		case ActionSubscribe:
			// Registration under user_id at connect time already scopes
			// delivery; nothing further to do.

		default:
			c.reply(errorFrame{Error: fmt.Sprintf("Unknown action: %s", msg.Action)})
		}
	}
}

// reply pushes a protocol-error frame onto the write pump, dropping it
// rather than blocking if the client is slow to drain.
func (c *Client) reply(frame errorFrame) {
	select {
	case c.Send <- frame:
	default:
		log.Printf("bus: client=%s dropping reply %q: send buffer full", c.ID, frame.Error)
	}
}

// WritePump drains c.Send to the socket and emits periodic pings; it
// returns (and closes the connection) when Send is closed by the hub or
// a write fails.
func (c *Client) WritePump(cfg pumpConfig) {
	ticker := time.NewTicker(cfg.pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(msg); err != nil {
				log.Printf("bus: client=%s write error: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
