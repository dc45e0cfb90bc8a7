package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gamedata-sync/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	messageTypeSubscribe   = "subscribe"
	messageTypeSubscribed  = "subscribed"
	messageTypeDataChanged = "game_data_changed"
	messageTypeError       = "error"
)

type feedMessage struct {
	Type    string          `json:"type"`
	ChildID string          `json:"childId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ChangeHandler receives change notifications for the client's child
type ChangeHandler func(event domain.ChangeEvent)

// WatchChanges subscribes to the server's change feed for the client's child
// and calls onChange for each notification. It blocks until ctx is done or
// the connection drops.
func (c *Client) WatchChanges(ctx context.Context, onChange ChangeHandler) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.feedURL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(feedMessage{Type: messageTypeSubscribe, ChildID: c.childID.String()}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading change feed: %w", err)
		}

		switch msg.Type {
		case messageTypeSubscribed:
			c.logger.Debug("subscribed to change feed", "child_id", c.childID)
		case messageTypeDataChanged:
			var event domain.ChangeEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				c.logger.Warn("malformed change notification", "error", err)
				continue
			}
			onChange(event)
		case messageTypeError:
			return fmt.Errorf("change feed error: %s", string(msg.Data))
		}
	}
}

func (c *Client) feedURL() string {
	wsURL := c.baseURL
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[len("https"):]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[len("http"):]
	}
	return wsURL + "/ws"
}
