package connection

import (
	"context"

	"github.com/gorilla/websocket"
)

// WebsocketDialer is the production Dialer, backed by
// gorilla/websocket.DefaultDialer.
type WebsocketDialer struct{}

// Dial opens a real WebSocket connection to url.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
