package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RefreshFunc exchanges a rejected token for a fresh one.
type RefreshFunc func(ctx context.Context, staleToken string) (string, error)

// WebSocketDialer connects to the notification WebSocket. The access token is
// sent in the Authorization header of the handshake.
type WebSocketDialer struct {
	URL    string
	Header http.Header

	// Refresh is called once when the handshake is rejected with 401. The
	// handshake is then retried with the returned token.
	Refresh RefreshFunc

	HandshakeTimeout time.Duration
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	conn, res, err := d.dial(ctx, token)
	if err != nil && res != nil && res.StatusCode == http.StatusUnauthorized && d.Refresh != nil {
		log.Debug().Msg("websocket handshake rejected, refreshing token")
		token, err = d.Refresh(ctx, token)
		if err != nil {
			return nil, err
		}
		conn, _, err = d.dial(ctx, token)
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (d *WebSocketDialer) dial(ctx context.Context, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, res, err := dialer.DialContext(ctx, d.URL, header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		if res != nil {
			return nil, res, fmt.Errorf("websocket handshake failed with status %d: %w", res.StatusCode, err)
		}
		return nil, nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, res, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next(ctx context.Context) (Event, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Event{}, errors.New("websocket closed by server")
			}
			return Event{}, err
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("skipping malformed websocket message")
			continue
		}
		return Event{ID: msg.ID, Name: msg.Type, Data: msg.Payload}, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
