package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/nodeweave/nodeweave/internal/protocol"
)

// Transport is the session's seam to the relay channel. It is assumed to
// behave like a reliable, ordered connection; the gorilla implementation
// below provides that, and tests substitute an in-memory pair.
type Transport interface {
	Send(env *protocol.Envelope) error
	Receive() (*protocol.Envelope, error)
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

// Dial connects to a relay server and joins a workspace. serverURL is the
// ws:// or wss:// base address.
func Dial(ctx context.Context, serverURL, workspaceID string) (Transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("workspace", workspaceID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(env *protocol.Envelope) error {
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Receive() (*protocol.Envelope, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &env, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
