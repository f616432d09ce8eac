package taskevents

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// maxFrameSize bounds a single frame; history frames carry many entries.
const maxFrameSize = 4 << 20

// Conn is one open task channel.
type Conn interface {
	ReadEvent(ctx context.Context) (Event, error)
	WriteControl(ctx context.Context, msg ControlMessage) error
	Close() error
}

// Dialer opens task channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials task channels over WebSocket.
type WSDialer struct {
	Token      string
	HTTPClient *http.Client
}

// Dial opens a WebSocket connection to url.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + d.Token}}
	}
	c, resp, err := websocket.Dial(ctx, url, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadEvent(ctx context.Context) (Event, error) {
	var ev Event
	if err := wsjson.Read(ctx, w.c, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (w *wsConn) WriteControl(ctx context.Context, msg ControlMessage) error {
	return wsjson.Write(ctx, w.c, msg)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
