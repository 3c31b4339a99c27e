package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer opens WebSocket channels. Each text frame carries one record,
// either bare or wrapped as {"event":..,"id":..,"data":{..}}.
type WSDialer struct {
	config Config
	dialer *websocket.Dialer
}

// NewWSDialer creates a WebSocket dialer
func NewWSDialer(config Config) *WSDialer {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WSDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.Timeout,
		},
	}
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// Dial completes the WebSocket upgrade
func (d *WSDialer) Dial(ctx context.Context, p Params) (Stream, error) {
	endpoint, err := endpointURL(wsBase(d.config.BaseURL), p)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if p.LastEventID != "" {
		header.Set("Last-Event-ID", p.LastEventID)
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

type wsFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsStream) Recv(ctx context.Context) (EventEnvelope, error) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return EventEnvelope{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return EventEnvelope{}, ErrRemoteClosed
			}
			return EventEnvelope{}, fmt.Errorf("read websocket: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return decodeFrame(msg), nil
	}
}

func decodeFrame(msg []byte) EventEnvelope {
	env := EventEnvelope{Type: EventMessage, Data: msg, Received: time.Now()}
	var f wsFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return env
	}
	if len(f.Data) > 0 && !bytes.Equal(bytes.TrimSpace(f.Data), []byte("null")) {
		env.Data = f.Data
		env.ID = f.ID
		if f.Event != "" {
			env.Type = f.Event
		}
		return env
	}
	if f.Event != "" {
		env.Type = f.Event
	}
	return env
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
