package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives decoded ARI events in arrival order.
type Handler interface {
	HandleEvent(e Event)
}

// Listener is the WebSocket half of the ARI control channel. It decodes
// the event stream and delivers events to the handler one at a time, in
// order. The connection is re-dialed with backoff until Stop; ARI
// delivery is at-least-once, so the handler must tolerate duplicates.
type Listener struct {
	wsURL     string
	handler   Handler
	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewListener builds a listener for the given ARI base URL and app.
// Credentials ride on the query string as api_key, the form the ARI
// WebSocket endpoint expects.
func NewListener(baseURL, username, password, app string, handler Handler) (*Listener, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ARI URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported ARI URL scheme: %s", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ari/events"
	q := u.Query()
	q.Set("app", app)
	q.Set("api_key", username+":"+password)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()

	return &Listener{
		wsURL:   u.String(),
		handler: handler,
		done:    make(chan struct{}),
	}, nil
}

// Start connects and runs the read loop in the background, reconnecting
// on failure until Stop is called.
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	go func() {
		defer close(l.done)
		backoff := time.Second
		for {
			if err := l.runOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("[ARI] Event stream disconnected", "error", err, "retry_in", backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (l *Listener) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	l.connected.Store(true)
	defer l.connected.Store(false)
	slog.Info("[ARI] Event stream connected")

	// Unblock ReadMessage when Stop fires.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			slog.Warn("[ARI] Undecodable event", "error", err)
			continue
		}
		if event.Type == "" {
			continue
		}
		l.handler.HandleEvent(event)
	}
}

// Connected reports whether the event stream is currently up.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Stop closes the stream and waits for the read loop to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}
