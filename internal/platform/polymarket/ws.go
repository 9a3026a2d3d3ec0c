package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polycopy/bot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TradeHandler receives each trade published on the activity topic.
type TradeHandler func(ActivityTrade)

// RTDSClient is a WebSocket client for the Polymarket real-time data socket.
// It subscribes to the activity/trades topic, keeps the connection alive with
// pings, and reconnects with exponential backoff on disconnect.
type RTDSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	handlerMu sync.RWMutex
	handlers  []TradeHandler

	done chan struct{}
}

// NewRTDSClient creates a client for the given socket URL, typically
// DefaultRTDSURL.
func NewRTDSClient(wsURL string) *RTDSClient {
	return &RTDSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// OnTrade registers a handler invoked for every activity trade received.
func (w *RTDSClient) OnTrade(handler TradeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Connect dials the socket, subscribes to the activity trades topic, and
// starts the read and ping loops.
func (w *RTDSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/rtds: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/rtds: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := w.subscribeLocked(); err != nil {
		conn.Close()
		w.conn = nil
		return err
	}

	go w.readLoop()
	go w.pingLoop()
	return nil
}

// subscribeLocked sends the activity subscription. Caller holds w.mu.
func (w *RTDSClient) subscribeLocked() error {
	cmd := rtdsCommand{
		Action: "subscribe",
		Subscriptions: []rtdsSubscription{
			{Topic: "activity", Type: "trades"},
		},
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("polymarket/rtds: marshal subscribe: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/rtds: subscribe: %w", err)
	}
	return nil
}

// Close shuts the connection down and stops the loops.
func (w *RTDSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

func (w *RTDSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return // readLoop restarts via reconnect -> Connect
		}
		w.handleMessage(message)
	}
}

func (w *RTDSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one frame and dispatches activity trades. The socket
// delivers either a single envelope or a batch array; anything unparseable is
// dropped silently.
func (w *RTDSClient) handleMessage(raw []byte) {
	var envelopes []rtdsEnvelope
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &envelopes); err != nil {
			return
		}
	} else {
		var env rtdsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		envelopes = []rtdsEnvelope{env}
	}

	for _, env := range envelopes {
		if env.Topic != "activity" || env.Type != "trades" || len(env.Payload) == 0 {
			continue
		}
		var trade ActivityTrade
		if err := json.Unmarshal(env.Payload, &trade); err != nil {
			continue
		}

		w.handlerMu.RLock()
		handlers := w.handlers
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(trade)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff. Blocks
// until successful or the client is closed.
func (w *RTDSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
