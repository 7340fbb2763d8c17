package stomp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HeartbeatMs is the fixed heart-beat contract this client advertises, both
// at dialer construction and in the CONNECT frame. spec.md §4.7/§8: these
// two values must match exactly, or heart-beats are disabled entirely
// rather than silently negotiated down.
const HeartbeatMs = 10000

// Config configures one STOMP-over-WebSocket connection.
type Config struct {
	URL         string // ws:// or wss://
	Login       string
	Passcode    string
	Host        string // STOMP "host" header, distinct from the WS host
	HeartbeatMs int    // must equal HeartbeatMs or heart-beats are disabled
}

// MessageHandler processes one inbound MESSAGE frame for a subscription.
type MessageHandler func(Frame)

// Conn is a single connected STOMP session over a WebSocket.
type Conn struct {
	cfg Config
	ws  *websocket.Conn

	mu            sync.Mutex
	subscriptions map[string]MessageHandler // keyed by subscription id

	writeMu sync.Mutex // serializes frame writes against the heartbeat ticker

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a WebSocket connection and completes the STOMP CONNECT
// handshake. If cfg.HeartbeatMs != HeartbeatMs, heart-beats are disabled
// for this connection (spec.md §8 configuration-error guard) rather than
// silently renegotiated.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, http.Header{})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("stomp: websocket dial failed (http %d): %w", status, err)
	}

	conn := &Conn{
		cfg:           cfg,
		ws:            ws,
		subscriptions: make(map[string]MessageHandler),
		closed:        make(chan struct{}),
	}

	if err := conn.handshake(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Conn) handshake() error {
	heartbeat := "0,0"
	if c.cfg.HeartbeatMs == HeartbeatMs {
		heartbeat = fmt.Sprintf("%d,%d", HeartbeatMs, HeartbeatMs)
	}

	headers := map[string]string{
		"accept-version": "1.2",
		"heart-beat":     heartbeat,
		"host":           c.cfg.Host,
	}
	if c.cfg.Login != "" {
		headers["login"] = c.cfg.Login
	}
	if c.cfg.Passcode != "" {
		headers["passcode"] = c.cfg.Passcode
	}

	if err := c.writeFrame(NewFrame(CommandConnect, headers, "")); err != nil {
		return fmt.Errorf("stomp: send CONNECT: %w", err)
	}

	frame, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("stomp: read CONNECTED: %w", err)
	}
	if frame.Command == CommandError {
		return fmt.Errorf("stomp: broker rejected CONNECT: %s", frame.Body)
	}
	if frame.Command != CommandConnected {
		return fmt.Errorf("stomp: expected CONNECTED, got %s", frame.Command)
	}
	return nil
}

// Subscribe opens a STOMP subscription on destination, invoking handler for
// every inbound MESSAGE frame until Unsubscribe or Close.
func (c *Conn) Subscribe(subscriptionID, destination string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[subscriptionID] = handler
	c.mu.Unlock()

	return c.writeFrame(NewFrame(CommandSubscribe, map[string]string{
		"id":          subscriptionID,
		"destination": destination,
		"ack":         "auto",
	}, ""))
}

// Unsubscribe closes a subscription.
func (c *Conn) Unsubscribe(subscriptionID string) error {
	c.mu.Lock()
	delete(c.subscriptions, subscriptionID)
	c.mu.Unlock()

	return c.writeFrame(NewFrame(CommandUnsubscribe, map[string]string{"id": subscriptionID}, ""))
}

// Send publishes a message to destination.
func (c *Conn) Send(destination, body string) error {
	return c.writeFrame(NewFrame(CommandSend, map[string]string{"destination": destination}, body))
}

// Run reads frames until the connection closes or ctx is canceled,
// dispatching MESSAGE frames to their subscription's handler and answering
// broker heart-beats (bare newlines) silently. When heart-beats are active
// (spec.md §4.7/§8 "mandatory" heart-beat contract) it also sends a bare
// newline every HeartbeatMs and enforces a read deadline at twice that
// interval, so a broker that goes silently idle-dead is detected instead of
// blocking this goroutine forever on ReadMessage.
func (c *Conn) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		case <-c.closed:
		}
	}()

	heartbeatsActive := c.cfg.HeartbeatMs == HeartbeatMs
	interval := time.Duration(c.cfg.HeartbeatMs) * time.Millisecond

	if heartbeatsActive {
		if err := c.ws.SetReadDeadline(time.Now().Add(2 * interval)); err != nil {
			return fmt.Errorf("stomp: set read deadline: %w", err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					if err := c.sendHeartbeat(); err != nil {
						return
					}
				case <-done:
					return
				case <-c.closed:
					return
				}
			}
		}()
	}

	for {
		frame, err := c.readFrame()
		if err != nil {
			return err
		}
		if heartbeatsActive {
			if err := c.ws.SetReadDeadline(time.Now().Add(2 * interval)); err != nil {
				return fmt.Errorf("stomp: set read deadline: %w", err)
			}
		}

		switch frame.Command {
		case "": // bare heart-beat newline decodes to an empty command; ignore
			continue
		case CommandMessage:
			c.dispatch(frame)
		case CommandError:
			return fmt.Errorf("stomp: broker ERROR: %s", frame.Body)
		case CommandReceipt:
			continue
		}
	}
}

// sendHeartbeat writes a bare newline frame, the STOMP 1.2 heart-beat wire
// format, serialized against other frame writes on the write mutex.
func (c *Conn) sendHeartbeat() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
}

func (c *Conn) dispatch(frame Frame) {
	subID, ok := frame.Header("subscription")
	if !ok {
		return
	}
	c.mu.Lock()
	handler, ok := c.subscriptions[subID]
	c.mu.Unlock()
	if ok {
		handler(frame)
	}
}

// Close sends DISCONNECT and closes the underlying WebSocket. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.writeFrame(NewFrame(CommandDisconnect, nil, ""))
		err = c.ws.Close()
		close(c.closed)
	})
	return err
}

func (c *Conn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(f.Encode()))
}

func (c *Conn) readFrame() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	raw := strings.TrimSuffix(string(data), nullByte)
	if strings.TrimSpace(raw) == "" {
		return Frame{}, nil // heart-beat
	}
	return Decode(raw)
}
