package accelerator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// fakeRelay hands out in-memory transports and records what they send.
type fakeRelay struct {
	mu        sync.Mutex
	conns     []*fakeClient
	failDials int
	hangDial  bool
	sendErr   error

	// onSend runs synchronously inside Send, e.g. to acknowledge requests.
	onSend func(c *fakeClient, msg map[string]any)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{}
}

func (r *fakeRelay) factory(cfg ClientConfig, logger *slog.Logger) Client {
	c := &fakeClient{
		relay:    r,
		messages: make(chan TimestampedMessage, 256),
		errors:   make(chan error, 1),
	}
	r.mu.Lock()
	r.conns = append(r.conns, c)
	r.mu.Unlock()
	return c
}

func (r *fakeRelay) conn(i int) *fakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.conns) {
		return nil
	}
	return r.conns[i]
}

func (r *fakeRelay) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// last returns the most recent transport that finished connecting.
func (r *fakeRelay) last() *fakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.conns) - 1; i >= 0; i-- {
		if r.conns[i].IsConnected() {
			return r.conns[i]
		}
	}
	return nil
}

// autoAck acknowledges subscribe requests with sub-1, sub-2, ... and every
// unsubscribe request.
func (r *fakeRelay) autoAck() {
	var mu sync.Mutex
	next := 0
	r.onSend = func(c *fakeClient, msg map[string]any) {
		switch msg["type"] {
		case TypeSubscribe:
			mu.Lock()
			next++
			id := next
			mu.Unlock()
			c.push(map[string]any{"type": TypeSubscribe, "id": "sub-" + strconv.Itoa(id)})
		case TypeUnsubscribe:
			c.push(map[string]any{"type": TypeUnsubscribe})
		}
	}
}

type fakeClient struct {
	relay    *fakeRelay
	messages chan TimestampedMessage
	errors   chan error

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []map[string]any
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.relay.mu.Lock()
	hang := c.relay.hangDial
	fail := c.relay.failDials > 0
	if fail {
		c.relay.failDials--
	}
	c.relay.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("connection refused")
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.relay.mu.Lock()
	sendErr := c.relay.sendErr
	onSend := c.relay.onSend
	c.relay.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	if onSend != nil {
		onSend(c, msg)
	}
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errors }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// push delivers a message from the relay.
func (c *fakeClient) push(v any) {
	data, _ := json.Marshal(v)
	c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

// drop simulates the relay closing the socket.
func (c *fakeClient) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.errors <- io.EOF
}

// sentOfType returns the recorded requests with the given type.
func (c *fakeClient) sentOfType(t string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.sent {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.AckTimeout = time.Second
	cfg.PingInterval = 0
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.ReconnectJitter = 0
	cfg.BreakerThreshold = 0
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
