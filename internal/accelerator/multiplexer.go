package accelerator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(m *Multiplexer) {
		m.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the telemetry sink.
func WithObserver(o Observer) Option {
	return func(m *Multiplexer) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithClientFactory replaces the gorilla/websocket transport.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Multiplexer) {
		if f != nil {
			m.newClient = f
		}
	}
}

// WithOnStateChange registers a callback for connection state transitions.
func WithOnStateChange(fn func(State)) Option {
	return func(m *Multiplexer) {
		m.onState = fn
	}
}

// WithOnServerError registers a callback for inbound "error" messages.
func WithOnServerError(fn func(*ServerError)) Option {
	return func(m *Multiplexer) {
		m.onServerError = fn
	}
}

// Multiplexer shares one relay connection between many subscriptions.
type Multiplexer struct {
	url           string
	cfg           Config
	logger        *slog.Logger
	observer      Observer
	newClient     ClientFactory
	onState       func(State)
	onServerError func(*ServerError)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendMu orders writes with waiter registration, so a waiter always
	// belongs to the transport its request went out on.
	sendMu sync.Mutex

	connMu sync.RWMutex
	client Client
	gen    uint64
	state  State

	reg        *registry
	reconnects atomic.Int64
}

// Connect opens a transport to url and returns a ready Multiplexer. The dial
// fails with ErrConnectTimeout after Config.ConnectTimeout. ctx bounds only
// the dial; the Multiplexer lives until Close.
func Connect(ctx context.Context, url string, opts ...Option) (*Multiplexer, error) {
	m := &Multiplexer{
		url:       url,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		observer:  nopObserver{},
		newClient: NewClient,
		reg:       newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "accelerator", "url", url)
	if m.onServerError == nil {
		m.onServerError = func(e *ServerError) {
			m.logger.Warn("relay reported error", "error", e)
		}
	}

	c, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.client = c
	m.gen = 1
	m.state = StateConnected
	m.observer.StateChanged(StateConnected)

	m.wg.Add(1)
	go m.pump(c, m.gen)

	m.logger.Info("accelerator connected")
	return m, nil
}

// dial opens a new transport bounded by ConnectTimeout.
func (m *Multiplexer) dial(ctx context.Context) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	c := m.newClient(ClientConfig{
		URL:          m.url,
		WriteTimeout: m.cfg.WriteTimeout,
		PingInterval: m.cfg.PingInterval,
		PingTimeout:  m.cfg.PingTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger)

	if err := c.Connect(dialCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, m.cfg.ConnectTimeout, err)
		}
		return nil, fmt.Errorf("connect %s: %w", m.url, err)
	}
	return c, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close shuts the multiplexer down. Pending waits fail with ErrClosed.
func (m *Multiplexer) Close() error {
	m.connMu.Lock()
	if m.state == StateClosed {
		m.connMu.Unlock()
		return nil
	}
	m.state = StateClosed
	c := m.client
	m.client = nil
	m.connMu.Unlock()

	m.cancel()
	var err error
	if c != nil {
		err = c.Close()
	}
	m.wg.Wait()

	m.observer.StateChanged(StateClosed)
	if m.onState != nil {
		m.onState(StateClosed)
	}
	m.logger.Info("accelerator closed")
	return err
}

// State returns the current connection state.
func (m *Multiplexer) State() State {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.state
}

// Stats returns current statistics.
func (m *Multiplexer) Stats() Stats {
	listeners, subs := m.reg.counts()
	return Stats{
		State:         m.State(),
		Listeners:     listeners,
		Subscriptions: subs,
		Reconnects:    m.reconnects.Load(),
	}
}

// SendDomainEvent writes any JSON-encodable payload without awaiting a reply.
func (m *Multiplexer) SendDomainEvent(event any) error {
	return m.fireAndForget(event)
}

// SendTransaction relays signed transaction bytes to cluster.
func (m *Multiplexer) SendTransaction(cluster Cluster, tx []byte) error {
	if !cluster.Valid() {
		return fmt.Errorf("unknown cluster %q", cluster)
	}
	return m.fireAndForget(TransactionRequest{
		Type:             TypeTransaction,
		TransactionBytes: Bytes(tx),
		Cluster:          cluster,
	})
}

func (m *Multiplexer) fireAndForget(v any) error {
	err := m.send(v)
	if err != nil && m.cfg.SendErrorPolicy == SendErrorSwallow {
		m.logger.Warn("dropping send error", "error", err)
		return nil
	}
	return err
}

// send encodes v and writes it to the current transport.
func (m *Multiplexer) send(v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	c, _, err := m.current()
	if err != nil {
		return err
	}
	if err := c.Send(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// current returns the live transport and its generation.
func (m *Multiplexer) current() (Client, uint64, error) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	if m.state == StateClosed {
		return nil, 0, ErrClosed
	}
	if m.client == nil || m.state != StateConnected {
		return nil, 0, ErrNotConnected
	}
	return m.client, m.gen, nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// AddListener registers fn for every inbound message.
func (m *Multiplexer) AddListener(fn Listener) ListenerID {
	return m.reg.add(fn)
}

// RemoveListener unregisters a listener added with AddListener. It does not
// talk to the relay; use Unsubscribe for subscription handles.
func (m *Multiplexer) RemoveListener(id ListenerID) {
	m.reg.remove(id)
}

// Subscribe asks the relay to watch topic and waits for the acknowledgment.
// handler receives the transactions of this subscription. The returned id is
// needed to Unsubscribe.
func (m *Multiplexer) Subscribe(ctx context.Context, topic Topic, handler TransactionHandler) (ListenerID, error) {
	if err := topic.Validate(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", errors.New("accelerator: nil transaction handler")
	}

	// The listener is installed while the ack is dispatched, so a
	// transaction right behind the ack already finds it.
	sub := &subscription{topic: topic, handler: handler}
	install := func(ack *Message) {
		if ack.ID == "" {
			return
		}
		sub.id = ack.ID
		m.reg.addSubscription(sub, m.transactionListener(sub))
	}

	ack, err := m.request(ctx, SubscribeRequest{
		Type:    TypeSubscribe,
		Cluster: topic.Cluster,
		Account: topic.Account,
	}, TypeSubscribe, ErrSubscribeTimeout, install)
	if err != nil {
		return "", err
	}
	if ack.ID == "" {
		return "", fmt.Errorf("subscribe %s: acknowledgment without id", topic)
	}
	id := sub.listener

	_, subs := m.reg.counts()
	m.observer.SubscriptionsActive(subs)
	m.logger.Debug("subscribed",
		"topic", topic.String(),
		"sid", ack.ID,
		"listener", id,
	)
	return id, nil
}

// Unsubscribe removes the listener and, when it is bound to a relay
// subscription, cancels it and waits for the acknowledgment. Unknown ids are
// a no-op. Without a live transport the relay side is already gone, so only
// the local removal happens.
func (m *Multiplexer) Unsubscribe(ctx context.Context, id ListenerID) error {
	sub, ok := m.reg.remove(id)
	if !ok || sub == nil {
		return nil
	}

	_, subs := m.reg.counts()
	m.observer.SubscriptionsActive(subs)

	sid := sub.serverID()
	_, err := m.request(ctx, UnsubscribeRequest{Type: TypeUnsubscribe, ID: sid}, TypeUnsubscribe, ErrUnsubscribeTimeout, nil)
	if errors.Is(err, ErrNotConnected) {
		m.logger.Debug("unsubscribed while disconnected", "topic", sub.topic.String(), "sid", sid)
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.Debug("unsubscribed", "topic", sub.topic.String(), "sid", sid)
	return nil
}

// transactionListener filters inbound transactions down to sub. Transactions
// tagged with another subscription id are skipped; untagged ones reach every
// subscription.
func (m *Multiplexer) transactionListener(sub *subscription) Listener {
	return func(msg *Message) {
		if msg.Type != TypeTransaction {
			return
		}
		sid := sub.serverID()
		if msg.ID != "" && msg.ID != sid {
			return
		}
		sub.handler(TransactionEvent{
			Topic:          sub.topic,
			SubscriptionID: sid,
			Bytes:          msg.TransactionBytes,
			ReceivedAt:     msg.ReceivedAt,
		})
	}
}

// request sends payload and waits for the first message of ackType on the
// same transport. onSettle, if set, runs on the dispatch goroutine when the
// ack arrives.
func (m *Multiplexer) request(ctx context.Context, payload any, ackType string, timeoutErr error, onSettle func(*Message)) (*Message, error) {
	data, err := encode(payload)
	if err != nil {
		return nil, err
	}

	wid, w, err := m.sendWaiting(data, matchType(ackType), onSettle)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", ackType, err)
	}
	defer m.reg.remove(wid)

	return m.await(ctx, w, ackType, timeoutErr)
}

// sendWaiting registers a waiter for the current transport and writes data
// on it.
func (m *Multiplexer) sendWaiting(data []byte, accept func(*Message) bool, onSettle func(*Message)) (ListenerID, *waiter, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	c, gen, err := m.current()
	if err != nil {
		return "", nil, err
	}

	wid, w := m.reg.addWaiter(gen, accept, onSettle)
	if err := c.Send(data); err != nil {
		err = fmt.Errorf("write: %w", err)
		if w.fail(err) {
			m.reg.remove(wid)
			return "", nil, err
		}
	}
	return wid, w, nil
}

func matchType(t string) func(*Message) bool {
	return func(msg *Message) bool {
		return msg.Type == t
	}
}

// await blocks until w settles, the ack timeout fires, ctx ends, or the
// multiplexer closes.
func (m *Multiplexer) await(ctx context.Context, w *waiter, kind string, timeoutErr error) (*Message, error) {
	start := time.Now()
	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()

	var res waitResult
	select {
	case res = <-w.ch:
	case <-timer.C:
		res = giveUp(w, timeoutErr)
	case <-ctx.Done():
		res = giveUp(w, ctx.Err())
	case <-m.ctx.Done():
		res = giveUp(w, ErrClosed)
	}

	m.observer.AckObserved(kind, time.Since(start), res.err)
	return res.msg, res.err
}

// giveUp fails w with err. An ack that won the race is returned instead.
func giveUp(w *waiter, err error) waitResult {
	w.fail(err)
	return <-w.ch
}

// pump dispatches frames from c, transport generation gen, until it fails or
// the multiplexer closes.
func (m *Multiplexer) pump(c Client, gen uint64) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case msg := <-c.Messages():
			m.dispatch(msg, gen)

		case err := <-c.Errors():
			// Frames read before the failure still belong to listeners.
			m.drain(c, gen)
			m.logger.Warn("accelerator connection lost", "error", err)
			m.disconnected(c, gen)
			return
		}
	}
}

func (m *Multiplexer) drain(c Client, gen uint64) {
	for {
		select {
		case msg := <-c.Messages():
			m.dispatch(msg, gen)
		default:
			return
		}
	}
}

// dispatch parses a frame and fans it out to every listener.
func (m *Multiplexer) dispatch(frame TimestampedMessage, gen uint64) {
	var msg Message
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		m.logger.Warn("discarding malformed message", "error", err, "size", len(frame.Data))
		m.observer.MessageReceived("malformed")
		return
	}
	msg.Raw = frame.Data
	msg.ReceivedAt = frame.ReceivedAt
	m.observer.MessageReceived(msg.Type)

	if msg.Type == TypeError {
		se := &ServerError{Raw: frame.Data}
		if err := json.Unmarshal(frame.Data, se); err != nil {
			m.logger.Debug("error message without structured body", "error", err)
		}
		m.onServerError(se)
	}

	m.reg.dispatch(&msg, gen)
}

func (m *Multiplexer) setState(s State) {
	m.connMu.Lock()
	if m.state == StateClosed || m.state == s {
		m.connMu.Unlock()
		return
	}
	m.state = s
	m.connMu.Unlock()

	m.observer.StateChanged(s)
	if m.onState != nil {
		m.onState(s)
	}
}
