package accelerator

import (
	"sync"
	"time"
)

// disconnected retires c, fails the requests still waiting on it, and starts
// the reconnect loop. Acks for those requests can no longer arrive.
func (m *Multiplexer) disconnected(c Client, gen uint64) {
	m.sendMu.Lock()
	m.connMu.Lock()
	if m.state == StateClosed || m.client != c {
		m.connMu.Unlock()
		m.sendMu.Unlock()
		return
	}
	m.client = nil
	m.connMu.Unlock()
	pending := m.reg.failWaiters(gen, ErrNotConnected)
	m.sendMu.Unlock()

	if pending > 0 {
		m.logger.Debug("failed requests pending on lost connection", "count", pending)
	}
	c.Close()
	m.setState(StateReconnecting)

	m.wg.Add(1)
	go m.reconnect()
}

// reconnect retries with exponential backoff and jitter. After
// BreakerThreshold consecutive failures the circuit opens and attempts are
// spaced by BreakerCooldown until one succeeds.
func (m *Multiplexer) reconnect() {
	defer m.wg.Done()

	b := newBackoff(m.cfg)
	failures := 0

	for {
		wait := b.delay(failures)
		if m.cfg.BreakerThreshold > 0 && failures >= m.cfg.BreakerThreshold {
			if m.State() != StateCircuitOpen {
				m.logger.Error("reconnect circuit open",
					"failures", failures,
					"cooldown", m.cfg.BreakerCooldown,
				)
				m.observer.CircuitOpened()
				m.setState(StateCircuitOpen)
			}
			wait = m.cfg.BreakerCooldown
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.reconnects.Add(1)
		m.logger.Info("attempting reconnection", "attempt", failures+1)

		err := m.reconnectOnce()
		m.observer.ReconnectAttempted(err)
		if err == nil {
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		failures++
		m.logger.Warn("reconnection failed", "attempt", failures, "error", err)
	}
}

type replay struct {
	sub    *subscription
	waitID ListenerID
	waiter *waiter
}

// reconnectOnce opens a fresh transport, replays every subscription on it,
// and only then starts dispatching its inbound frames. No other request can
// be written between the replay and publishing the transport.
func (m *Multiplexer) reconnectOnce() error {
	c, err := m.dial(m.ctx)
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	m.connMu.RLock()
	gen := m.gen + 1
	m.connMu.RUnlock()

	replays, err := m.replay(c, gen)
	if err != nil {
		m.sendMu.Unlock()
		for _, r := range replays {
			m.reg.remove(r.waitID)
		}
		c.Close()
		return err
	}

	m.connMu.Lock()
	if m.state == StateClosed {
		m.connMu.Unlock()
		m.sendMu.Unlock()
		for _, r := range replays {
			m.reg.remove(r.waitID)
		}
		c.Close()
		return ErrClosed
	}
	m.client = c
	m.gen = gen
	m.connMu.Unlock()
	m.sendMu.Unlock()
	m.setState(StateConnected)

	m.wg.Add(1)
	go m.pump(c, gen)

	m.logger.Info("reconnected", "replayed", len(replays))
	m.observer.SubscriptionsReplayed(len(replays))

	if len(replays) > 0 {
		m.wg.Add(1)
		go m.confirmReplays(replays)
	}
	return nil
}

// replay re-sends every subscription record on c. A waiter is registered per
// request before it is written, so acknowledgments pair up in order. Each
// waiter rebinds its subscription while the ack is dispatched.
func (m *Multiplexer) replay(c Client, gen uint64) ([]replay, error) {
	subs := m.reg.subscriptions()
	replays := make([]replay, 0, len(subs))

	for _, sub := range subs {
		data, err := encode(SubscribeRequest{
			Type:    TypeSubscribe,
			Cluster: sub.topic.Cluster,
			Account: sub.topic.Account,
		})
		if err != nil {
			return replays, err
		}

		wid, w := m.reg.addWaiter(gen, matchType(TypeSubscribe), m.rebindOnAck(sub))
		replays = append(replays, replay{sub: sub, waitID: wid, waiter: w})

		if err := c.Send(data); err != nil {
			return replays, err
		}
	}
	return replays, nil
}

// rebindOnAck moves sub to the id the relay assigned on the new connection.
func (m *Multiplexer) rebindOnAck(sub *subscription) func(*Message) {
	return func(ack *Message) {
		if ack.ID == "" {
			return
		}
		if !m.reg.rebind(sub, ack.ID) {
			// Unsubscribed while the replay was in flight.
			if err := m.send(UnsubscribeRequest{Type: TypeUnsubscribe, ID: ack.ID}); err != nil {
				m.logger.Warn("cancel orphaned subscription", "sid", ack.ID, "error", err)
			}
			return
		}
		m.logger.Debug("subscription restored",
			"topic", sub.topic.String(),
			"sid", ack.ID,
		)
	}
}

// confirmReplays waits for every replay acknowledgment and reports the ones
// that never came.
func (m *Multiplexer) confirmReplays(replays []replay) {
	defer m.wg.Done()

	var wg sync.WaitGroup
	for _, r := range replays {
		wg.Add(1)
		go func(r replay) {
			defer wg.Done()
			defer m.reg.remove(r.waitID)

			ack, err := m.await(m.ctx, r.waiter, TypeSubscribe, ErrSubscribeTimeout)
			if err != nil {
				m.logger.Warn("replayed subscription not acknowledged",
					"topic", r.sub.topic.String(),
					"error", err,
				)
				return
			}
			if ack.ID == "" {
				m.logger.Warn("replay acknowledgment without id", "topic", r.sub.topic.String())
			}
		}(r)
	}
	wg.Wait()
}
