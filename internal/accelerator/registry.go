package accelerator

import (
	"sync"

	"github.com/google/uuid"
)

// subscription binds a listener to a server subscription id. The id changes
// when a replay after reconnect is acknowledged.
type subscription struct {
	listener ListenerID
	topic    Topic
	handler  TransactionHandler

	mu sync.RWMutex
	id SubscriptionID
}

func (s *subscription) serverID() SubscriptionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *subscription) setServerID(id SubscriptionID) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

type waitResult struct {
	msg *Message
	err error
}

// waiter is a temporary listener that settles on the first accepted message
// from the transport generation it was sent on. onSettle runs on the
// dispatching goroutine before the next frame is handled.
type waiter struct {
	gen      uint64
	accept   func(*Message) bool
	onSettle func(*Message)
	ch       chan waitResult

	once sync.Once
}

// settle completes w with msg. Exactly one of settle and fail wins.
func (w *waiter) settle(msg *Message) bool {
	ok := false
	w.once.Do(func() {
		if w.onSettle != nil {
			w.onSettle(msg)
		}
		w.ch <- waitResult{msg: msg}
		ok = true
	})
	return ok
}

// fail completes w with err unless a message settled it first.
func (w *waiter) fail(err error) bool {
	ok := false
	w.once.Do(func() {
		w.ch <- waitResult{err: err}
		ok = true
	})
	return ok
}

type entry struct {
	id       ListenerID
	listener Listener
	waiter   *waiter
}

// registry holds listeners, waiters, subscription records and the
// listener-to-subscription bindings behind one lock, so a listener and its
// binding always disappear together.
type registry struct {
	mu      sync.RWMutex
	order   []ListenerID
	entries map[ListenerID]*entry

	bindings map[ListenerID]*subscription     // listener id → subscription
	records  map[SubscriptionID]*subscription // server id → subscription
}

func newRegistry() *registry {
	return &registry{
		entries:  make(map[ListenerID]*entry),
		bindings: make(map[ListenerID]*subscription),
		records:  make(map[SubscriptionID]*subscription),
	}
}

func newListenerID() ListenerID {
	return ListenerID(uuid.NewString())
}

func (r *registry) insertLocked(e *entry) {
	r.entries[e.id] = e
	r.order = append(r.order, e.id)
}

// add registers a listener and returns its id.
func (r *registry) add(fn Listener) ListenerID {
	e := &entry{id: newListenerID(), listener: fn}

	r.mu.Lock()
	r.insertLocked(e)
	r.mu.Unlock()
	return e.id
}

// addWaiter registers a waiter for the first message of generation gen
// accepted by fn.
func (r *registry) addWaiter(gen uint64, fn func(*Message) bool, onSettle func(*Message)) (ListenerID, *waiter) {
	w := &waiter{gen: gen, accept: fn, onSettle: onSettle, ch: make(chan waitResult, 1)}
	e := &entry{id: newListenerID(), waiter: w}

	r.mu.Lock()
	r.insertLocked(e)
	r.mu.Unlock()
	return e.id, w
}

// addSubscription registers the listener for sub together with its record
// and binding.
func (r *registry) addSubscription(sub *subscription, fn Listener) ListenerID {
	e := &entry{id: newListenerID(), listener: fn}
	sub.listener = e.id

	r.mu.Lock()
	r.insertLocked(e)
	r.bindings[e.id] = sub
	r.records[sub.serverID()] = sub
	r.mu.Unlock()
	return e.id
}

// remove drops a listener, its binding and its subscription record.
// It reports whether the listener existed and returns the bound subscription,
// if any.
func (r *registry) remove(id ListenerID) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return nil, false
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}

	sub, bound := r.bindings[id]
	if !bound {
		return nil, true
	}
	delete(r.bindings, id)
	if cur, ok := r.records[sub.serverID()]; ok && cur == sub {
		delete(r.records, sub.serverID())
	}
	return sub, true
}

// rebind moves sub to a new server id. It returns false when sub was
// unsubscribed in the meantime.
func (r *registry) rebind(sub *subscription, id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.bindings[sub.listener]; !ok || cur != sub {
		return false
	}
	if cur, ok := r.records[sub.serverID()]; ok && cur == sub {
		delete(r.records, sub.serverID())
	}
	sub.setServerID(id)
	r.records[id] = sub
	return true
}

func (r *registry) has(id ListenerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// subscriptions returns live subscriptions in registration order.
func (r *registry) subscriptions() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*subscription, 0, len(r.bindings))
	for _, id := range r.order {
		if sub, ok := r.bindings[id]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// failWaiters fails every unsettled waiter of generation gen with err.
func (r *registry) failWaiters(gen uint64, err error) int {
	r.mu.RLock()
	var pending []*waiter
	for _, id := range r.order {
		if w := r.entries[id].waiter; w != nil && w.gen == gen {
			pending = append(pending, w)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, w := range pending {
		if w.fail(err) {
			n++
		}
	}
	return n
}

func (r *registry) counts() (listeners, subscriptions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), len(r.bindings)
}

// dispatch delivers msg, read from transport generation gen, to every entry
// in registration order. The lock is not held while callbacks run; entries
// removed mid-dispatch are skipped. A message settles at most one waiter, and
// only a waiter of the same generation.
func (r *registry) dispatch(msg *Message, gen uint64) {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.entries[id])
	}
	r.mu.RUnlock()

	claimed := false
	for _, e := range snapshot {
		if !r.has(e.id) {
			continue
		}
		if e.waiter != nil {
			w := e.waiter
			if !claimed && w.gen == gen && w.accept(msg) && w.settle(msg) {
				claimed = true
			}
			continue
		}
		e.listener(msg)
	}
}
