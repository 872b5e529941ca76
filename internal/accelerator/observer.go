package accelerator

import "time"

// Observer receives multiplexer telemetry. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	StateChanged(state State)
	ReconnectAttempted(err error)
	CircuitOpened()
	MessageReceived(msgType string)
	AckObserved(kind string, wait time.Duration, err error)
	SubscriptionsActive(n int)
	SubscriptionsReplayed(n int)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)                        {}
func (nopObserver) ReconnectAttempted(error)                  {}
func (nopObserver) CircuitOpened()                            {}
func (nopObserver) MessageReceived(string)                    {}
func (nopObserver) AckObserved(string, time.Duration, error) {}
func (nopObserver) SubscriptionsActive(int)                   {}
func (nopObserver) SubscriptionsReplayed(int)                 {}
