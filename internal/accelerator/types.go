package accelerator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
)

// Errors
var (
	ErrConnectTimeout     = errors.New("accelerator: connect timeout")
	ErrSubscribeTimeout   = errors.New("accelerator: subscribe timeout")
	ErrUnsubscribeTimeout = errors.New("accelerator: unsubscribe timeout")
	ErrNotConnected       = errors.New("accelerator: not connected")
	ErrClosed             = errors.New("accelerator: closed")
	ErrInvalidTopic       = errors.New("accelerator: invalid topic")
	ErrStaleConnection    = errors.New("accelerator: connection stale (no pong)")
)

// Message types shared by requests and responses.
const (
	TypeTransaction = "transaction"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeError       = "error"
)

// Cluster names a ledger network.
type Cluster string

const (
	ClusterDevnet      Cluster = "devnet"
	ClusterMainnetBeta Cluster = "mainnet-beta"
	ClusterTestnet     Cluster = "testnet"
	ClusterLocalnet    Cluster = "localnet"
)

// Valid reports whether c is one of the known clusters.
func (c Cluster) Valid() bool {
	switch c {
	case ClusterDevnet, ClusterMainnetBeta, ClusterTestnet, ClusterLocalnet:
		return true
	}
	return false
}

// ParseCluster converts s to a Cluster.
func ParseCluster(s string) (Cluster, error) {
	c := Cluster(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown cluster %q", s)
	}
	return c, nil
}

// Topic is the subject of a subscription.
type Topic struct {
	Cluster Cluster `json:"cluster" yaml:"cluster"`
	Account string  `json:"account" yaml:"account"`
}

// Validate checks the cluster and that the account is base58.
func (t Topic) Validate() error {
	if !t.Cluster.Valid() {
		return fmt.Errorf("%w: unknown cluster %q", ErrInvalidTopic, t.Cluster)
	}
	if t.Account == "" {
		return fmt.Errorf("%w: empty account", ErrInvalidTopic)
	}
	if _, err := base58.Decode(t.Account); err != nil {
		return fmt.Errorf("%w: account %q: %v", ErrInvalidTopic, t.Account, err)
	}
	return nil
}

func (t Topic) String() string {
	return string(t.Cluster) + ":" + t.Account
}

// Bytes is a byte slice that travels as a JSON array of numbers.
type Bytes []byte

// MarshalJSON encodes b as [1,2,3] rather than base64.
func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON decodes a JSON array of numbers in [0, 255].
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("transaction bytes: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("transaction bytes: value %d at index %d out of range", n, i)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// SubscriptionID is the server-assigned identifier of a subscription.
// The relay may send it as a string or a number.
type SubscriptionID string

// UnmarshalJSON accepts both "sub-1" and 42.
func (s *SubscriptionID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = SubscriptionID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("subscription id: %w", err)
	}
	*s = SubscriptionID(num.String())
	return nil
}

// ListenerID identifies a registered listener. Callers keep it to unsubscribe.
type ListenerID string

// TransactionRequest relays a signed transaction.
type TransactionRequest struct {
	Type             string  `json:"type"`
	TransactionBytes Bytes   `json:"transactionBytes"`
	Cluster          Cluster `json:"cluster"`
}

// SubscribeRequest asks the relay to watch an account.
type SubscribeRequest struct {
	Type    string  `json:"type"`
	Cluster Cluster `json:"cluster"`
	Account string  `json:"account"`
}

// UnsubscribeRequest cancels a subscription.
type UnsubscribeRequest struct {
	Type string         `json:"type"`
	ID   SubscriptionID `json:"id"`
}

// Message is a parsed inbound message. Only type tagging happens centrally;
// listeners decide relevance themselves.
type Message struct {
	Type             string         `json:"type"`
	ID               SubscriptionID `json:"id,omitempty"`
	TransactionBytes Bytes          `json:"transactionBytes,omitempty"`

	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"-"`
}

// ServerError is the payload of an inbound "error" message.
type ServerError struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return "accelerator server error: " + e.Message
	}
	return "accelerator server error: " + string(e.Raw)
}

// TransactionEvent is delivered to subscription handlers.
type TransactionEvent struct {
	Topic          Topic
	SubscriptionID SubscriptionID
	Bytes          []byte
	ReceivedAt     time.Time
}

// TransactionHandler receives transactions for one subscription. It runs on
// the dispatch goroutine and must not block.
type TransactionHandler func(TransactionEvent)

// Listener receives every inbound message.
type Listener func(*Message)

// State is the connection state of a Multiplexer.
type State int

const (
	StateConnected State = iota
	StateReconnecting
	StateCircuitOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateCircuitOpen:
		return "circuit_open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SendErrorPolicy decides what fire-and-forget sends do with transport errors.
type SendErrorPolicy string

const (
	SendErrorPropagate SendErrorPolicy = "propagate"
	SendErrorSwallow   SendErrorPolicy = "swallow"
)

// Config configures a Multiplexer.
type Config struct {
	ConnectTimeout time.Duration // Max wait for the socket to open
	AckTimeout     time.Duration // Max wait for subscribe/unsubscribe acks
	WriteTimeout   time.Duration // Write deadline for sends
	PingInterval   time.Duration // Client ping period
	PingTimeout    time.Duration // Max time without pong before the socket is stale
	BufferSize     int           // Inbound message buffer per transport

	ReconnectBaseDelay time.Duration // First reconnect delay
	ReconnectMaxDelay  time.Duration // Cap on exponential growth
	ReconnectJitter    float64       // Extra random delay as a fraction of the current delay
	BreakerThreshold   int           // Consecutive failures before the circuit opens (0 = never)
	BreakerCooldown    time.Duration // Wait in the open state before a half-open attempt

	SendErrorPolicy SendErrorPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     60 * time.Second,
		AckTimeout:         60 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingInterval:       30 * time.Second,
		PingTimeout:        90 * time.Second,
		BufferSize:         1024,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		ReconnectJitter:    0.25,
		BreakerThreshold:   10,
		BreakerCooldown:    60 * time.Second,
		SendErrorPolicy:    SendErrorPropagate,
	}
}

// Stats is a point-in-time view of a Multiplexer.
type Stats struct {
	State         State
	Listeners     int
	Subscriptions int
	Reconnects    int64
}
