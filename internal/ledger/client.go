package ledger

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rickgao/accelerator/internal/accelerator"
)

// Default RPC endpoints per cluster.
var defaultRPCURLs = map[accelerator.Cluster]string{
	accelerator.ClusterDevnet:      "https://api.devnet.solana.com",
	accelerator.ClusterMainnetBeta: "https://api.mainnet-beta.solana.com",
	accelerator.ClusterTestnet:     "https://api.testnet.solana.com",
	accelerator.ClusterLocalnet:    "http://127.0.0.1:8899",
}

// DefaultRPCURL returns the public RPC endpoint of cluster, or "" if unknown.
func DefaultRPCURL(cluster accelerator.Cluster) string {
	return defaultRPCURLs[cluster]
}

// Client is a JSON-RPC client for a ledger node.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration

	nextID atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new RPC client.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
