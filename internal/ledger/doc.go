// Package ledger decodes relayed transactions and talks to a ledger RPC node.
//
// Decode understands the legacy and v0 wire formats far enough to extract
// signatures, signer keys and the recent blockhash. Client speaks JSON-RPC
// over HTTP for status lookups and confirmation polling.
//
// Public endpoints:
//   - devnet: https://api.devnet.solana.com
//   - mainnet-beta: https://api.mainnet-beta.solana.com
//   - testnet: https://api.testnet.solana.com
package ledger
