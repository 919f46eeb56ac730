// Package daemon provides the coin daemon RPC client used to verify settled
// blocks against the chain before their rewards are distributed.
package daemon

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/gomp-settlement/pkg/circuit"
	"github.com/bardlex/gomp-settlement/pkg/errors"
	"github.com/bardlex/gomp-settlement/pkg/retry"
)

// blockSource is the subset of rpcclient.Client used for verification
type blockSource interface {
	GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error)
	Shutdown()
}

// ErrBlockNotFound reports a block hash the daemon does not know, including
// hashes that cannot be parsed
var ErrBlockNotFound = stderrors.New("block not found")

// Config holds coin daemon RPC connection settings
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
}

// RPCClient wraps btcd's RPC client with a circuit breaker and retries.
// It speaks HTTP POST without TLS, as local Bitcoin Core compatible
// daemons expect.
type RPCClient struct {
	rpc            blockSource
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a coin daemon RPC client.
//
// Parameters:
//   - cfg: daemon address and credentials
//   - name: breaker name reported in metrics, e.g. "daemon_primary"
//
// Returns:
//   - *RPCClient: client ready for use; no connection is made until the first call
//   - error: a daemon error when the client cannot be created
func NewRPCClient(cfg *Config, name string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	return newRPCClient(client, name), nil
}

func newRPCClient(rpc blockSource, name string) *RPCClient {
	return &RPCClient{
		rpc: rpc,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            name,
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.DefaultConfig(),
	}
}

// Close shuts down the RPC client
func (c *RPCClient) Close() {
	c.rpc.Shutdown()
}

// GetBlock returns the verbose block information of hash. Unknown or
// malformed hashes fail with ErrBlockNotFound without counting against the
// circuit breaker.
func (c *RPCClient) GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %w", ErrBlockNotFound, err), errors.ErrorTypeDaemon, "hash_parsing",
			"failed to parse block hash").
			WithContext("hash", hash)
	}

	block, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockVerboseResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockVerboseResult, error) {
			block, err := c.rpc.GetBlockVerbose(blockHash)
			if isBlockNotFound(err) {
				return nil, nil
			}
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block",
					"failed to retrieve block information").
					WithContext("block_hash", hash)
			}
			return block, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, errors.Wrap(ErrBlockNotFound, errors.ErrorTypeDaemon, "get_block",
			"daemon does not know the block").
			WithContext("block_hash", hash)
	}
	return block, nil
}

// Confirmations returns the confirmation count of the block with hash.
// Blocks that left the main chain, and blocks the daemon does not know,
// report -1.
func (c *RPCClient) Confirmations(ctx context.Context, hash string) (int64, error) {
	block, err := c.GetBlock(ctx, hash)
	if stderrors.Is(err, ErrBlockNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return block.Confirmations, nil
}

func isBlockNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	return stderrors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCBlockNotFound
}
