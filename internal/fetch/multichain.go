package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/types"
)

// ChainResolver returns the connection settings of a chain id
type ChainResolver func(chainID int64) types.ChainConfig

type dialFunc func(ctx context.Context, chain types.ChainConfig, timeout time.Duration) (*Reader, error)

// MultiChainClient keeps one Reader per chain and routes reads to it. Readers
// are dialed on first use.
type MultiChainClient struct {
	chains  ChainResolver
	timeout time.Duration
	dial    dialFunc

	mutex   sync.Mutex
	readers map[int64]*Reader
}

// NewMultiChainClient creates a client that dials readers through chains
func NewMultiChainClient(chains ChainResolver, timeout time.Duration) *MultiChainClient {
	return &MultiChainClient{
		chains:  chains,
		timeout: timeout,
		dial:    NewReader,
		readers: make(map[int64]*Reader),
	}
}

// Reader returns the reader of a chain, dialing it if needed
func (c *MultiChainClient) Reader(ctx context.Context, chainID int64) (*Reader, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if r, ok := c.readers[chainID]; ok {
		return r, nil
	}

	chain := c.chains(chainID)
	r, err := c.dial(ctx, chain, c.timeout)
	if err != nil {
		return nil, err
	}
	c.readers[chainID] = r

	logrus.WithFields(logrus.Fields{
		"chain":    types.ChainByID(chainID),
		"endpoint": chain.RPCEndpoint,
	}).Info("Connected chain reader")
	return r, nil
}

// ReadBatch runs a batch of calls on the given chain
func (c *MultiChainClient) ReadBatch(ctx context.Context, chainID int64, calls []model.Call) ([]any, error) {
	r, err := c.Reader(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return r.ReadBatch(ctx, calls)
}

// AllMarkets lists a Comptroller's markets on the given chain
func (c *MultiChainClient) AllMarkets(ctx context.Context, chainID int64, comptroller common.Address) ([]common.Address, error) {
	r, err := c.Reader(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return r.AllMarkets(ctx, chainID, comptroller)
}

// Close closes every dialed reader
func (c *MultiChainClient) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id, r := range c.readers {
		r.Close()
		delete(c.readers, id)
	}
}
