// Package fetch reads lending market state from chain over JSON-RPC.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/types"
	"golang.org/x/time/rate"
)

// ErrChainMismatch is returned when a call targets a chain other than the
// one the endpoint serves
var ErrChainMismatch = errors.New("chain id mismatch")

const defaultMaxBatchSize = 100

// BatchCaller is the subset of *rpc.Client used by Reader
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Reader executes contract reads against a single JSON-RPC endpoint.
type Reader struct {
	caller   BatchCaller
	maxBatch int
	limiter  *rate.Limiter

	mu      sync.Mutex
	chainID int64
}

// NewReader dials the chain's endpoint over a retrying HTTP transport.
func NewReader(ctx context.Context, chain types.ChainConfig, timeout time.Duration) (*Reader, error) {
	httpClient := newRetryClient().StandardClient()
	httpClient.Timeout = timeout

	client, err := rpc.DialOptions(ctx, chain.RPCEndpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", chain.RPCEndpoint, err)
	}
	return newReader(client, chain), nil
}

func newReader(caller BatchCaller, chain types.ChainConfig) *Reader {
	maxBatch := chain.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchSize
	}
	limit := rate.Inf
	if chain.RateLimit > 0 {
		limit = rate.Limit(chain.RateLimit)
	}
	return &Reader{
		caller:   caller,
		maxBatch: maxBatch,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// ChainID returns the endpoint's chain id, asking the node on first use
func (r *Reader) ChainID(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chainID != 0 {
		return r.chainID, nil
	}
	var id hexutil.Big
	if err := r.caller.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, fmt.Errorf("failed to query chain id: %w", err)
	}
	r.chainID = id.ToInt().Int64()
	return r.chainID, nil
}

func (r *Reader) checkChain(ctx context.Context, chainID int64) error {
	if chainID == 0 {
		return nil
	}
	actual, err := r.ChainID(ctx)
	if err != nil {
		return err
	}
	if actual != chainID {
		return fmt.Errorf("%w: endpoint serves %d, call wants %d", ErrChainMismatch, actual, chainID)
	}
	return nil
}

type pendingCall struct {
	index  int
	call   model.Call
	result hexutil.Bytes
}

// ReadBatch executes calls and returns their decoded results in call order.
// Skipped calls, reverts, per-call RPC errors and undecodable results yield
// nil. Only a failure of a whole request is returned as an error.
func (r *Reader) ReadBatch(ctx context.Context, calls []model.Call) ([]any, error) {
	results := make([]any, len(calls))

	checked := make(map[int64]bool)
	pending := make([]*pendingCall, 0, len(calls))
	for i, call := range calls {
		if call.Skip {
			continue
		}
		if !checked[call.ChainID] {
			if err := r.checkChain(ctx, call.ChainID); err != nil {
				return nil, err
			}
			checked[call.ChainID] = true
		}
		pending = append(pending, &pendingCall{index: i, call: call})
	}

	for start := 0; start < len(pending); start += r.maxBatch {
		end := start + r.maxBatch
		if end > len(pending) {
			end = len(pending)
		}
		if err := r.readChunk(ctx, pending[start:end], results); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"calls":   len(calls),
		"sent":    len(pending),
		"batches": (len(pending) + r.maxBatch - 1) / r.maxBatch,
	}).Debug("Batch read complete")
	return results, nil
}

func (r *Reader) readChunk(ctx context.Context, chunk []*pendingCall, results []any) error {
	elems := make([]rpc.BatchElem, 0, len(chunk))
	sent := make([]*pendingCall, 0, len(chunk))
	for _, p := range chunk {
		data, err := pack(p.call)
		if err != nil {
			logrus.WithError(err).WithField("method", p.call.Method).Warn("Skipping unpackable call")
			continue
		}
		elems = append(elems, rpc.BatchElem{
			Method: "eth_call",
			Args:   []interface{}{callArg(p.call.Contract, data), "latest"},
			Result: &p.result,
		})
		sent = append(sent, p)
	}
	if len(elems) == 0 {
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := r.caller.BatchCallContext(ctx, elems); err != nil {
		return fmt.Errorf("batch eth_call failed: %w", err)
	}

	for i, p := range sent {
		if elems[i].Error != nil {
			logrus.WithFields(logrus.Fields{
				"contract": p.call.Contract.Hex(),
				"method":   p.call.Method,
			}).WithError(elems[i].Error).Debug("Call failed")
			continue
		}
		value, err := unpack(p.call, p.result)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"contract": p.call.Contract.Hex(),
				"method":   p.call.Method,
			}).WithError(err).Debug("Call returned no usable data")
			continue
		}
		results[p.index] = value
	}
	return nil
}

// AllMarkets returns the market addresses listed by a Comptroller
func (r *Reader) AllMarkets(ctx context.Context, chainID int64, comptroller common.Address) ([]common.Address, error) {
	if err := r.checkChain(ctx, chainID); err != nil {
		return nil, err
	}

	call := model.Call{Contract: comptroller, ABI: model.ABIComptroller, Method: "getAllMarkets"}
	data, err := pack(call)
	if err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var result hexutil.Bytes
	if err := r.caller.CallContext(ctx, &result, "eth_call", callArg(comptroller, data), "latest"); err != nil {
		return nil, fmt.Errorf("getAllMarkets on %s: %w", comptroller.Hex(), err)
	}
	value, err := unpack(call, result)
	if err != nil {
		return nil, err
	}
	markets, ok := value.([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getAllMarkets on %s returned %T", comptroller.Hex(), value)
	}
	return markets, nil
}

// Close releases the underlying connection
func (r *Reader) Close() {
	r.caller.Close()
}

func callArg(to common.Address, data []byte) map[string]interface{} {
	return map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = retryLogger{logrus.WithField("component", "rpc-transport")}
	return c
}

// retryLogger routes retryablehttp's leveled logs to logrus
type retryLogger struct {
	entry *logrus.Entry
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }

func (l retryLogger) with(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}
