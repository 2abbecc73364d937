package refresh

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/realm-aggregator/internal/aggregate"
	"github.com/yourorg/realm-aggregator/internal/circuitbreaker"
	"github.com/yourorg/realm-aggregator/internal/config"
	"github.com/yourorg/realm-aggregator/internal/fetch"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/publish"
)

var (
	addrComptroller = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	addrOracle      = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	addrETH         = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	addrUSDC        = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	addrAccount     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func testRegistry(t *testing.T) *config.Registry {
	registry, err := config.NewRegistry(config.RealmFile{
		Realms: []model.RealmConfig{
			{
				ID:  "main",
				Key: "local",
				Markets: []model.MarketConfig{
					{CToken: "CEther", Token: "ETH"},
					{CToken: "CUSDC", Token: "USDC"},
				},
				Tokens: []model.Token{{Name: "ETH"}, {Name: "USDC"}},
			},
		},
		Deployments: map[string]model.Deployment{
			"local": {
				ChainID: 31337,
				Contracts: map[string]common.Address{
					model.ContractComptroller: addrComptroller,
					model.ContractPriceOracle: addrOracle,
					"CEther":                  addrETH,
					"CUSDC":                   addrUSDC,
				},
			},
		},
	})
	require.NoError(t, err)
	return registry
}

type fakeMarkets struct {
	calls int32
	live  []common.Address
	err   error
}

func (f *fakeMarkets) AllMarkets(context.Context, int64, common.Address) ([]common.Address, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.live, f.err
}

// fakeReader answers every call with one fixed value per method
type fakeReader struct {
	mu      sync.Mutex
	values  map[string]any
	err     error
	chainID int64
	calls   []model.Call
}

func newFakeReader() *fakeReader {
	e18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return &fakeReader{values: map[string]any{
		"getCash":             new(big.Int).Set(e18),
		"getUnderlyingPrice":  new(big.Int).Mul(big.NewInt(2), e18),
		"totalSupply":         new(big.Int).Set(e18),
		"exchangeRateStored":  new(big.Int).Set(e18),
		"totalBorrows":        new(big.Int).Set(e18),
		"balanceOf":           new(big.Int).Set(e18),
		"supplyRatePerBlock":  big.NewInt(1000),
		"borrowBalanceStored": new(big.Int).Set(e18),
		"borrowRatePerBlock":  big.NewInt(100),
		"markets":             []interface{}{true, big.NewInt(5e17), false},
		"borrowCaps":          big.NewInt(0),
	}}
}

func (f *fakeReader) ReadBatch(_ context.Context, chainID int64, calls []model.Call) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.chainID = chainID
	f.calls = calls
	if f.err != nil {
		return nil, f.err
	}
	out := make([]any, len(calls))
	for i, c := range calls {
		if !c.Skip {
			out[i] = f.values[c.Method]
		}
	}
	return out, nil
}

func newService(t *testing.T, markets fetch.MarketRegistry, reader BatchReader) (*Service, *publish.Hub) {
	hub := publish.NewHub()
	svc := New(testRegistry(t), markets, reader, hub, Options{
		Account:  addrAccount,
		Interval: time.Hour,
		Timeout:  time.Second,
		Thresholds: circuitbreaker.Thresholds{
			MaxMissingRatio: 0.5,
			MaxTVLChange:    0.5,
			MinMarkets:      1,
		},
	}, prometheus.NewRegistry())
	return svc, hub
}

func TestRefresh_PublishesSummary(t *testing.T) {
	markets := &fakeMarkets{live: []common.Address{addrETH, addrUSDC}}
	reader := newFakeReader()
	svc, hub := newService(t, markets, reader)

	summary, err := svc.Refresh(context.Background(), "main")
	require.NoError(t, err)

	assert.Equal(t, int64(31337), reader.chainID)
	assert.Len(t, reader.calls, 22)
	require.Len(t, summary.MarketData, 2)
	// value = cash/1e18 * price = 2 per market
	assert.True(t, summary.TotalValueLocked.Equal(decimal.NewFromInt(4)), summary.TotalValueLocked.String())
	assert.NotZero(t, summary.CollectedAt)
	assert.Len(t, summary.Markets, 2)

	latest, ok := hub.Latest("main")
	require.True(t, ok)
	assert.Same(t, summary, latest)

	assert.Equal(t, 4.0, testutil.ToFloat64(svc.metrics.tvl.WithLabelValues("main")))
	assert.Equal(t, 0.0, testutil.ToFloat64(svc.metrics.missing.WithLabelValues("main", "balance")))

	status := svc.Status()
	require.Len(t, status, 1)
	assert.Empty(t, status[0].LastError)
	assert.False(t, status[0].LastSuccess.IsZero())
	assert.Equal(t, 22, status[0].Expected)
}

func TestRefresh_UnknownRealm(t *testing.T) {
	svc, _ := newService(t, &fakeMarkets{}, newFakeReader())

	_, err := svc.Refresh(context.Background(), "nope")
	assert.ErrorIs(t, err, config.ErrUnknownRealm)
}

func TestRefresh_RegistryFailure(t *testing.T) {
	svc, hub := newService(t, &fakeMarkets{err: errors.New("node down")}, newFakeReader())

	_, err := svc.Refresh(context.Background(), "main")
	assert.ErrorContains(t, err, "node down")
	_, ok := hub.Latest("main")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.failures.WithLabelValues("main", "registry")))
}

func TestRefresh_ReadFailureInvalidatesCachedMarkets(t *testing.T) {
	markets := &fakeMarkets{live: []common.Address{addrETH}}
	reader := newFakeReader()
	reader.err = fetch.ErrChainMismatch
	svc, _ := newService(t, fetch.NewCachedRegistry(markets, time.Hour), reader)

	_, err := svc.Refresh(context.Background(), "main")
	assert.ErrorIs(t, err, fetch.ErrChainMismatch)
	_, err = svc.Refresh(context.Background(), "main")
	assert.Error(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&markets.calls))
}

func TestRefresh_BreakerKeepsLastGood(t *testing.T) {
	markets := &fakeMarkets{live: []common.Address{addrETH, addrUSDC}}
	reader := newFakeReader()
	svc, hub := newService(t, markets, reader)

	good, err := svc.Refresh(context.Background(), "main")
	require.NoError(t, err)

	// most reads now fail
	for method := range reader.values {
		if method != "getCash" {
			reader.values[method] = nil
		}
	}
	_, err = svc.Refresh(context.Background(), "main")
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	latest, _ := hub.Latest("main")
	assert.Same(t, good, latest)
	assert.Same(t, good, svc.Breaker("main").LastGood())
	assert.Equal(t, circuitbreaker.StateOpen, svc.Status()[0].Circuit.State)
	assert.NotEmpty(t, svc.Status()[0].LastError)
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.metrics.missing.WithLabelValues("main", "price")))
	assert.Equal(t, 0.0, testutil.ToFloat64(svc.metrics.missing.WithLabelValues("main", "cash")))
}

func TestRefresh_NoAccountSkipsAccountReads(t *testing.T) {
	markets := &fakeMarkets{live: []common.Address{addrETH}}
	reader := newFakeReader()
	hub := publish.NewHub()
	// any missing read would trip this breaker
	svc := New(testRegistry(t), markets, reader, hub, Options{
		Thresholds: circuitbreaker.Thresholds{MaxMissingRatio: 0.05, MinMarkets: 1},
	}, prometheus.NewRegistry())

	summary, err := svc.Refresh(context.Background(), "main")
	require.NoError(t, err)

	m := summary.Market(addrETH)
	require.NotNil(t, m)
	assert.False(t, m.Balance.Valid)
	assert.False(t, m.Deposit.Valid)
	assert.True(t, m.Value.Valid)

	assert.Equal(t, 0.0, testutil.ToFloat64(svc.metrics.missing.WithLabelValues("main", "balance")))
	status := svc.Status()
	require.Len(t, status, 1)
	assert.Zero(t, status[0].Missing)
	assert.Equal(t, aggregate.PropertyCount-2, status[0].Expected)
}

func TestRefreshAll(t *testing.T) {
	markets := &fakeMarkets{live: []common.Address{addrETH}}
	svc, hub := newService(t, markets, newFakeReader())

	require.NoError(t, svc.RefreshAll(context.Background()))
	assert.Equal(t, []string{"main"}, hub.RealmIDs())

	markets.err = errors.New("node down")
	err := svc.RefreshAll(context.Background())
	assert.ErrorContains(t, err, "realm main")
}

func TestStartStop(t *testing.T) {
	markets := &fakeMarkets{live: []common.Address{addrETH}}
	svc, hub := newService(t, markets, newFakeReader())

	require.NoError(t, svc.Start())
	assert.Eventually(t, func() bool {
		_, ok := hub.Latest("main")
		return ok
	}, time.Second, 10*time.Millisecond)
	svc.Stop()
}

// slowReader holds every batch for delay and records the peak concurrency
type slowReader struct {
	*fakeReader
	delay    time.Duration
	inFlight int32
	peak     int32
}

func (r *slowReader) ReadBatch(ctx context.Context, chainID int64, calls []model.Call) ([]any, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}
	time.Sleep(r.delay)
	return r.fakeReader.ReadBatch(ctx, chainID, calls)
}

func TestStart_FirstRunDoesNotOverlapTick(t *testing.T) {
	markets := &fakeMarkets{live: []common.Address{addrETH}}
	reader := &slowReader{fakeReader: newFakeReader(), delay: 1500 * time.Millisecond}
	hub := publish.NewHub()
	// @every rounds up to one second, so the first tick lands mid-run
	svc := New(testRegistry(t), markets, reader, hub, Options{
		Account:    addrAccount,
		Interval:   time.Second,
		Thresholds: circuitbreaker.Thresholds{MaxMissingRatio: 0.5, MinMarkets: 1},
	}, prometheus.NewRegistry())

	require.NoError(t, svc.Start())
	time.Sleep(1300 * time.Millisecond)
	svc.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.peak))
	_, ok := hub.Latest("main")
	assert.True(t, ok, "Stop waits for the first run to publish")
}
