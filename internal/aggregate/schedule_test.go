package aggregate

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/realm-aggregator/internal/model"
)

var (
	addrComptroller = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	addrOracle      = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	addrAccount     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func testDeployment() model.Deployment {
	return model.Deployment{
		ChainID: 534353,
		Contracts: map[string]common.Address{
			model.ContractComptroller: addrComptroller,
			model.ContractPriceOracle: addrOracle,
			"CEther":                  addrETH,
			"CUSDC":                   addrUSDC,
		},
	}
}

func TestPropertySchedule(t *testing.T) {
	assert.Equal(t, 11, PropertyCount)
	require.Len(t, Properties, PropertyCount)
	assert.Equal(t, PropCash, Properties[0])
	assert.Equal(t, PropBorrowCaps, Properties[PropertyCount-1])
	assert.Equal(t, "borrowBalanceStored", PropBorrowBalanceStored.String())
	assert.Equal(t, "property(42)", Property(42).String())
}

func TestLocate(t *testing.T) {
	tests := []struct {
		index  int
		market int
		prop   Property
	}{
		{0, 0, PropCash},
		{1, 0, PropPrice},
		{10, 0, PropBorrowCaps},
		{11, 1, PropCash},
		{21, 1, PropBorrowCaps},
		{24, 2, PropExchangeRate},
	}
	for _, tt := range tests {
		market, prop := Locate(tt.index)
		assert.Equal(t, tt.market, market, "index %d", tt.index)
		assert.Equal(t, tt.prop, prop, "index %d", tt.index)
	}
}

func TestSchedule(t *testing.T) {
	resolved := testInput().Resolved

	calls, err := Schedule(resolved, testDeployment(), addrAccount)
	require.NoError(t, err)
	require.Len(t, calls, len(resolved)*PropertyCount)

	for i, call := range calls {
		market, prop := Locate(i)
		assert.Equal(t, int64(534353), call.ChainID)
		assert.False(t, call.Skip)
		switch prop {
		case PropPrice:
			assert.Equal(t, addrOracle, call.Contract)
			assert.Equal(t, []any{resolved[market].Address}, call.Args)
		case PropMarkets, PropBorrowCaps:
			assert.Equal(t, addrComptroller, call.Contract)
			assert.Equal(t, []any{resolved[market].Address}, call.Args)
		case PropBalance, PropBorrowBalanceStored:
			assert.Equal(t, resolved[market].Address, call.Contract)
			assert.Equal(t, []any{addrAccount}, call.Args)
		default:
			assert.Equal(t, resolved[market].Address, call.Contract)
			assert.Empty(t, call.Args)
		}
	}

	assert.Equal(t, "getCash", calls[0].Method)
	assert.Equal(t, "getUnderlyingPrice", calls[1].Method)
	assert.Equal(t, "exchangeRateStored", calls[PropertyCount+int(PropExchangeRate)].Method)
	assert.Equal(t, model.ABIComptroller, calls[int(PropMarkets)].ABI)
}

func TestSchedule_NoAccountSkipsAccountReads(t *testing.T) {
	calls, err := Schedule(testInput().Resolved, testDeployment(), common.Address{})
	require.NoError(t, err)

	for i, call := range calls {
		_, prop := Locate(i)
		wantSkip := prop == PropBalance || prop == PropBorrowBalanceStored
		assert.Equal(t, wantSkip, call.Skip, "call %d (%s)", i, prop)
	}
}

func TestSchedule_MissingCoreContracts(t *testing.T) {
	d := testDeployment()
	delete(d.Contracts, model.ContractPriceOracle)

	_, err := Schedule(testInput().Resolved, d, addrAccount)
	assert.Error(t, err)
}

func TestResolveMarkets(t *testing.T) {
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	d := testDeployment()
	d.Contracts["CUnlisted"] = common.HexToAddress("0x00000000000000000000000000000000000000ee")

	live := []common.Address{addrUSDC, stranger, addrETH, addrUSDC, d.Contracts["CUnlisted"]}
	resolved := ResolveMarkets(testRealm(), d, live)

	require.Len(t, resolved, 2)
	assert.Equal(t, "CUSDC", resolved[0].Name)
	assert.Equal(t, "USDC", resolved[0].Token.Name)
	assert.Equal(t, addrUSDC, resolved[0].Address)
	assert.Equal(t, "CEther", resolved[1].Name)
	assert.Equal(t, "ETH", resolved[1].Config.Token)
}

func TestAvailableMarkets(t *testing.T) {
	realm := testRealm()
	realm.Markets = append(realm.Markets, model.MarketConfig{CToken: "CMissing", Token: "DAI"})

	markets := AvailableMarkets(realm, testDeployment())

	require.Len(t, markets, 3)
	assert.Equal(t, addrETH, markets[0].Address)
	assert.Equal(t, addrUSDC, markets[1].Address)
	assert.Equal(t, common.Address{}, markets[2].Address)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		kind Kind
	}{
		{"nil", nil, KindMissing},
		{"false", false, KindMissing},
		{"empty string", "", KindMissing},
		{"nil big int", (*big.Int)(nil), KindMissing},
		{"unsupported", struct{}{}, KindMissing},
		{"true", true, KindBool},
		{"text", "0xabc", KindText},
		{"big int", big.NewInt(42), KindNumber},
		{"zero big int", big.NewInt(0), KindNumber},
		{"uint64", uint64(1) << 63, KindNumber},
		{"int", 7, KindNumber},
		{"tuple", []any{true, big.NewInt(1), false}, KindList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Normalize(tt.raw).Kind)
		})
	}
}

func TestNormalize_TupleElements(t *testing.T) {
	v := Normalize([]any{true, big.NewInt(750), false})

	require.Equal(t, KindList, v.Kind)
	assert.True(t, v.Index(0).Bool)
	assert.Equal(t, "750", v.Index(1).Number.String())
	// inside a tuple false stays a boolean
	assert.Equal(t, KindBool, v.Index(2).Kind)
	assert.Equal(t, KindMissing, v.Index(3).Kind)
	assert.False(t, v.Index(3).Decimal().Valid)
}

func TestNormalize_Uint64(t *testing.T) {
	v := Normalize(uint64(18446744073709551615))
	assert.Equal(t, "18446744073709551615", v.Number.String())
}
