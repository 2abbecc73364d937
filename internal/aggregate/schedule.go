package aggregate

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// Property is one slot of the per-market query schedule.
type Property int

// The per-market query schedule. The order is the order calls are issued in
// and the order batch results are decoded in.
const (
	PropCash Property = iota
	PropPrice
	PropTotalSupply
	PropExchangeRate
	PropTotalBorrows
	PropBalance
	PropSupplyRatePerBlock
	PropBorrowBalanceStored
	PropBorrowRatePerBlock
	PropMarkets
	PropBorrowCaps

	propertyEnd
)

// PropertyCount is the number of batch items issued per market.
const PropertyCount = int(propertyEnd)

// Properties lists the schedule in issue order
var Properties = func() []Property {
	props := make([]Property, PropertyCount)
	for i := range props {
		props[i] = Property(i)
	}
	return props
}()

var propertyNames = [PropertyCount]string{
	"cash",
	"price",
	"totalSupply",
	"exchangeRate",
	"totalBorrows",
	"balance",
	"supplyRatePerBlock",
	"borrowBalanceStored",
	"borrowRatePerBlock",
	"markets",
	"borrowCaps",
}

func (p Property) String() string {
	if p < 0 || int(p) >= PropertyCount {
		return fmt.Sprintf("property(%d)", int(p))
	}
	return propertyNames[p]
}

// Locate decodes a flat batch index into its market index and property.
func Locate(index int) (market int, prop Property) {
	return index / PropertyCount, Property(index % PropertyCount)
}

type target int

const (
	targetMarket target = iota
	targetOracle
	targetComptroller
)

type argument int

const (
	argNone argument = iota
	argMarket
	argAccount
)

type query struct {
	target target
	abi    string
	method string
	arg    argument
}

var queries = [PropertyCount]query{
	PropCash:                {targetMarket, model.ABICToken, "getCash", argNone},
	PropPrice:               {targetOracle, model.ABIPriceOracle, "getUnderlyingPrice", argMarket},
	PropTotalSupply:         {targetMarket, model.ABICToken, "totalSupply", argNone},
	PropExchangeRate:        {targetMarket, model.ABICToken, "exchangeRateStored", argNone},
	PropTotalBorrows:        {targetMarket, model.ABICToken, "totalBorrows", argNone},
	PropBalance:             {targetMarket, model.ABICToken, "balanceOf", argAccount},
	PropSupplyRatePerBlock:  {targetMarket, model.ABICToken, "supplyRatePerBlock", argNone},
	PropBorrowBalanceStored: {targetMarket, model.ABICToken, "borrowBalanceStored", argAccount},
	PropBorrowRatePerBlock:  {targetMarket, model.ABICToken, "borrowRatePerBlock", argNone},
	PropMarkets:             {targetComptroller, model.ABIComptroller, "markets", argMarket},
	PropBorrowCaps:          {targetComptroller, model.ABIComptroller, "borrowCaps", argMarket},
}

// Schedule builds the ordered call list for the resolved markets: PropertyCount
// calls per market, in Properties order. Account-scoped calls are skipped when
// account is the zero address.
func Schedule(resolved []model.ResolvedMarket, d model.Deployment, account common.Address) ([]model.Call, error) {
	comptroller, ok := d.Address(model.ContractComptroller)
	if !ok {
		return nil, fmt.Errorf("deployment has no %s contract", model.ContractComptroller)
	}
	oracle, ok := d.Address(model.ContractPriceOracle)
	if !ok {
		return nil, fmt.Errorf("deployment has no %s contract", model.ContractPriceOracle)
	}

	calls := make([]model.Call, 0, len(resolved)*PropertyCount)
	for _, m := range resolved {
		for _, prop := range Properties {
			q := queries[prop]
			call := model.Call{
				ABI:     q.abi,
				Method:  q.method,
				ChainID: d.ChainID,
			}
			switch q.target {
			case targetMarket:
				call.Contract = m.Address
			case targetOracle:
				call.Contract = oracle
			case targetComptroller:
				call.Contract = comptroller
			}
			switch q.arg {
			case argMarket:
				call.Args = []any{m.Address}
			case argAccount:
				call.Args = []any{account}
				call.Skip = account == (common.Address{})
			}
			calls = append(calls, call)
		}
	}
	return calls, nil
}
