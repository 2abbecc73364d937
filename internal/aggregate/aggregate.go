// Package aggregate folds a batch of on-chain market reads into per-market
// and per-realm financial summaries.
package aggregate

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// Scale is the number of decimals of the on-chain fixed-point values.
const Scale = 18

// APYModel selects how supply and borrow APY are derived from per-block rates.
type APYModel string

const (
	// APYLegacy reproduces the dashboard's original figure:
	// int32(amount × ratePerBlock) XOR 365.
	APYLegacy APYModel = "legacy"
	// APYCompound compounds the per-block rate over a year:
	// (1 + ratePerBlock/1e18)^blocksPerYear − 1.
	APYCompound APYModel = "compound"
)

// DefaultBlocksPerYear assumes 15 second blocks
const DefaultBlocksPerYear int64 = 2102400

// Options tunes the derived values of Aggregate.
type Options struct {
	APYModel      APYModel
	BlocksPerYear int64
}

// DefaultOptions returns the legacy APY model.
func DefaultOptions() Options {
	return Options{
		APYModel:      APYLegacy,
		BlocksPerYear: DefaultBlocksPerYear,
	}
}

// Input is everything Aggregate needs besides the batch itself.
type Input struct {
	Realm model.RealmConfig
	// Resolved lists the live markets in the order their calls were scheduled
	Resolved []model.ResolvedMarket
	// Available is attached to the summary as-is
	Available []model.Market
}

// Aggregate decodes batch against the query schedule and reduces it into a
// fresh summary. Item i belongs to market i/PropertyCount and property
// i%PropertyCount. It is a pure function of its arguments.
func Aggregate(batch []any, in Input, opts Options) *model.Summary {
	seen := make([]*model.MarketData, len(in.Resolved))
	for i, raw := range batch {
		idx, prop := Locate(i)
		if idx >= len(in.Resolved) {
			continue
		}
		data := seen[idx]
		if data == nil {
			data = &model.MarketData{
				Token:   in.Resolved[idx].Token,
				Address: in.Resolved[idx].Address,
			}
			seen[idx] = data
		}
		assign(data, prop, Normalize(raw))
	}

	summary := &model.Summary{
		RealmID:           in.Realm.ID,
		MarketData:        make([]*model.MarketData, 0, len(seen)),
		TotalValueLocked:  decimal.Zero,
		TotalSupply:       decimal.Zero,
		TotalBorrow:       decimal.Zero,
		NetAPY:            decimal.Zero,
		Deposit:           decimal.Zero,
		TotalUserBorrowed: decimal.Zero,
		TotalUserLimit:    decimal.Zero,
	}

	for _, data := range seen {
		if data == nil {
			continue
		}
		derive(data, opts)
		summary.MarketData = append(summary.MarketData, data)

		summary.TotalValueLocked = plus(summary.TotalValueLocked, data.Value)
		summary.TotalSupply = plus(summary.TotalSupply, data.Supply)
		summary.TotalBorrow = plus(summary.TotalBorrow, data.Borrow)
		summary.NetAPY = plus(summary.NetAPY, data.NetAPY)
		summary.Deposit = plus(summary.Deposit, data.Deposit)
		summary.TotalUserBorrowed = plus(summary.TotalUserBorrowed, data.UserBorrowed)
		summary.TotalUserLimit = plus(summary.TotalUserLimit, data.UserLimit)
	}

	summary.UserBorrowLimit = BorrowLimit(summary.TotalUserBorrowed, summary.TotalUserLimit)
	summary.Markets = in.Available
	summary.Config = in.Realm
	return summary
}

// BorrowLimit is borrowed ÷ limit, or zero when the ratio is undefined.
func BorrowLimit(borrowed, limit decimal.Decimal) decimal.Decimal {
	if limit.IsZero() {
		return decimal.Zero
	}
	return borrowed.DivRound(limit, Scale)
}

func assign(data *model.MarketData, prop Property, v Value) {
	switch prop {
	case PropCash:
		data.Cash = v.Decimal()
	case PropPrice:
		data.Price = unscale(v.Decimal())
	case PropTotalSupply:
		data.TotalSupply = v.Decimal()
	case PropExchangeRate:
		data.ExchangeRate = unscale(v.Decimal())
	case PropTotalBorrows:
		data.TotalBorrows = v.Decimal()
	case PropBalance:
		data.Balance = v.Decimal()
	case PropSupplyRatePerBlock:
		data.SupplyRatePerBlock = v.Decimal()
	case PropBorrowBalanceStored:
		data.BorrowBalanceStored = v.Decimal()
	case PropBorrowRatePerBlock:
		data.BorrowRatePerBlock = v.Decimal()
	case PropMarkets:
		data.Markets = riskParams(v)
	case PropBorrowCaps:
		data.BorrowCaps = v.Decimal()
	}
}

func riskParams(v Value) *model.RiskParams {
	if v.Kind != KindList {
		return nil
	}
	return &model.RiskParams{
		IsListed:         v.Index(0).Bool,
		CollateralFactor: v.Index(1).Decimal(),
		IsComped:         v.Index(2).Bool,
	}
}

func derive(d *model.MarketData, opts Options) {
	if d.Cash.Valid && d.Price.Valid {
		d.Value = valid(units(d.Cash).Mul(d.Price.Decimal))
	}
	if d.TotalSupply.Valid && d.ExchangeRate.Valid && d.Price.Valid {
		d.Supply = valid(units(d.TotalSupply).Mul(d.ExchangeRate.Decimal).Mul(d.Price.Decimal))
	}
	if d.TotalBorrows.Valid && d.ExchangeRate.Valid && d.Price.Valid {
		d.Borrow = valid(units(d.TotalBorrows).Mul(d.ExchangeRate.Decimal).Mul(d.Price.Decimal))
	}

	d.SupplyAPY = apy(d.Balance, d.SupplyRatePerBlock, opts)
	d.BorrowAPY = apy(d.BorrowBalanceStored, d.BorrowRatePerBlock, opts)
	if d.SupplyAPY.Valid && d.BorrowAPY.Valid {
		d.NetAPY = valid(d.SupplyAPY.Decimal.Sub(d.BorrowAPY.Decimal))
	}

	if d.Balance.Valid && d.ExchangeRate.Valid && d.Price.Valid {
		d.Deposit = valid(units(d.Balance).Mul(d.ExchangeRate.Decimal).Mul(d.Price.Decimal))
	}
	if d.BorrowBalanceStored.Valid && d.ExchangeRate.Valid {
		d.UserBorrowed = valid(units(d.BorrowBalanceStored).Mul(d.ExchangeRate.Decimal))
	}
	if d.Markets != nil && d.Markets.CollateralFactor.Valid && d.Balance.Valid && d.Price.Valid {
		d.UserLimit = valid(units(d.Markets.CollateralFactor).Mul(units(d.Balance)).Mul(d.Price.Decimal))
	}
}

func apy(amount, ratePerBlock decimal.NullDecimal, opts Options) decimal.NullDecimal {
	switch opts.APYModel {
	case APYCompound:
		if !ratePerBlock.Valid {
			return decimal.NullDecimal{}
		}
		return compoundAPY(ratePerBlock.Decimal, opts.BlocksPerYear)
	default:
		if !amount.Valid || !ratePerBlock.Valid {
			return decimal.NullDecimal{}
		}
		return valid(legacyAPY(units(amount).Mul(ratePerBlock.Decimal)))
	}
}

// legacyAPY truncates v to a signed 32-bit integer the way a JavaScript
// bitwise operator does and XORs it with 365.
func legacyAPY(v decimal.Decimal) decimal.Decimal {
	f, _ := v.Float64()
	return decimal.NewFromInt(int64(toInt32(f) ^ 365))
}

func toInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(f), 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	return int32(uint32(m))
}

func compoundAPY(ratePerBlock decimal.Decimal, blocksPerYear int64) decimal.NullDecimal {
	if blocksPerYear <= 0 {
		blocksPerYear = DefaultBlocksPerYear
	}
	rate, _ := ratePerBlock.Shift(-Scale).Float64()
	f := math.Pow(1+rate, float64(blocksPerYear)) - 1
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.NullDecimal{}
	}
	return valid(decimal.NewFromFloat(f))
}

// units drops the 18 fixed-point decimals. Shift is exact, unlike Div.
func units(d decimal.NullDecimal) decimal.Decimal {
	return d.Decimal.Shift(-Scale)
}

func unscale(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid {
		return d
	}
	return valid(d.Decimal.Shift(-Scale))
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func plus(total decimal.Decimal, d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return total
	}
	return total.Add(d.Decimal)
}
