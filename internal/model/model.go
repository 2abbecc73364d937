// Package model defines the core data structures for the realm aggregator.
package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is the static description of an underlying asset
type Token struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Decimals int    `json:"decimals,omitempty"`
}

// MarketConfig pairs a market contract (by its name in the deployment)
// with the token it lends
type MarketConfig struct {
	CToken string `json:"cToken"`
	Token  string `json:"token"`
}

// RealmConfig is a named group of markets sharing one protocol deployment.
type RealmConfig struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Icon    string         `json:"icon,omitempty"`
	Key     string         `json:"key"`
	Markets []MarketConfig `json:"markets"`
	Tokens  []Token        `json:"tokens"`
}

// FindMarket returns the market config whose cToken contract has the given name
func (r RealmConfig) FindMarket(cToken string) (MarketConfig, bool) {
	for _, m := range r.Markets {
		if m.CToken == cToken {
			return m, true
		}
	}
	return MarketConfig{}, false
}

// FindToken returns the token with the given name
func (r RealmConfig) FindToken(name string) (Token, bool) {
	for _, t := range r.Tokens {
		if t.Name == name {
			return t, true
		}
	}
	return Token{}, false
}

// Well-known contract names inside a deployment
const (
	ContractComptroller = "Comptroller"
	ContractPriceOracle = "SimplePriceOracle"
)

// Deployment is the contract registry of one realm on one chain.
type Deployment struct {
	ChainID   int64                     `json:"chainId"`
	Contracts map[string]common.Address `json:"contracts"`
}

// Address returns the address of a named contract
func (d Deployment) Address(name string) (common.Address, bool) {
	addr, ok := d.Contracts[name]
	return addr, ok
}

// NameOf returns the contract name registered for an address.
func (d Deployment) NameOf(addr common.Address) (string, bool) {
	for name, a := range d.Contracts {
		if a == addr {
			return name, true
		}
	}
	return "", false
}

// Market is a configured market paired with its deployed address.
type Market struct {
	MarketConfig
	Address common.Address `json:"address"`
}

// ResolvedMarket is a live market contract matched to its realm configuration.
type ResolvedMarket struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
	Config  MarketConfig   `json:"config"`
	Token   Token          `json:"token"`
}

// RiskParams is the Comptroller's per-market record
type RiskParams struct {
	IsListed         bool                `json:"isListed"`
	CollateralFactor decimal.NullDecimal `json:"collateralFactor"`
	IsComped         bool                `json:"isComped"`
}

// MarketData holds the live reads and derived values of one market. Every
// numeric field may be unset; derived values are only set when all of their
// inputs are.
type MarketData struct {
	Token   Token          `json:"token"`
	Address common.Address `json:"address"`

	Cash                decimal.NullDecimal `json:"cash"`
	Price               decimal.NullDecimal `json:"price"`
	TotalSupply         decimal.NullDecimal `json:"totalSupply"`
	ExchangeRate        decimal.NullDecimal `json:"exchangeRate"`
	TotalBorrows        decimal.NullDecimal `json:"totalBorrows"`
	Balance             decimal.NullDecimal `json:"balance"`
	SupplyRatePerBlock  decimal.NullDecimal `json:"supplyRatePerBlock"`
	BorrowBalanceStored decimal.NullDecimal `json:"borrowBalanceStored"`
	BorrowRatePerBlock  decimal.NullDecimal `json:"borrowRatePerBlock"`
	Markets             *RiskParams         `json:"markets,omitempty"`
	BorrowCaps          decimal.NullDecimal `json:"borrowCaps"`

	Value        decimal.NullDecimal `json:"value"`
	Supply       decimal.NullDecimal `json:"supply"`
	Borrow       decimal.NullDecimal `json:"borrow"`
	SupplyAPY    decimal.NullDecimal `json:"supplyAPY"`
	BorrowAPY    decimal.NullDecimal `json:"borrowAPY"`
	NetAPY       decimal.NullDecimal `json:"netAPY"`
	Deposit      decimal.NullDecimal `json:"deposit"`
	UserBorrowed decimal.NullDecimal `json:"userBorrowed"`
	UserLimit    decimal.NullDecimal `json:"userLimit"`
}

// Summary is the per-realm fold over one batch of reads.
type Summary struct {
	RealmID string `json:"realmId"`

	// MarketData is ordered as the markets were resolved
	MarketData []*MarketData `json:"marketData"`

	TotalValueLocked  decimal.Decimal `json:"totalValueLocked"`
	TotalSupply       decimal.Decimal `json:"totalSupply"`
	TotalBorrow       decimal.Decimal `json:"totalBorrow"`
	NetAPY            decimal.Decimal `json:"netAPY"`
	Deposit           decimal.Decimal `json:"deposit"`
	TotalUserBorrowed decimal.Decimal `json:"totalUserBorrowed"`
	TotalUserLimit    decimal.Decimal `json:"totalUserLimit"`
	UserBorrowLimit   decimal.Decimal `json:"userBorrowLimit"`

	Markets []Market    `json:"markets"`
	Config  RealmConfig `json:"config"`

	// CollectedAt is the Unix timestamp the batch was read at; zero when the
	// summary was built outside of a refresh
	CollectedAt int64 `json:"collectedAt,omitempty"`
}

// Market returns the data of the market at addr, or nil
func (s *Summary) Market(addr common.Address) *MarketData {
	for _, m := range s.MarketData {
		if m.Address == addr {
			return m
		}
	}
	return nil
}

// Call describes one read-only contract query.
type Call struct {
	Contract common.Address `json:"contract"`
	// ABI is the name of the contract interface the method belongs to
	ABI     string `json:"abi"`
	Method  string `json:"method"`
	Args    []any  `json:"args,omitempty"`
	ChainID int64  `json:"chainId"`
	// Skip marks a call that cannot be made, e.g. an account-scoped read
	// with no account; it yields a missing result
	Skip bool `json:"skip,omitempty"`
}

// Contract interface names used in Call.ABI
const (
	ABICToken      = "CToken"
	ABIComptroller = "Comptroller"
	ABIPriceOracle = "PriceOracle"
)
