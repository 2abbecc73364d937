package fetch

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/yourorg/realm-aggregator/internal/model"
)

const cTokenABI = `[
	{"type":"function","name":"getCash","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"exchangeRateStored","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalBorrows","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"supplyRatePerBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"borrowBalanceStored","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"borrowRatePerBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const priceOracleABI = `[
	{"type":"function","name":"getUnderlyingPrice","stateMutability":"view","inputs":[{"name":"cToken","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const comptrollerABI = `[
	{"type":"function","name":"getAllMarkets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"markets","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"isListed","type":"bool"},{"name":"collateralFactorMantissa","type":"uint256"},{"name":"isComped","type":"bool"}]},
	{"type":"function","name":"borrowCaps","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var abis = map[string]abi.ABI{
	model.ABICToken:      mustParseABI(cTokenABI),
	model.ABIPriceOracle: mustParseABI(priceOracleABI),
	model.ABIComptroller: mustParseABI(comptrollerABI),
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid contract abi: %v", err))
	}
	return parsed
}

func lookupMethod(contractABI, method string) (abi.Method, error) {
	parsed, ok := abis[contractABI]
	if !ok {
		return abi.Method{}, fmt.Errorf("unknown abi %q", contractABI)
	}
	m, ok := parsed.Methods[method]
	if !ok {
		return abi.Method{}, fmt.Errorf("abi %q has no method %q", contractABI, method)
	}
	return m, nil
}

// pack encodes the calldata of a query
func pack(call model.Call) ([]byte, error) {
	m, err := lookupMethod(call.ABI, call.Method)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Pack(call.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", call.Method, err)
	}
	data := make([]byte, 0, len(m.ID)+len(args))
	data = append(data, m.ID...)
	return append(data, args...), nil
}

// unpack decodes a return value. A single output is returned as is, several
// outputs as a slice in declaration order.
func unpack(call model.Call, data []byte) (any, error) {
	m, err := lookupMethod(call.ABI, call.Method)
	if err != nil {
		return nil, err
	}
	values, err := m.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", call.Method, err)
	}
	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}
