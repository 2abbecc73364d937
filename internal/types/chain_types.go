// Package types contains shared type definitions used across multiple packages
package types

import "strconv"

// SupportedChain represents a blockchain network a realm can be deployed on
type SupportedChain string

// Supported blockchain networks
const (
	ChainEthereum      SupportedChain = "ethereum"
	ChainSepolia       SupportedChain = "sepolia"
	ChainScroll        SupportedChain = "scroll"
	ChainScrollSepolia SupportedChain = "scroll-sepolia"
	ChainScrollAlpha   SupportedChain = "scroll-alpha"
	ChainLocal         SupportedChain = "localhost"
)

var chainIDs = map[SupportedChain]int64{
	ChainEthereum:      1,
	ChainSepolia:       11155111,
	ChainScroll:        534352,
	ChainScrollSepolia: 534351,
	ChainScrollAlpha:   534353,
	ChainLocal:         31337,
}

// ChainID returns the EIP-155 chain id of a known network, or 0
func (c SupportedChain) ChainID() int64 {
	return chainIDs[c]
}

// ChainByID looks up the network name for a chain id. Unknown ids are
// rendered as their decimal value.
func ChainByID(id int64) SupportedChain {
	for chain, chainID := range chainIDs {
		if chainID == id {
			return chain
		}
	}
	return SupportedChain(strconv.FormatInt(id, 10))
}

// ChainConfig holds connection settings for a specific blockchain network
type ChainConfig struct {
	RPCEndpoint  string  `json:"rpc_endpoint"`
	MaxBatchSize int     `json:"max_batch_size"`
	RateLimit    float64 `json:"rate_limit"` // batches per second, 0 disables pacing
}
