package aggregate

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// ResolveMarkets matches the live market addresses reported by the realm's
// Comptroller against the deployment registry. Live order is kept; unknown
// addresses, duplicates and contracts without a market config are dropped.
func ResolveMarkets(realm model.RealmConfig, d model.Deployment, live []common.Address) []model.ResolvedMarket {
	resolved := make([]model.ResolvedMarket, 0, len(live))
	seen := make(map[common.Address]struct{}, len(live))

	for _, addr := range live {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		name, ok := d.NameOf(addr)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"realm":   realm.ID,
				"address": addr.Hex(),
			}).Debug("Live market not in deployment, skipping")
			continue
		}
		cfg, ok := realm.FindMarket(name)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"realm":    realm.ID,
				"contract": name,
			}).Debug("Live market has no market config, skipping")
			continue
		}
		token, _ := realm.FindToken(cfg.Token)

		resolved = append(resolved, model.ResolvedMarket{
			Name:    name,
			Address: addr,
			Config:  cfg,
			Token:   token,
		})
	}
	return resolved
}

// AvailableMarkets pairs every configured market with its deployed address.
// Markets whose contract is missing from the deployment get the zero address.
func AvailableMarkets(realm model.RealmConfig, d model.Deployment) []model.Market {
	markets := make([]model.Market, 0, len(realm.Markets))
	for _, cfg := range realm.Markets {
		addr, _ := d.Address(cfg.CToken)
		markets = append(markets, model.Market{MarketConfig: cfg, Address: addr})
	}
	return markets
}
