// Package validation checks realm configuration and read batches before
// they reach the aggregator.
package validation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// ErrInvalidRealm wraps every realm configuration problem
var ErrInvalidRealm = errors.New("invalid realm configuration")

// ValidateRealm checks that a realm can be resolved against its deployment:
// the core contracts exist, every market contract is deployed, every market's
// token is declared and no two contracts share an address.
func ValidateRealm(realm model.RealmConfig, d model.Deployment) error {
	var problems []error

	if realm.ID == "" {
		problems = append(problems, errors.New("realm id is empty"))
	}
	for _, name := range []string{model.ContractComptroller, model.ContractPriceOracle} {
		if addr, ok := d.Address(name); !ok || addr == (common.Address{}) {
			problems = append(problems, fmt.Errorf("deployment %q has no %s", realm.Key, name))
		}
	}

	owners := make(map[common.Address]string, len(d.Contracts))
	for name, addr := range d.Contracts {
		if other, dup := owners[addr]; dup {
			problems = append(problems, fmt.Errorf("contracts %s and %s share address %s", other, name, addr.Hex()))
			continue
		}
		owners[addr] = name
	}

	cTokens := make(map[string]struct{}, len(realm.Markets))
	for _, m := range realm.Markets {
		if _, dup := cTokens[m.CToken]; dup {
			problems = append(problems, fmt.Errorf("market %s configured twice", m.CToken))
		}
		cTokens[m.CToken] = struct{}{}

		if _, ok := d.Address(m.CToken); !ok {
			problems = append(problems, fmt.Errorf("market %s is not deployed", m.CToken))
		}
		if _, ok := realm.FindToken(m.Token); !ok {
			problems = append(problems, fmt.Errorf("market %s lends unknown token %s", m.CToken, m.Token))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w %q: %w", ErrInvalidRealm, realm.ID, errors.Join(problems...))
}

// ValidateRegistry validates every realm against its deployment and rejects
// duplicate realm ids.
func ValidateRegistry(realms []model.RealmConfig, deployments map[string]model.Deployment) error {
	var problems []error
	ids := make(map[string]struct{}, len(realms))

	for _, realm := range realms {
		if _, dup := ids[realm.ID]; dup {
			problems = append(problems, fmt.Errorf("%w: duplicate realm id %q", ErrInvalidRealm, realm.ID))
		}
		ids[realm.ID] = struct{}{}

		d, ok := deployments[realm.Key]
		if !ok {
			problems = append(problems, fmt.Errorf("%w %q: no deployment %q", ErrInvalidRealm, realm.ID, realm.Key))
			continue
		}
		if err := ValidateRealm(realm, d); err != nil {
			problems = append(problems, err)
		}
	}
	return errors.Join(problems...)
}
