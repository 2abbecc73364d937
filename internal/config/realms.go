package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
	"github.com/yourorg/realm-aggregator/internal/validation"
)

// ErrUnknownRealm is returned for a realm id missing from the registry
var ErrUnknownRealm = errors.New("unknown realm")

// RealmFile is the on-disk layout of the realm registry
type RealmFile struct {
	Realms      []model.RealmConfig         `json:"realms"`
	Deployments map[string]model.Deployment `json:"deployments"`
}

// Registry holds the validated realms and their deployments.
type Registry struct {
	realms      []model.RealmConfig
	deployments map[string]model.Deployment
}

// LoadRealms reads and validates the realm registry at path
func LoadRealms(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read realms file: %w", err)
	}

	var file RealmFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse realms file %s: %w", path, err)
	}

	registry, err := NewRegistry(file)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"path":        path,
		"realms":      len(file.Realms),
		"deployments": len(file.Deployments),
	}).Info("Loaded realm registry")
	return registry, nil
}

// NewRegistry validates file and builds a registry from it
func NewRegistry(file RealmFile) (*Registry, error) {
	if err := validation.ValidateRegistry(file.Realms, file.Deployments); err != nil {
		return nil, err
	}
	return &Registry{
		realms:      file.Realms,
		deployments: file.Deployments,
	}, nil
}

// Realm returns a realm and the deployment it is bound to
func (r *Registry) Realm(id string) (model.RealmConfig, model.Deployment, error) {
	for _, realm := range r.realms {
		if realm.ID == id {
			return realm, r.deployments[realm.Key], nil
		}
	}
	return model.RealmConfig{}, model.Deployment{}, fmt.Errorf("%w: %s", ErrUnknownRealm, id)
}

// Realms lists the configured realms in file order
func (r *Registry) Realms() []model.RealmConfig {
	out := make([]model.RealmConfig, len(r.realms))
	copy(out, r.realms)
	return out
}
