package mqtt

import (
	"fmt"

	"github.com/google/uuid"
)

// instanceNamespace and instanceKey locate the instance ID in the
// operational state store.
const (
	instanceNamespace = "mqtt"
	instanceKey       = "instance_id"
)

// StateStore is the subset of the operational state store used to
// persist the instance ID.
type StateStore interface {
	GetOrCreate(namespace, key string, create func() (string, error)) (string, error)
}

// LoadOrCreateInstanceID returns the persisted instance ID, generating
// and storing a new UUIDv7 on first use. The instance ID is the stable
// HA device identifier, so entity history survives device_name changes.
func LoadOrCreateInstanceID(store StateStore) (string, error) {
	id, err := store.GetOrCreate(instanceNamespace, instanceKey, func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate instance ID: %w", err)
		}
		return id.String(), nil
	})
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	return id, nil
}
