package identity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rhkrohan/pigeon/internal/storage"
)

const (
	keyDeviceID   = "identity.deviceId"
	keyDeviceName = "identity.deviceName"
	keyOnboarding = "identity.onboarding"

	namePrefix = "Pigeon-"
)

// Identity holds the node's stable device id, display name, and onboarding
// lifecycle. The id is generated once and survives restarts; the name is
// cosmetic and editable.
type Identity struct {
	kv storage.KV

	mu         sync.RWMutex
	deviceID   string
	deviceName string
	onboarded  bool
}

// Load reads the identity from storage, generating and persisting a fresh
// 128-bit device id on first run.
func Load(kv storage.KV) (*Identity, error) {
	if kv == nil {
		return nil, errors.New("identity storage is required")
	}
	id := &Identity{kv: kv}

	if raw, ok := kv.Get(keyDeviceID); ok && len(raw) > 0 {
		id.deviceID = string(raw)
	} else {
		id.deviceID = uuid.NewString()
		if err := kv.Put(keyDeviceID, []byte(id.deviceID)); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
	}

	if raw, ok := kv.Get(keyDeviceName); ok && len(raw) > 0 {
		id.deviceName = string(raw)
	} else {
		id.deviceName = namePrefix + id.deviceID[:4]
		if err := kv.Put(keyDeviceName, []byte(id.deviceName)); err != nil {
			return nil, fmt.Errorf("persist device name: %w", err)
		}
	}

	if raw, ok := kv.Get(keyOnboarding); ok {
		id.onboarded = string(raw) == "true"
	}

	return id, nil
}

// DeviceID returns the stable routing identifier.
func (i *Identity) DeviceID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.deviceID
}

// DeviceName returns the human-readable display name.
func (i *Identity) DeviceName() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.deviceName
}

// SetDeviceName updates and persists the display name.
func (i *Identity) SetDeviceName(name string) error {
	if name == "" {
		return errors.New("device name cannot be empty")
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	if name == i.deviceName {
		return nil
	}
	if err := i.kv.Put(keyDeviceName, []byte(name)); err != nil {
		return fmt.Errorf("persist device name: %w", err)
	}
	i.deviceName = name
	return nil
}

// HasCompletedOnboarding reports whether onboarding has finished.
func (i *Identity) HasCompletedOnboarding() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.onboarded
}

// SetOnboardingComplete records the onboarding lifecycle flag.
func (i *Identity) SetOnboardingComplete(done bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	value := "false"
	if done {
		value = "true"
	}
	if err := i.kv.Put(keyOnboarding, []byte(value)); err != nil {
		return fmt.Errorf("persist onboarding flag: %w", err)
	}
	i.onboarded = done
	return nil
}
