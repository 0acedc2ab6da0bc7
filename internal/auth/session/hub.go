package session

import (
	"fmt"

	"github.com/pysugar/oauth-ai-gateway/internal/accounts"
	"github.com/pysugar/oauth-ai-gateway/internal/provider"
)

// Hub owns the per-provider session managers for one process. Browser
// providers get a Manager, device-flow providers a DeviceManager; the split
// is decided by the provider itself, so no fourth kind falls through.
type Hub struct {
	managers map[provider.Name]*Manager
	devices  map[provider.Name]*DeviceManager
}

func NewHub(registry *provider.Registry, store *accounts.Store) (*Hub, error) {
	h := &Hub{
		managers: make(map[provider.Name]*Manager),
		devices:  make(map[provider.Name]*DeviceManager),
	}
	for _, name := range registry.Names() {
		p, err := registry.Get(string(name))
		if err != nil {
			return nil, err
		}
		if p.UsesDeviceFlow() {
			dm, err := NewDeviceManager(p, store)
			if err != nil {
				return nil, err
			}
			h.devices[name] = dm
			continue
		}
		h.managers[name] = NewManager(p, store)
	}
	return h, nil
}

// Manager resolves the browser-flow manager for a provider.
func (h *Hub) Manager(name string) (*Manager, error) {
	n, err := provider.Parse(name)
	if err != nil {
		return nil, err
	}
	m, ok := h.managers[n]
	if !ok {
		return nil, fmt.Errorf("provider %s uses the device flow", n)
	}
	return m, nil
}

// Device resolves the device-flow manager for a provider.
func (h *Hub) Device(name string) (*DeviceManager, error) {
	n, err := provider.Parse(name)
	if err != nil {
		return nil, err
	}
	dm, ok := h.devices[n]
	if !ok {
		return nil, fmt.Errorf("provider %s does not use the device flow", n)
	}
	return dm, nil
}
