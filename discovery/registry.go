// Package discovery builds and maintains a live view of reachable peers
// without central coordination: a passive multicast listener, a periodic
// multicast announcer, an active HTTP prober, and a supplementary mDNS
// browser all feed one shared device registry.
package discovery

import (
	"sync"

	"peersend/dto"
)

// Registry is the concurrent set of discovered peers, keyed by device ID.
//
// Insertion is idempotent and first-seen wins: a later sighting with the
// same ID is ignored so the registry stays stable during a scan burst.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]dto.DeviceInfo

	// OnFirstSeen, when set before producers start, is invoked outside the
	// registry lock for every newly inserted device.
	OnFirstSeen func(device dto.DeviceInfo)
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]dto.DeviceInfo),
	}
}

// Add inserts a device if its ID is not already present and reports
// whether the insert happened.
func (r *Registry) Add(device dto.DeviceInfo) bool {
	if device.ID == "" {
		return false
	}

	r.mu.Lock()
	if _, exists := r.devices[device.ID]; exists {
		r.mu.Unlock()
		return false
	}
	r.devices[device.ID] = device
	observer := r.OnFirstSeen
	r.mu.Unlock()

	if observer != nil {
		observer(device)
	}
	return true
}

// Remove deletes a device by ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// Get returns the device with the given ID, if present.
func (r *Registry) Get(id string) (dto.DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[id]
	return device, ok
}

// Devices returns a snapshot copy of the registry. No ordering guarantee.
func (r *Registry) Devices() []dto.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]dto.DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		out = append(out, device)
	}
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]dto.DeviceInfo)
}
