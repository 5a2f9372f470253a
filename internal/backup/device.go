package backup

import (
	"sync"

	"mssql-recovery/internal/engine"
	"mssql-recovery/internal/logging"
)

// DeviceRegistry holds at most one device per kind
type DeviceRegistry struct {
	mu      sync.Mutex
	devices []engine.Device
	logger  *logging.Logger
}

// NewDeviceRegistry creates an empty registry
func NewDeviceRegistry(logger *logging.Logger) *DeviceRegistry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DeviceRegistry{logger: logger}
}

// AddDevice registers d, replacing a device of the same kind with a different
// name. Registering the same name again is a no-op. Devices without a name or
// kind are ignored.
func (r *DeviceRegistry) AddDevice(d engine.Device) {
	if d.Name == "" || d.Kind == "" {
		r.logger.WithField("device", d.Name).Warn("Ignoring incomplete backup device")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.devices {
		if existing.Kind != d.Kind {
			continue
		}
		if existing.Name == d.Name {
			r.logger.WithField("device", d.Name).Debug("Backup device already configured")
			return
		}
		r.devices[i] = d
		r.logger.WithField("device", d.Name).Debug("Backup device replaced")
		return
	}

	r.devices = append(r.devices, d)
	r.logger.WithField("device", d.Name).Debug("Backup device added")
}

// Devices returns a copy of the registered devices
func (r *DeviceRegistry) Devices() []engine.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Device(nil), r.devices...)
}

// Count returns the number of registered devices
func (r *DeviceRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
