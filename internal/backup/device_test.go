package backup

import (
	"sync"
	"testing"

	"mssql-recovery/internal/engine"

	"github.com/stretchr/testify/assert"
)

func TestDeviceRegistry(t *testing.T) {
	r := NewDeviceRegistry(nil)
	assert.Equal(t, 0, r.Count())

	r.AddDevice(engine.Device{Name: "a.bak", Kind: engine.DeviceKindFile})
	r.AddDevice(engine.Device{Name: "a.bak", Kind: engine.DeviceKindFile})
	assert.Equal(t, []engine.Device{{Name: "a.bak", Kind: engine.DeviceKindFile}}, r.Devices())

	r.AddDevice(engine.Device{Name: "b.bak", Kind: engine.DeviceKindFile})
	assert.Equal(t, []engine.Device{{Name: "b.bak", Kind: engine.DeviceKindFile}}, r.Devices())

	r.AddDevice(engine.Device{Name: "", Kind: engine.DeviceKindFile})
	r.AddDevice(engine.Device{Name: "tape0"})
	assert.Equal(t, 1, r.Count())

	r.AddDevice(engine.Device{Name: `\\.\tape0`, Kind: "tape"})
	assert.Equal(t, 2, r.Count())
}

func TestDeviceRegistry_DevicesIsACopy(t *testing.T) {
	r := NewDeviceRegistry(nil)
	r.AddDevice(engine.Device{Name: "a.bak", Kind: engine.DeviceKindFile})

	devices := r.Devices()
	devices[0].Name = "changed"
	assert.Equal(t, "a.bak", r.Devices()[0].Name)
}

func TestDeviceRegistry_Concurrent(t *testing.T) {
	r := NewDeviceRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.AddDevice(engine.Device{Name: "a.bak", Kind: engine.DeviceKindFile})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Count())
}
