package discovery

import (
	"testing"

	"peersend/dto"
)

func TestRegistryAddFirstSeenWins(t *testing.T) {
	reg := NewRegistry()

	first := dto.DeviceInfo{ID: "dev-1", Name: "alpha", IP: "192.168.1.10", Port: 53317}
	second := dto.DeviceInfo{ID: "dev-1", Name: "renamed", IP: "192.168.1.99", Port: 53317}

	if !reg.Add(first) {
		t.Fatalf("expected first insert to succeed")
	}
	if reg.Add(second) {
		t.Fatalf("expected duplicate ID insert to be ignored")
	}

	got, ok := reg.Get("dev-1")
	if !ok {
		t.Fatalf("expected device to be present")
	}
	if got.Name != "alpha" || got.IP != "192.168.1.10" {
		t.Fatalf("expected first sighting to be kept, got %+v", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 device, got %d", reg.Len())
	}
}

func TestRegistryAddRejectsEmptyID(t *testing.T) {
	reg := NewRegistry()

	if reg.Add(dto.DeviceInfo{Name: "nameless"}) {
		t.Fatalf("expected empty-ID insert to be rejected")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d devices", reg.Len())
	}
}

func TestRegistryRemoveUnknownIsNoOp(t *testing.T) {
	reg := NewRegistry()
	reg.Add(dto.DeviceInfo{ID: "dev-1", Name: "alpha"})

	reg.Remove("never-seen")
	reg.Remove("dev-1")
	reg.Remove("dev-1")

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after removal, got %d devices", reg.Len())
	}
}

func TestRegistryClear(t *testing.T) {
	reg := NewRegistry()
	reg.Add(dto.DeviceInfo{ID: "dev-1"})
	reg.Add(dto.DeviceInfo{ID: "dev-2"})

	reg.Clear()

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after clear, got %d devices", reg.Len())
	}
	if got := len(reg.Devices()); got != 0 {
		t.Fatalf("expected empty snapshot, got %d devices", got)
	}
}

func TestRegistryOnFirstSeenFiresOncePerDevice(t *testing.T) {
	reg := NewRegistry()

	var seen []string
	reg.OnFirstSeen = func(device dto.DeviceInfo) {
		seen = append(seen, device.ID)
	}

	reg.Add(dto.DeviceInfo{ID: "dev-1"})
	reg.Add(dto.DeviceInfo{ID: "dev-1"})
	reg.Add(dto.DeviceInfo{ID: "dev-2"})

	if len(seen) != 2 || seen[0] != "dev-1" || seen[1] != "dev-2" {
		t.Fatalf("expected one callback per new device, got %v", seen)
	}
}

func TestRegistryDevicesReturnsSnapshot(t *testing.T) {
	reg := NewRegistry()
	reg.Add(dto.DeviceInfo{ID: "dev-1", Name: "alpha"})

	snapshot := reg.Devices()
	snapshot[0].Name = "mutated"

	got, _ := reg.Get("dev-1")
	if got.Name != "alpha" {
		t.Fatalf("expected snapshot mutation to not affect registry, got %q", got.Name)
	}
}
