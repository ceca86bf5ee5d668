package device

import (
	"testing"

	"hydra/internal/kernerr"
)

func TestRegisterDriverRejectsNil(t *testing.T) {
	r := New(nil)
	if code := r.RegisterDriver(nil); code != kernerr.InvalidArg {
		t.Errorf("expected InvalidArg for nil driver, got %v", code)
	}
}

func TestInitInstantiatesNonPCIDriverUnconditionally(t *testing.T) {
	r := New(nil)
	var created int
	r.RegisterDriver(&Driver{
		ClassCode:  wildcardByte,
		Name:       "nullchar",
		NumDevices: 1,
		DeviceType: TypeChar,
		InitDevice: func(index uint8, pci *PCIDevice) *Device {
			created++
			return &Device{Type: TypeChar}
		},
	})

	if code := r.Init(); code != kernerr.Success {
		t.Fatalf("Init failed: %v", code)
	}
	if created != 1 {
		t.Errorf("expected the non-PCI driver to be instantiated once, got %d", created)
	}
	if len(r.devices) != 1 {
		t.Errorf("expected one registered device, got %d", len(r.devices))
	}
}

func TestDriverMatchesPCIWildcards(t *testing.T) {
	dev := &PCIDevice{ClassCode: 0x01, SubclassCode: 0x06, ProgIF: 0x01, VendorID: 0x8086, DeviceID: 0x1234}

	cases := []struct {
		name string
		d    *Driver
		want bool
	}{
		{"exact match", &Driver{ClassCode: 0x01, SubclassCode: 0x06, ProgIF: 0x01, VendorID: 0x8086, DeviceID: 0x1234}, true},
		{"subclass wildcard", &Driver{ClassCode: 0x01, SubclassCode: wildcardByte, ProgIF: 0x01, VendorID: 0x8086, DeviceID: 0x1234}, true},
		{"class mismatch", &Driver{ClassCode: 0x02, SubclassCode: wildcardByte, ProgIF: wildcardByte, VendorID: wildcardWord, DeviceID: wildcardWord}, false},
		{"vendor mismatch", &Driver{ClassCode: 0x01, SubclassCode: wildcardByte, ProgIF: wildcardByte, VendorID: 0x10DE, DeviceID: wildcardWord}, false},
		{"full wildcard", &Driver{ClassCode: 0x01, SubclassCode: wildcardByte, ProgIF: wildcardByte, VendorID: wildcardWord, DeviceID: wildcardWord}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.d.matchesPCI(dev); got != c.want {
				t.Errorf("matchesPCI() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestByIndexOutOfRange(t *testing.T) {
	r := New(nil)
	if got := r.ByIndex(0); got != nil {
		t.Errorf("expected nil for an empty registry, got %v", got)
	}
}

func TestByTypeFiltersCorrectly(t *testing.T) {
	r := New(nil)
	r.RegisterDriver(&Driver{
		ClassCode: wildcardByte, Name: "char0", NumDevices: 1, DeviceType: TypeChar,
		InitDevice: func(index uint8, pci *PCIDevice) *Device { return &Device{Type: TypeChar} },
	})
	r.RegisterDriver(&Driver{
		ClassCode: wildcardByte, Name: "block0", NumDevices: 2, DeviceType: TypeBlock,
		InitDevice: func(index uint8, pci *PCIDevice) *Device { return &Device{Type: TypeBlock} },
	})
	r.Init()

	if got := len(r.ByType(TypeBlock)); got != 2 {
		t.Errorf("expected 2 block devices, got %d", got)
	}
	if got := len(r.ByType(TypeChar)); got != 1 {
		t.Errorf("expected 1 char device, got %d", got)
	}
	if got := len(r.ByType(TypeNet)); got != 0 {
		t.Errorf("expected 0 net devices, got %d", got)
	}
}
