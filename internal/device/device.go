// Package device is the driver registry and device vector: drivers
// register themselves (PCI-matched or not), get instantiated against
// enumerated hardware, and the resulting devices are reachable by
// index or by (vendor, device) id for the stream and VFS layers to
// open.
package device

import (
	"fmt"

	"hydra/internal/kernerr"
	"hydra/internal/klog"
)

// Type distinguishes the operation vector a Device exposes.
type Type int

const (
	TypeBlock Type = iota
	TypeChar
	TypeInput
	TypeVideo
	TypeRNG
	TypeNet
)

const (
	wildcardByte = 0xFF
	wildcardWord = 0xFFFF
)

// InputModifier is a bitmask of held modifier keys on an input packet.
type InputModifier uint8

const (
	ModShift    InputModifier = 1 << 0
	ModCtrl     InputModifier = 1 << 1
	ModAlt      InputModifier = 1 << 2
	ModCapsLock InputModifier = 1 << 3
)

// InputPacket is one event a poll() call on an input device returns.
type InputPacket struct {
	Type      InputPacketType
	Modifier  InputModifier
	Scancode  uint8
	DeltaX    int32
	DeltaY    int32
}

type InputPacketType uint8

const (
	PacketNull InputPacketType = iota
	PacketKeyDown
	PacketKeyRepeat
	PacketKeyUp
)

// VideoRect describes a display's visible area in pixels.
type VideoRect struct{ X, Y, Width, Height uint32 }

// Color is one of the 16 legacy text-mode foreground/background colors.
type Color uint8

const (
	ColorBlack Color = iota
	ColorBlue
	ColorGreen
	ColorCyan
	ColorRed
	ColorMagenta
	ColorBrown
	ColorLightGray
	ColorDarkGray
	ColorLightBlue
	ColorLightGreen
	ColorLightCyan
	ColorLightRed
	ColorPink
	ColorYellow
	ColorWhite
)

// Ops is the operation vector a device instance implements. Only the
// methods relevant to the device's Type are ever called; others may
// be left nil.
type Ops struct {
	Free func() kernerr.Code

	Poll func() (InputPacket, kernerr.Code)

	Write func(c byte, fg, bg Color) kernerr.Code

	ReadBlock  func(lba uint64, data []byte) kernerr.Code
	WriteBlock func(lba uint64, data []byte) kernerr.Code
	Eject      func() kernerr.Code

	RandomizeBuffer func(data []byte) kernerr.Code

	GetDisplayRect func(displayID uint8) (VideoRect, kernerr.Code)

	// CreateFramebuffer allocates (or returns the existing) backing
	// store for displayID sized to rect, returning its physical base
	// address for the caller to map into a process's address space.
	CreateFramebuffer func(rect VideoRect, displayID uint8) (uintptr, kernerr.Code)

	// UpdateDisplay blits the pixel data at fb (num pixels implied by
	// rect) onto the physical display.
	UpdateDisplay func(rect VideoRect, fb uintptr) kernerr.Code
}

// Device is one instantiated driver instance, bound to zero or one PCI
// function.
type Device struct {
	Type   Type
	Ops    Ops
	Driver *Driver
	PCI    *PCIDevice

	// block-device metadata, populated only for TypeBlock.
	BlockSize  uint32
	NumBlocks  uint64
	BlockModel string
	Available  bool
}

// Driver describes a piece of hardware support code before any device
// has been created from it: identification for PCI matching, logging
// metadata, and the factory that produces device instances.
type Driver struct {
	// ClassCode 0xFF means "does not match by PCI id" — the driver is
	// instantiated unconditionally during scan, the same sentinel the
	// registry uses for vendor/device wildcards below.
	ClassCode    uint8
	SubclassCode uint8 // 0xFF matches any subclass
	ProgIF       uint8 // 0xFF matches any programming interface

	VendorID uint16 // 0xFFFF matches any vendor
	DeviceID uint16 // 0xFFFF matches any device

	Name       string
	Module     string
	Author     string
	NumDevices uint8
	DeviceType Type

	// InitDevice constructs device index (0..NumDevices) against the
	// optional matched PCI function. A nil return means skip this slot.
	InitDevice func(index uint8, pci *PCIDevice) *Device
}

func (d *Driver) matchesPCI(dev *PCIDevice) bool {
	if d.ClassCode != dev.ClassCode {
		return false
	}
	if d.SubclassCode != wildcardByte && d.SubclassCode != dev.SubclassCode {
		return false
	}
	if d.ProgIF != wildcardByte && d.ProgIF != dev.ProgIF {
		return false
	}
	if d.VendorID != wildcardWord && d.VendorID != dev.VendorID {
		return false
	}
	if d.DeviceID != wildcardWord && d.DeviceID != dev.DeviceID {
		return false
	}
	return true
}

// Registry owns the driver list and the flat vector of instantiated
// devices, mirroring the one-process-wide device manager the kernel
// treats as global state.
type Registry struct {
	drivers []*Driver
	devices []*Device
	log     *klog.Logger
}

// New constructs an empty Registry.
func New(log *klog.Logger) *Registry {
	if log == nil {
		log = klog.Default()
	}
	return &Registry{log: log}
}

// RegisterDriver adds d to the set scanned during Init.
func (r *Registry) RegisterDriver(d *Driver) kernerr.Code {
	if d == nil {
		return kernerr.InvalidArg
	}
	r.log.Info("registered driver %q (module %s) by %s", d.Name, d.Module, d.Author)
	r.drivers = append(r.drivers, d)
	return kernerr.Success
}

func (r *Registry) instantiate(d *Driver, pci *PCIDevice) {
	for i := uint8(0); i < d.NumDevices; i++ {
		dev := d.InitDevice(i, pci)
		if dev == nil {
			continue
		}
		dev.Driver = d
		dev.PCI = pci
		r.log.Info("initialized device from driver %q (module %s) by %s", d.Name, d.Module, d.Author)
		r.devices = append(r.devices, dev)
	}
}

// Init instantiates every non-PCI driver unconditionally, then scans
// the PCI bus and instantiates every driver whose identification
// matches an enumerated function.
func (r *Registry) Init() kernerr.Code {
	for _, d := range r.drivers {
		if d.ClassCode == wildcardByte {
			r.instantiate(d, nil)
		}
	}

	pciDevices := ScanPCI()
	for i := range pciDevices {
		pciDev := &pciDevices[i]
		for _, d := range r.drivers {
			if d.ClassCode == wildcardByte {
				continue
			}
			if d.matchesPCI(pciDev) {
				r.instantiate(d, pciDev)
			}
		}
	}

	return kernerr.Success
}

// ByIndex returns the device at the given flat index, or nil if out of
// range.
func (r *Registry) ByIndex(index int) *Device {
	if index < 0 || index >= len(r.devices) {
		return nil
	}
	return r.devices[index]
}

// ByTypeIndex returns the index'th instantiated device of type t (0-
// based, in registration order), or nil if there are fewer.
func (r *Registry) ByTypeIndex(t Type, index int) *Device {
	matched := r.ByType(t)
	if index < 0 || index >= len(matched) {
		return nil
	}
	return matched[index]
}

// ByVendorDevice returns the first instantiated device whose matched
// PCI function carries the given vendor/device id pair.
func (r *Registry) ByVendorDevice(vendor, device uint16) *Device {
	for _, d := range r.devices {
		if d.PCI != nil && d.PCI.VendorID == vendor && d.PCI.DeviceID == device {
			return d
		}
	}
	return nil
}

// ByType returns every instantiated device of the given type, in
// registration order — used by <type><index> VFS device-mount naming.
func (r *Registry) ByType(t Type) []*Device {
	var out []*Device
	for _, d := range r.devices {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func (t Type) String() string {
	switch t {
	case TypeBlock:
		return "block"
	case TypeChar:
		return "char"
	case TypeInput:
		return "input"
	case TypeVideo:
		return "video"
	case TypeRNG:
		return "rng"
	case TypeNet:
		return "net"
	default:
		return fmt.Sprintf("device.Type(%d)", int(t))
	}
}
