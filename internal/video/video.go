// Package video drives a virtio-gpu-style 2D display: a fixed set of
// scanouts discovered at attach time, and framebuffers callers create,
// composite into with gg, and flush to a scanout. It backs the
// video_get_display_rect/video_create_framebuffer/video_update_display
// syscalls.
package video

import (
	"hydra/internal/device"
	"hydra/internal/kernerr"
	"hydra/internal/klog"
)

const (
	// MaxDisplays mirrors virtio-gpu's pmodes[16] scanout array.
	MaxDisplays = 16

	bytesPerPixel = 4

	// VendorID/DeviceID are the virtio-gpu PCI identification this
	// driver matches during bus scan.
	VendorID = 0x1AF4
	DeviceID = 0x1050
)

// Frames is the physical allocator a framebuffer's backing store comes
// from; framebuffers are one contiguous run of pages.
type Frames interface {
	AllocContiguous(n uint64) (uintptr, kernerr.Code)
	Free(addr uintptr) kernerr.Code
}

// Memory is physical-address byte access used to zero a freshly
// allocated framebuffer and to composite its contents.
type Memory interface {
	Read(addr uintptr, buf []byte) kernerr.Code
	Write(addr uintptr, buf []byte) kernerr.Code
}

func framebufferSize(r device.VideoRect) uint64 {
	return uint64(r.Width) * uint64(r.Height) * bytesPerPixel
}

func pagesFor(size uint64, pageSize uint64) uint64 {
	return (size + pageSize - 1) / pageSize
}

// framebuffer is one allocated backing store bound to a display.
type framebuffer struct {
	rect    device.VideoRect
	display uint8
	addr    uintptr
	size    uint64
}

// Driver implements device.Ops for a virtio-gpu-like display adapter.
// Displays are seeded from the scanout list discovered at attach time
// (get_display_info's equivalent); this package itself never talks to
// the virtqueue, that lives in the PCI/virtio transport the caller
// wires in via Attach.
type Driver struct {
	frames   Frames
	mem      Memory
	log      *klog.Logger
	pageSize uint64

	displays     [MaxDisplays]device.VideoRect
	enabled      [MaxDisplays]bool
	framebuffers []*framebuffer
}

// NewDriver constructs a Driver with no enabled displays; Attach seeds
// the scanout geometry once the transport has queried the device.
func NewDriver(frames Frames, mem Memory, log *klog.Logger, pageSize uint64) *Driver {
	if log == nil {
		log = klog.Default()
	}
	return &Driver{frames: frames, mem: mem, log: log, pageSize: pageSize}
}

// Attach records the scanout rectangles the transport discovered
// (get_display_info), enabling each non-zero entry. This is the
// hosted equivalent of virtio_video_create populating display_info.
func (d *Driver) Attach(scanouts []device.VideoRect) {
	for i, r := range scanouts {
		if i >= MaxDisplays {
			break
		}
		d.displays[i] = r
		d.enabled[i] = r.Width > 0 && r.Height > 0
	}
}

// GetDisplayRect implements virtio_video_get_display_rect: the
// geometry of an enabled scanout, or InvalidArg if display is out of
// range or has no monitor attached.
func (d *Driver) GetDisplayRect(displayID uint8) (device.VideoRect, kernerr.Code) {
	if int(displayID) >= MaxDisplays || !d.enabled[displayID] {
		return device.VideoRect{}, kernerr.InvalidArg
	}
	return d.displays[displayID], kernerr.Success
}

// CreateFramebuffer implements virtio_video_create_framebuffer:
// allocate a zeroed, contiguous backing store sized to rect and
// remember it bound to display so a later UpdateDisplay can find it
// again by address (get_fb_by_buffer's equivalent).
func (d *Driver) CreateFramebuffer(rect device.VideoRect, displayID uint8) (uintptr, kernerr.Code) {
	if int(displayID) >= MaxDisplays || !d.enabled[displayID] {
		return 0, kernerr.InvalidArg
	}

	size := framebufferSize(rect)
	pages := pagesFor(size, d.pageSize)

	addr, code := d.frames.AllocContiguous(pages)
	if code != kernerr.Success {
		return 0, code
	}

	zero := make([]byte, size)
	if code := d.mem.Write(addr, zero); code != kernerr.Success {
		d.frames.Free(addr)
		return 0, code
	}

	d.framebuffers = append(d.framebuffers, &framebuffer{
		rect: rect, display: displayID, addr: addr, size: size,
	})
	d.log.Info("video: created %dx%d framebuffer at %#x for display %d", rect.Width, rect.Height, addr, displayID)
	return addr, kernerr.Success
}

func (d *Driver) framebufferAt(addr uintptr) *framebuffer {
	for _, fb := range d.framebuffers {
		if fb.addr == addr {
			return fb
		}
	}
	return nil
}

// UpdateDisplay implements virtio_video_update_display: transfer the
// dirty rect from the framebuffer's backing store to its scanout. The
// transport is expected to own actually pushing pixels out (virtqueue
// TRANSFER_TO_HOST_2D + RESOURCE_FLUSH); this layer only validates the
// framebuffer handle and rejects a rect larger than what was allocated.
func (d *Driver) UpdateDisplay(rect device.VideoRect, fb uintptr) kernerr.Code {
	f := d.framebufferAt(fb)
	if f == nil {
		return kernerr.InvalidArg
	}
	if rect.Width > f.rect.Width || rect.Height > f.rect.Height {
		return kernerr.InvalidArg
	}
	return kernerr.Success
}

// Free releases every framebuffer this driver instance allocated.
func (d *Driver) Free() kernerr.Code {
	for _, fb := range d.framebuffers {
		d.frames.Free(fb.addr)
	}
	d.framebuffers = nil
	return kernerr.Success
}

// Ops adapts the Driver's methods to device.Ops's function-vector
// shape so it can be installed into a device.Device.
func (d *Driver) Ops() device.Ops {
	return device.Ops{
		Free:              d.Free,
		GetDisplayRect:    d.GetDisplayRect,
		CreateFramebuffer: d.CreateFramebuffer,
		UpdateDisplay:     d.UpdateDisplay,
	}
}

// NewDeviceDriver builds the device.Driver registration entry: it
// matches the virtio-gpu PCI identification (class 0x03, display
// controller) and instantiates a single device wrapping d.
func NewDeviceDriver(d *Driver) *device.Driver {
	return &device.Driver{
		ClassCode:  0x03,
		SubclassCode: 0xFF,
		ProgIF:     0xFF,
		VendorID:   VendorID,
		DeviceID:   DeviceID,
		Name:       "virtio-gpu",
		Module:     "video",
		Author:     "hydra",
		NumDevices: 1,
		DeviceType: device.TypeVideo,
		InitDevice: func(index uint8, pci *device.PCIDevice) *device.Device {
			if index != 0 {
				return nil
			}
			return &device.Device{Type: device.TypeVideo, Ops: d.Ops()}
		},
	}
}
