// Package stream is the polymorphic I/O handle kernel processes hold
// in their descriptor tables: Null, Pipe, File, and Driver variants
// unified behind one read/write/flush/clone/free API.
package stream

import (
	"hydra/internal/console"
	"hydra/internal/device"
	"hydra/internal/kernerr"
	"hydra/internal/vfs"
)

// Kind distinguishes which variant a Stream holds.
type Kind int

const (
	KindNull Kind = iota
	KindPipe
	KindFile
	KindDriver
)

const ringSize = 4096

// Ring is the shared, reference-counted page-sized buffer backing a
// Pipe stream. Multiple Stream handles may point at the same Ring;
// Free on each handle decrements its reference count.
type Ring struct {
	buf         [ringSize]byte
	readOffset  int
	writeOffset int
	refcount    int
}

func newRing() *Ring {
	return &Ring{refcount: 1}
}

// Stream is one descriptor-table entry's payload. Exactly one of the
// variant-specific fields is populated, selected by Kind.
type Stream struct {
	Kind Kind

	ring *Ring

	fileHandle vfs.Handle
	fileMount  *vfs.Mount
	fs         fileOps

	device *device.Device
}

// fileOps is the subset of *vfs.VFS a File stream needs.
type fileOps interface {
	Read(h vfs.Handle, m *vfs.Mount, buf []byte) (int, kernerr.Code)
	Write(h vfs.Handle, m *vfs.Mount, buf []byte) (int, kernerr.Code)
	Seek(h vfs.Handle, offset int64, mode vfs.SeekMode, m *vfs.Mount) (int64, kernerr.Code)
	Close(h vfs.Handle, m *vfs.Mount) kernerr.Code
}

// NewFile wraps a handle opened through a VFS's Open, keeping the
// *VFS reference so Read/Write/Close can dispatch back through it.
func NewFile(fs fileOps, h vfs.Handle, m *vfs.Mount) *Stream {
	return &Stream{Kind: KindFile, fileHandle: h, fileMount: m, fs: fs}
}

// NewNull returns a stream that reads zero bytes and fails all writes.
func NewNull() *Stream { return &Stream{Kind: KindNull} }

// NewPipe allocates a fresh ring and returns the one stream handle
// referencing it.
func NewPipe() *Stream {
	return &Stream{Kind: KindPipe, ring: newRing()}
}

// NewDriver wraps a device-manager entry; reads/writes delegate to its
// operation vector.
func NewDriver(dev *device.Device) *Stream {
	return &Stream{Kind: KindDriver, device: dev}
}

// Read copies up to len(buf) bytes into buf and returns the count.
func (s *Stream) Read(buf []byte) (int, kernerr.Code) {
	switch s.Kind {
	case KindNull:
		return 0, kernerr.Success

	case KindPipe:
		n := 0
		r := s.ring
		for n < len(buf) && r.readOffset != r.writeOffset {
			buf[n] = r.buf[r.readOffset]
			r.readOffset = (r.readOffset + 1) % ringSize
			n++
		}
		return n, kernerr.Success

	case KindDriver:
		return s.readDriver(buf)

	case KindFile:
		if s.fs == nil {
			return 0, kernerr.InvalidArg
		}
		return s.fs.Read(s.fileHandle, s.fileMount, buf)

	default:
		return 0, kernerr.InvalidArg
	}
}

func (s *Stream) readDriver(buf []byte) (int, kernerr.Code) {
	if s.device == nil || s.device.Ops.Poll == nil {
		return 0, kernerr.InvalidArg
	}
	if s.device.Type != device.TypeInput {
		if s.device.Type == device.TypeChar {
			return 0, kernerr.Unavailable
		}
		return 0, kernerr.InvalidArg
	}

	n := 0
	for n < len(buf) {
		packet, code := s.device.Ops.Poll()
		if code != kernerr.Success || packet.Type == device.PacketNull {
			break
		}
		if packet.Type != device.PacketKeyDown && packet.Type != device.PacketKeyRepeat {
			continue
		}
		ascii, ok := console.TranslateScancode(packet.Scancode, packet.Modifier)
		if !ok {
			continue
		}
		buf[n] = ascii
		n++
	}
	return n, kernerr.Success
}

// Write copies data into the stream, returning the count accepted.
func (s *Stream) Write(data []byte) (int, kernerr.Code) {
	switch s.Kind {
	case KindNull:
		return 0, kernerr.Unavailable

	case KindPipe:
		r := s.ring
		n := 0
		for n < len(data) {
			r.buf[r.writeOffset] = data[n]
			r.writeOffset = (r.writeOffset + 1) % ringSize
			n++
		}
		if n > 0 && r.writeOffset == r.readOffset {
			// wrap-around sentinel: lets a reader notice data was
			// overwritten before it could be consumed.
			r.buf[r.writeOffset] = 0
			r.writeOffset = (r.writeOffset + 1) % ringSize
		}
		return n, kernerr.Success

	case KindDriver:
		return s.writeDriver(data)

	case KindFile:
		if s.fs == nil {
			return 0, kernerr.InvalidArg
		}
		return s.fs.Write(s.fileHandle, s.fileMount, data)

	default:
		return 0, kernerr.InvalidArg
	}
}

func (s *Stream) writeDriver(data []byte) (int, kernerr.Code) {
	if s.device == nil {
		return 0, kernerr.InvalidArg
	}
	switch s.device.Type {
	case device.TypeChar:
		if s.device.Ops.Write == nil {
			return 0, kernerr.InvalidArg
		}
		n := 0
		for _, b := range data {
			if code := s.device.Ops.Write(b, device.ColorWhite, device.ColorBlack); code != kernerr.Success {
				return n, code
			}
			n++
		}
		return n, kernerr.Success
	case device.TypeInput:
		return 0, kernerr.Unavailable
	default:
		return 0, kernerr.InvalidArg
	}
}

// Seek repositions a file stream's cursor; every other variant rejects it.
func (s *Stream) Seek(offset int64, mode vfs.SeekMode) (int64, kernerr.Code) {
	if s.Kind != KindFile || s.fs == nil {
		return 0, kernerr.InvalidArg
	}
	return s.fs.Seek(s.fileHandle, offset, mode, s.fileMount)
}

// Flush drops buffered pipe data by aligning the read offset to the
// write offset; a no-op for every other variant.
func (s *Stream) Flush() kernerr.Code {
	if s.Kind == KindPipe {
		s.ring.readOffset = s.ring.writeOffset
	}
	return kernerr.Success
}

// Clone produces a new handle sharing a pipe's ring, sharing a file
// stream's VFS handle and mount, or duplicating a driver pointer. A
// file's path is not reopened: both streams use the same VFS handle.
func (s *Stream) Clone() (*Stream, kernerr.Code) {
	switch s.Kind {
	case KindNull:
		return NewNull(), kernerr.Success
	case KindPipe:
		s.ring.refcount++
		return &Stream{Kind: KindPipe, ring: s.ring}, kernerr.Success
	case KindDriver:
		return NewDriver(s.device), kernerr.Success
	case KindFile:
		return &Stream{Kind: KindFile, fileHandle: s.fileHandle, fileMount: s.fileMount, fs: s.fs}, kernerr.Success
	default:
		return nil, kernerr.InvalidArg
	}
}

// Free releases resources the stream owns: a pipe ring's refcount is
// decremented and the ring dropped at zero; a file stream is closed
// through the VFS; a driver stream is a no-op.
func (s *Stream) Free() kernerr.Code {
	switch s.Kind {
	case KindPipe:
		s.ring.refcount--
		return kernerr.Success
	case KindFile:
		if s.fs == nil {
			return kernerr.Success
		}
		return s.fs.Close(s.fileHandle, s.fileMount)
	default:
		return kernerr.Success
	}
}
