// Package elfload validates and loads ELF64 executables from the VFS
// into a process's address space: header/program-header parsing,
// per-segment frame allocation, and the fork-time "copy" variant that
// backfills BSS from a parent's already-populated data pages.
package elfload

import (
	"encoding/binary"

	"hydra/internal/bitfield"
	"hydra/internal/kernerr"
	"hydra/internal/vfs"
	"hydra/internal/vmm"
)

// ProcessVaddr is the lowest legal entry point for a loaded executable;
// anything below it is kernel address space.
const ProcessVaddr = 0x400000

const (
	ehdrSize = 64
	phdrSize = 56

	classELF64          = 2
	dataLittleEndian     = 2
	typeExecutable       = 2

	ptLoad = 1

	pfExecute = 1 << 0
	pfWrite   = 1 << 1
)

var magic = [4]byte{0x7f, 'E', 'L', 'F'}

// Header is the subset of the ELF64 file header the loader consumes.
type Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ProgramHeader is one ELF64 program-header table entry.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (p ProgramHeader) writable() bool { return p.Flags&pfWrite != 0 }
func (p ProgramHeader) executable() bool { return p.Flags&pfExecute != 0 }

// VFS is the subset of *vfs.VFS the loader needs to pull bytes off disk.
type VFS interface {
	Open(path string, flags vfs.OpenFlags) (vfs.Handle, *vfs.Mount, kernerr.Code)
	Read(h vfs.Handle, m *vfs.Mount, buf []byte) (int, kernerr.Code)
	Seek(h vfs.Handle, offset int64, mode vfs.SeekMode, m *vfs.Mount) (int64, kernerr.Code)
	Close(h vfs.Handle, m *vfs.Mount) kernerr.Code
}

// File is an opened, parsed, not-yet-mapped ELF executable.
type File struct {
	vfs    VFS
	handle vfs.Handle
	mount  *vfs.Mount

	Header         Header
	ProgramHeaders []ProgramHeader
}

// Open reads and validates path's ELF header and program-header table,
// leaving the VFS handle open for Load to stream segment contents from.
func Open(v VFS, path string) (*File, kernerr.Code) {
	h, m, code := v.Open(path, vfs.OpenRead)
	if code != kernerr.Success {
		return nil, code
	}

	f := &File{vfs: v, handle: h, mount: m}

	raw := make([]byte, ehdrSize)
	if n, code := v.Read(h, m, raw); code != kernerr.Success || n != ehdrSize {
		f.Close()
		return nil, kernerr.Corrupt
	}
	f.Header = parseHeader(raw)

	if code := Validate(&f.Header); code != kernerr.Success {
		f.Close()
		return nil, code
	}

	if _, code := v.Seek(h, int64(f.Header.Phoff), vfs.SeekSet, m); code != kernerr.Success {
		f.Close()
		return nil, code
	}

	phbuf := make([]byte, int(f.Header.Phnum)*phdrSize)
	if n, code := v.Read(h, m, phbuf); code != kernerr.Success || n != len(phbuf) {
		f.Close()
		return nil, kernerr.Corrupt
	}

	f.ProgramHeaders = make([]ProgramHeader, f.Header.Phnum)
	for i := range f.ProgramHeaders {
		f.ProgramHeaders[i] = parseProgramHeader(phbuf[i*phdrSize:])
	}

	return f, kernerr.Success
}

// Close releases the underlying VFS handle.
func (f *File) Close() kernerr.Code {
	if f == nil || f.handle == nil {
		return kernerr.Success
	}
	return f.vfs.Close(f.handle, f.mount)
}

func parseHeader(raw []byte) Header {
	var h Header
	copy(h.Ident[:], raw[0:16])
	h.Type = binary.LittleEndian.Uint16(raw[16:18])
	h.Machine = binary.LittleEndian.Uint16(raw[18:20])
	h.Version = binary.LittleEndian.Uint32(raw[20:24])
	h.Entry = binary.LittleEndian.Uint64(raw[24:32])
	h.Phoff = binary.LittleEndian.Uint64(raw[32:40])
	h.Shoff = binary.LittleEndian.Uint64(raw[40:48])
	h.Flags = binary.LittleEndian.Uint32(raw[48:52])
	h.Ehsize = binary.LittleEndian.Uint16(raw[52:54])
	h.Phentsize = binary.LittleEndian.Uint16(raw[54:56])
	h.Phnum = binary.LittleEndian.Uint16(raw[56:58])
	h.Shentsize = binary.LittleEndian.Uint16(raw[58:60])
	h.Shnum = binary.LittleEndian.Uint16(raw[60:62])
	h.Shstrndx = binary.LittleEndian.Uint16(raw[62:64])
	return h
}

func parseProgramHeader(raw []byte) ProgramHeader {
	var p ProgramHeader
	p.Type = binary.LittleEndian.Uint32(raw[0:4])
	p.Flags = binary.LittleEndian.Uint32(raw[4:8])
	p.Offset = binary.LittleEndian.Uint64(raw[8:16])
	p.Vaddr = binary.LittleEndian.Uint64(raw[16:24])
	p.Paddr = binary.LittleEndian.Uint64(raw[24:32])
	p.Filesz = binary.LittleEndian.Uint64(raw[32:40])
	p.Memsz = binary.LittleEndian.Uint64(raw[40:48])
	p.Align = binary.LittleEndian.Uint64(raw[48:56])
	return p
}

// Validate checks magic, bitness, endianness, executable type, a
// present program-header table, and an entry point at or above
// ProcessVaddr.
func Validate(h *Header) kernerr.Code {
	if [4]byte(h.Ident[:4]) != magic {
		return kernerr.Corrupt
	}
	if h.Ident[4] != classELF64 {
		return kernerr.Corrupt
	}
	if h.Ident[5] != dataLittleEndian {
		return kernerr.Corrupt
	}
	if h.Phoff == 0 {
		return kernerr.Corrupt
	}
	if h.Type != typeExecutable || h.Entry < ProcessVaddr {
		return kernerr.Corrupt
	}
	return kernerr.Success
}

// Frames allocates and frees the physical pages segments are loaded
// into.
type Frames interface {
	Alloc() (uintptr, kernerr.Code)
	Free(addr uintptr) kernerr.Code
}

// Memory zeroes and copies bytes through a physical frame, the same
// physToVirt-backed indirection vmm.Manager uses to stay testable
// without a real MMU.
type Memory interface {
	ZeroFrame(addr uintptr)
	Read(addr uintptr, buf []byte) kernerr.Code
	Write(addr uintptr, buf []byte) kernerr.Code
}

// Mapper installs a page-table translation in a target address space.
type Mapper interface {
	Map(root vmm.PML4, vaddr, paddr uintptr, flags bitfield.PTEFlags) kernerr.Code
}

const pageSize = 4096

func pageCount(memsz uint64) uint64 {
	return (memsz + pageSize - 1) / pageSize
}

// segmentFlags derives this segment's page-table flags: present, user,
// writable iff PF_W, not-executable iff PF_X is absent.
func segmentFlags(p ProgramHeader) bitfield.PTEFlags {
	return bitfield.PTEFlags{
		Present:   true,
		User:      true,
		Writable:  p.writable(),
		NoExecute: !p.executable(),
	}
}

// Load maps every PT_LOAD segment of f into root, allocating one frame
// per page covered by p_memsz, zeroing it, and copying in the
// file-backed bytes (the remainder — BSS — stays zero). Returns every
// frame allocated, in load order, so the caller can record them for
// Free on process teardown.
func Load(f *File, frames Frames, mem Memory, mapper Mapper, root vmm.PML4) ([]uintptr, kernerr.Code) {
	return load(f, frames, mem, mapper, root, nil)
}

// LoadCopy is Load's fork variant: for any page that lies entirely
// beyond the segment's file-backed range (pure BSS), the byte contents
// are copied from the corresponding page of original instead of read
// from disk — original's copy has already been mutated by the running
// parent and the file's BSS is always zero.
func LoadCopy(f *File, frames Frames, mem Memory, mapper Mapper, root vmm.PML4, original []uintptr) ([]uintptr, kernerr.Code) {
	return load(f, frames, mem, mapper, root, original)
}

func load(f *File, frames Frames, mem Memory, mapper Mapper, root vmm.PML4, original []uintptr) ([]uintptr, kernerr.Code) {
	var dataPages []uintptr

	for _, ph := range f.ProgramHeaders {
		if ph.Type != ptLoad {
			continue
		}

		n := pageCount(ph.Memsz)
		if _, code := f.vfs.Seek(f.handle, int64(ph.Offset), vfs.SeekSet, f.mount); code != kernerr.Success {
			return dataPages, code
		}

		for i := uint64(0); i < n; i++ {
			page, code := frames.Alloc()
			if code != kernerr.Success {
				return dataPages, kernerr.NoMem
			}
			mem.ZeroFrame(page)

			segmentOffset := i * pageSize
			fileBytesLeft := uint64(0)
			if ph.Filesz > segmentOffset {
				fileBytesLeft = ph.Filesz - segmentOffset
			}
			toRead := fileBytesLeft
			if toRead > pageSize {
				toRead = pageSize
			}

			switch {
			case toRead > 0:
				buf := make([]byte, toRead)
				if nr, code := f.vfs.Read(f.handle, f.mount, buf); code != kernerr.Success || uint64(nr) != toRead {
					return dataPages, kernerr.Corrupt
				}
				mem.Write(page, buf)
			case original != nil && uint64(len(original)) > uint64(len(dataPages)):
				src := make([]byte, pageSize)
				mem.Read(original[len(dataPages)], src)
				mem.Write(page, src)
			}

			vaddr := uintptr(ph.Vaddr+segmentOffset) &^ uintptr(pageSize-1)
			if code := mapper.Map(root, vaddr, page, segmentFlags(ph)); code != kernerr.Success {
				return dataPages, code
			}

			dataPages = append(dataPages, page)
		}
	}

	return dataPages, kernerr.Success
}
