package boot

import "unsafe"

// Multiboot2 tag types this kernel understands. Unrecognized tags are
// skipped; bootloader interaction beyond what the core kernel consumes
// is intentionally out of scope.
const (
	tagEnd           = 0
	tagCmdline       = 1
	tagELFSections   = 9
	tagMemoryMap     = 6
)

const mmapEntryAvailable = 1
const mmapEntryACPIReclaim = 3
const mmapEntryACPINVS = 4
const mmapEntryBadRAM = 5

type mb2TagHeader struct {
	typ  uint32
	size uint32
}

type mb2MemMapTag struct {
	mb2TagHeader
	entrySize    uint32
	entryVersion uint32
}

type mb2MemMapEntry struct {
	baseAddr uint64
	length   uint64
	typ      uint32
	reserved uint32
}

type mb2ELFSectionsTag struct {
	mb2TagHeader
	num     uint32
	entSize uint32
	shndx   uint32
}

// elf64SectionHeader mirrors the on-disk Elf64_Shdr the boot loader
// copies verbatim into the ELF-sections tag.
type elf64SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

const (
	shtSymtab = 2
	shtStrtab = 3
)

type elf64Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func align8(x uintptr) uintptr { return (x + 7) &^ 7 }

// ParseMultiboot2 walks the tag list at addr (the physical address the
// bootloader leaves in a register at kernel entry) and builds an Info.
func ParseMultiboot2(addr uintptr) *Info {
	info := &Info{}
	if addr == 0 {
		return info
	}

	totalSize := *(*uint32)(unsafe.Pointer(addr))
	end := addr + uintptr(totalSize)

	cursor := addr + 8 // skip total_size + reserved
	for cursor+8 <= end {
		hdr := (*mb2TagHeader)(unsafe.Pointer(cursor))
		if hdr.typ == tagEnd {
			break
		}

		switch hdr.typ {
		case tagCmdline:
			info.CommandLine = cString(cursor+8, uintptr(hdr.size)-8)
		case tagMemoryMap:
			info.MemoryMap = append(info.MemoryMap, parseMemoryMap(cursor)...)
		case tagELFSections:
			sections, symbols := parseELFSections(cursor)
			info.Sections = append(info.Sections, sections...)
			info.Symbols = append(info.Symbols, symbols...)
		}

		cursor = align8(cursor + uintptr(hdr.size))
	}

	return info
}

func cString(addr uintptr, maxLen uintptr) string {
	buf := make([]byte, 0, maxLen)
	for i := uintptr(0); i < maxLen; i++ {
		b := *(*byte)(unsafe.Pointer(addr + i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

func regionType(raw uint32) RegionType {
	switch raw {
	case mmapEntryAvailable:
		return RegionAvailable
	case mmapEntryACPIReclaim:
		return RegionACPIReclaimable
	case mmapEntryACPINVS:
		return RegionACPINVS
	case mmapEntryBadRAM:
		return RegionBadRAM
	default:
		return RegionReserved
	}
}

func parseMemoryMap(tagAddr uintptr) []MemoryRegion {
	tag := (*mb2MemMapTag)(unsafe.Pointer(tagAddr))
	entryAddr := tagAddr + unsafe.Sizeof(mb2MemMapTag{})
	entryEnd := tagAddr + uintptr(tag.size)

	var regions []MemoryRegion
	for entryAddr+uintptr(tag.entrySize) <= entryEnd {
		entry := (*mb2MemMapEntry)(unsafe.Pointer(entryAddr))
		regions = append(regions, MemoryRegion{
			Base:   uintptr(entry.baseAddr),
			Length: uintptr(entry.length),
			Type:   regionType(entry.typ),
		})
		entryAddr += uintptr(tag.entrySize)
	}
	return regions
}

func parseELFSections(tagAddr uintptr) ([]ELFSection, []Symbol) {
	tag := (*mb2ELFSectionsTag)(unsafe.Pointer(tagAddr))
	base := tagAddr + unsafe.Sizeof(mb2ELFSectionsTag{})

	headers := make([]*elf64SectionHeader, 0, tag.num)
	for i := uint32(0); i < tag.num; i++ {
		h := (*elf64SectionHeader)(unsafe.Pointer(base + uintptr(i)*uintptr(tag.entSize)))
		headers = append(headers, h)
	}

	var strtab *elf64SectionHeader
	if int(tag.shndx) < len(headers) {
		strtab = headers[tag.shndx]
	}

	sections := make([]ELFSection, 0, len(headers))
	var symbols []Symbol

	for _, h := range headers {
		name := ""
		if strtab != nil {
			name = cString(uintptr(strtab.Addr)+uintptr(h.Name), 256)
		}
		sections = append(sections, ELFSection{
			Name:     name,
			Addr:     uintptr(h.Addr),
			Size:     uintptr(h.Size),
			IsSymtab: h.Type == shtSymtab,
			IsStrtab: h.Type == shtStrtab,
		})

		if h.Type != shtSymtab || h.Link >= uint32(len(headers)) {
			continue
		}
		symStrtab := headers[h.Link]
		count := h.Size / h.EntSize
		for i := uint64(0); i < count; i++ {
			sym := (*elf64Sym)(unsafe.Pointer(uintptr(h.Addr) + uintptr(i)*uintptr(h.EntSize)))
			if sym.Name == 0 {
				continue
			}
			symbols = append(symbols, Symbol{
				Name:  cString(uintptr(symStrtab.Addr)+uintptr(sym.Name), 256),
				Value: uintptr(sym.Value),
				Size:  uintptr(sym.Size),
			})
		}
	}

	return sections, symbols
}
