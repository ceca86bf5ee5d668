package bitfield

// FrameFlags is the packed metadata the physical frame allocator keeps
// per frame: whether it is allocated, and whether it is permanently
// reserved (an ACPI/NVS hole or similar, never eligible for allocation).
type FrameFlags struct {
	Allocated bool   `bitfield:",1"`
	Reserved  bool   `bitfield:",1"`
	_         uint32 `bitfield:",30"`
}

// PTEFlags mirrors the x86_64 page-table-entry flag bits the virtual
// memory manager propagates into every table level it writes: present,
// writable, user, and the cache/accessed/dirty/huge-page control bits.
// Packing them through the same tagged-struct mechanism as FrameFlags
// keeps the "pack named fields into a control word" idiom uniform across
// the kernel instead of hand-rolling OR/AND masks at every call site.
type PTEFlags struct {
	Present    bool   `bitfield:",1"`
	Writable   bool   `bitfield:",1"`
	User       bool   `bitfield:",1"`
	WriteThru  bool   `bitfield:",1"`
	CacheDis   bool   `bitfield:",1"`
	Accessed   bool   `bitfield:",1"`
	Dirty      bool   `bitfield:",1"`
	HugePage   bool   `bitfield:",1"`
	_          uint32 `bitfield:",4"`

	// NoExecute carries the architectural NX bit, which lives at bit 63
	// of the entry rather than in the low control-bit cluster above, so
	// it is untagged and packed separately by vmm.packEntry.
	NoExecute bool
}

// PageFaultError decodes the x86_64 page-fault error code pushed by the
// CPU onto the exception frame: present/write/user/reserved-write/
// instruction-fetch.
type PageFaultError struct {
	Present         bool   `bitfield:",1"`
	Write           bool   `bitfield:",1"`
	User            bool   `bitfield:",1"`
	ReservedWrite   bool   `bitfield:",1"`
	InstructionFetch bool  `bitfield:",1"`
	_               uint32 `bitfield:",27"`
}

// DecodePageFault unpacks a raw CPU-pushed page-fault error code.
func DecodePageFault(raw uint64) PageFaultError {
	var pf PageFaultError
	_ = Unpack(raw, &pf)
	return pf
}
