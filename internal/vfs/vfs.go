// Package vfs is the kernel's virtual filesystem: a hierarchical tree
// of mount nodes rooted at "/", path resolution that walks the tree
// rather than parsing a flat "diskid:/path" prefix, and a thin
// operation layer that delegates to whichever filesystem owns the
// resolved mount.
package vfs

import (
	"strings"

	"hydra/internal/device"
	"hydra/internal/kernerr"
)

// SeekMode selects how Seek interprets its offset argument.
type SeekMode int

const (
	SeekSet SeekMode = iota
	SeekAdd
	SeekEnd
)

// OpenFlags mirrors the action bits a filesystem's Open receives.
type OpenFlags uint8

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenTruncate
)

// Dirent is one entry returned by Readdir, with its path already
// prefixed by the owning mount's absolute path.
type Dirent struct {
	Path string
}

// Handle is a filesystem-private value representing an open file; its
// meaning is defined entirely by the Filesystem that produced it.
type Handle any

// BlockDevice is the minimal interface a filesystem needs to read the
// medium it is probing or mounted on.
type BlockDevice interface {
	ReadBlock(lba uint64, data []byte) kernerr.Code
	WriteBlock(lba uint64, data []byte) kernerr.Code
	BlockSize() uint32
	NumBlocks() uint64
}

// Filesystem is the contract every mountable filesystem implements.
// FAT32 and the synthetic device-filesystem under /dev are concrete
// implementations of this contract, not part of it.
type Filesystem interface {
	Name() string
	Init(bdev BlockDevice) (private any, code kernerr.Code)
	Test(bdev BlockDevice) bool
	Open(local string, flags OpenFlags, bdev BlockDevice, private any) (Handle, kernerr.Code)
	Close(h Handle, bdev BlockDevice, private any) kernerr.Code
	Read(h Handle, buf []byte, bdev BlockDevice, private any) (int, kernerr.Code)
	Write(h Handle, buf []byte, bdev BlockDevice, private any) (int, kernerr.Code)
	Seek(h Handle, offset int64, mode SeekMode, bdev BlockDevice, private any) (int64, kernerr.Code)
	Readdir(h Handle, index int, bdev BlockDevice, private any) (Dirent, kernerr.Code)
	Delete(h Handle, bdev BlockDevice, private any) kernerr.Code
}

// Mount is one node of the hierarchical mount tree. A node with fs ==
// nil is a pure path-structuring node (created on demand by
// MountFilesystem when intermediate directories don't yet have a real
// mount of their own).
type Mount struct {
	name     string
	id       int
	fs       Filesystem
	bdev     BlockDevice
	private  any
	parent   *Mount
	children []*Mount
}

func (m *Mount) isReal() bool { return m.fs != nil }

// VFS owns the mount tree and the registered filesystem list.
type VFS struct {
	root        *Mount
	filesystems []Filesystem
	nextProbeID int
}

// New constructs an empty VFS. The root mount does not exist until
// MountFilesystem or MountBlockDevice is called with path "/".
func New() *VFS {
	return &VFS{}
}

// RegisterFilesystem adds fs to the set MountBlockDevice probes, in
// registration order.
func (v *VFS) RegisterFilesystem(fs Filesystem) kernerr.Code {
	if fs == nil {
		return kernerr.InvalidArg
	}
	v.filesystems = append(v.filesystems, fs)
	return kernerr.Success
}

func (v *VFS) allocateMountID() int {
	used := map[int]bool{}
	var walk func(*Mount)
	walk = func(m *Mount) {
		if m.isReal() {
			used[m.id] = true
		}
		for _, c := range m.children {
			walk(c)
		}
	}
	if v.root != nil {
		walk(v.root)
	}
	for id := 0; ; id++ {
		if !used[id] {
			return id
		}
	}
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// walkOrCreate descends the tree along parts, creating pure
// path-structuring nodes for any segment that doesn't exist yet.
func (v *VFS) walkOrCreate(parts []string) *Mount {
	if v.root == nil {
		v.root = &Mount{name: "/"}
	}
	node := v.root
	for _, part := range parts {
		var next *Mount
		for _, c := range node.children {
			if c.name == part {
				next = c
				break
			}
		}
		if next == nil {
			next = &Mount{name: part, parent: node}
			node.children = append(node.children, next)
		}
		node = next
	}
	return node
}

// MountFilesystem attaches fs, already initialised against bdev, at
// path. The root mount ("/") must be established before any other
// mount.
func (v *VFS) MountFilesystem(fs Filesystem, bdev BlockDevice, path string) (mountID int, code kernerr.Code) {
	if fs == nil {
		return 0, kernerr.InvalidArg
	}
	parts := splitPath(path)
	if v.root == nil && len(parts) != 0 {
		return 0, kernerr.Unavailable
	}

	node := v.walkOrCreate(parts)
	private, code := fs.Init(bdev)
	if code != kernerr.Success {
		return 0, code
	}

	id := v.allocateMountID()
	node.fs = fs
	node.bdev = bdev
	node.private = private
	node.id = id
	return node.id, kernerr.Success
}

// MountBlockDevice auto-detects a filesystem on bdev by probing every
// registered filesystem's Test, then mounts the first that accepts.
func (v *VFS) MountBlockDevice(bdev BlockDevice, path string) (mountID int, code kernerr.Code) {
	for _, fs := range v.filesystems {
		if fs.Test(bdev) {
			return v.MountFilesystem(fs, bdev, path)
		}
	}
	return 0, kernerr.Unavailable
}

// resolved is the (mount, local path) pair Resolve produces.
type resolved struct {
	mount *Mount
	local string
}

// Resolve splits path on "/", honoring "." (skip) and ".." (ascend,
// never above root), and walks the mount tree to find the nearest
// enclosing real mount. The remainder of the path below that mount,
// uncanonicalised, is the local path.
func (v *VFS) Resolve(path string) (resolved, kernerr.Code) {
	if v.root == nil {
		return resolved{}, kernerr.Unavailable
	}

	var stack []*Mount
	node := v.root
	stack = append(stack, node)

	var remainder []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(remainder) > 0 {
				remainder = remainder[:len(remainder)-1]
				continue
			}
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
				node = stack[len(stack)-1]
				remainder = nil
			}
			continue
		default:
			var next *Mount
			for _, c := range node.children {
				if c.name == part {
					next = c
					break
				}
			}
			if next == nil {
				remainder = append(remainder, part)
				continue
			}
			node = next
			stack = append(stack, node)
			remainder = nil
		}
	}

	real := node
	for real != nil && !real.isReal() {
		real = real.parent
	}
	if real == nil {
		return resolved{}, kernerr.Unavailable
	}

	return resolved{mount: real, local: "/" + strings.Join(remainder, "/")}, kernerr.Success
}

func (v *VFS) Open(path string, flags OpenFlags) (Handle, *Mount, kernerr.Code) {
	r, code := v.Resolve(path)
	if code != kernerr.Success {
		return nil, nil, code
	}
	h, code := r.mount.fs.Open(r.local, flags, r.mount.bdev, r.mount.private)
	return h, r.mount, code
}

func (v *VFS) Close(h Handle, m *Mount) kernerr.Code {
	if m == nil {
		return kernerr.InvalidArg
	}
	return m.fs.Close(h, m.bdev, m.private)
}

func (v *VFS) Read(h Handle, m *Mount, buf []byte) (int, kernerr.Code) {
	if m == nil {
		return 0, kernerr.InvalidArg
	}
	return m.fs.Read(h, buf, m.bdev, m.private)
}

func (v *VFS) Write(h Handle, m *Mount, buf []byte) (int, kernerr.Code) {
	if m == nil {
		return 0, kernerr.InvalidArg
	}
	return m.fs.Write(h, buf, m.bdev, m.private)
}

// Seek repositions a file stream's cursor; the new absolute offset is
// filesystem-specific state, not tracked by the VFS itself.
func (v *VFS) Seek(h Handle, offset int64, mode SeekMode, m *Mount) (int64, kernerr.Code) {
	if m == nil {
		return 0, kernerr.InvalidArg
	}
	return m.fs.Seek(h, offset, mode, m.bdev, m.private)
}

// Readdir returns the index'th child of the resolved directory, with
// its path prefixed by the mount's absolute path.
func (v *VFS) Readdir(h Handle, m *Mount, index int) (Dirent, kernerr.Code) {
	if m == nil {
		return Dirent{}, kernerr.InvalidArg
	}
	d, code := m.fs.Readdir(h, index, m.bdev, m.private)
	if code != kernerr.Success {
		return Dirent{}, code
	}
	d.Path = mountPath(m) + d.Path
	return d, kernerr.Success
}

func (v *VFS) Delete(h Handle, m *Mount) kernerr.Code {
	if m == nil {
		return kernerr.InvalidArg
	}
	return m.fs.Delete(h, m.bdev, m.private)
}

func mountPath(m *Mount) string {
	var parts []string
	for n := m; n != nil && n.parent != nil; n = n.parent {
		parts = append([]string{n.name}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}

// deviceMountName builds the "<type><index>" name a newly mounted
// device is given, where index is the number of devices of the same
// type before it; an index above 9 is an Overflow.
func deviceMountName(t device.Type, existingOfSameType int) (string, kernerr.Code) {
	if existingOfSameType > 9 {
		return "", kernerr.Overflow
	}
	return t.String() + string(rune('0'+existingOfSameType)), kernerr.Success
}

// deviceMountNames derives each device's "<type><index>" name from its
// position in the registry's ByType slice; it stores no names itself.
type deviceMountNames struct {
	registry *device.Registry
}

// NameFor returns the VFS mount name this device should be exposed
// under: the naming scheme counts prior devices of the same type in
// registration order.
func (d deviceMountNames) NameFor(dev *device.Device) (string, kernerr.Code) {
	sameType := d.registry.ByType(dev.Type)
	for i, candidate := range sameType {
		if candidate == dev {
			return deviceMountName(dev.Type, i)
		}
	}
	return "", kernerr.InvalidArg
}
