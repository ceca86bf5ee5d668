package vfs

import (
	"testing"

	"hydra/internal/device"
	"hydra/internal/kernerr"
)

type fakeBlockDevice struct{}

func (fakeBlockDevice) ReadBlock(lba uint64, data []byte) kernerr.Code  { return kernerr.Success }
func (fakeBlockDevice) WriteBlock(lba uint64, data []byte) kernerr.Code { return kernerr.Success }
func (fakeBlockDevice) BlockSize() uint32                               { return 512 }
func (fakeBlockDevice) NumBlocks() uint64                               { return 1024 }

type fakeHandle struct{ path string }

type fakeFS struct {
	name     string
	accepts  bool
	children []string
}

func (f *fakeFS) Name() string { return f.name }
func (f *fakeFS) Init(bdev BlockDevice) (any, kernerr.Code) { return nil, kernerr.Success }
func (f *fakeFS) Test(bdev BlockDevice) bool                { return f.accepts }
func (f *fakeFS) Open(local string, flags OpenFlags, bdev BlockDevice, private any) (Handle, kernerr.Code) {
	return &fakeHandle{path: local}, kernerr.Success
}
func (f *fakeFS) Close(h Handle, bdev BlockDevice, private any) kernerr.Code { return kernerr.Success }
func (f *fakeFS) Read(h Handle, buf []byte, bdev BlockDevice, private any) (int, kernerr.Code) {
	return 0, kernerr.Success
}
func (f *fakeFS) Write(h Handle, buf []byte, bdev BlockDevice, private any) (int, kernerr.Code) {
	return len(buf), kernerr.Success
}
func (f *fakeFS) Seek(h Handle, offset int64, mode SeekMode, bdev BlockDevice, private any) (int64, kernerr.Code) {
	return offset, kernerr.Success
}
func (f *fakeFS) Readdir(h Handle, index int, bdev BlockDevice, private any) (Dirent, kernerr.Code) {
	if index >= len(f.children) {
		return Dirent{}, kernerr.Unavailable
	}
	return Dirent{Path: f.children[index]}, kernerr.Success
}
func (f *fakeFS) Delete(h Handle, bdev BlockDevice, private any) kernerr.Code { return kernerr.Success }

func TestMountRootThenSubdirectory(t *testing.T) {
	v := New()
	fs := &fakeFS{name: "root-fs", accepts: true}
	if _, code := v.MountFilesystem(fs, fakeBlockDevice{}, "/"); code != kernerr.Success {
		t.Fatalf("mounting root failed: %v", code)
	}

	sub := &fakeFS{name: "sub-fs", accepts: true}
	if _, code := v.MountFilesystem(sub, fakeBlockDevice{}, "/mnt/usb"); code != kernerr.Success {
		t.Fatalf("mounting /mnt/usb failed: %v", code)
	}

	r, code := v.Resolve("/mnt/usb/file.txt")
	if code != kernerr.Success {
		t.Fatalf("Resolve failed: %v", code)
	}
	if r.mount.fs != sub {
		t.Errorf("expected /mnt/usb/file.txt to resolve under the usb mount")
	}
	if r.local != "/file.txt" {
		t.Errorf("local path = %q, want /file.txt", r.local)
	}
}

func TestMountWithoutRootFails(t *testing.T) {
	v := New()
	fs := &fakeFS{name: "fs", accepts: true}
	if _, code := v.MountFilesystem(fs, fakeBlockDevice{}, "/mnt/usb"); code != kernerr.Unavailable {
		t.Errorf("expected Unavailable mounting before root exists, got %v", code)
	}
}

func TestResolveFallsBackToNearestRealMount(t *testing.T) {
	v := New()
	fs := &fakeFS{name: "root-fs", accepts: true}
	v.MountFilesystem(fs, fakeBlockDevice{}, "/")

	r, code := v.Resolve("/some/deep/path/file.txt")
	if code != kernerr.Success {
		t.Fatalf("Resolve failed: %v", code)
	}
	if r.mount.fs != fs {
		t.Errorf("expected fallback to the root mount")
	}
	if r.local != "/some/deep/path/file.txt" {
		t.Errorf("local path = %q", r.local)
	}
}

func TestResolveHandlesDotDot(t *testing.T) {
	v := New()
	fs := &fakeFS{name: "root-fs", accepts: true}
	v.MountFilesystem(fs, fakeBlockDevice{}, "/")
	sub := &fakeFS{name: "sub-fs", accepts: true}
	v.MountFilesystem(sub, fakeBlockDevice{}, "/mnt/usb")

	r, code := v.Resolve("/mnt/usb/../../etc/passwd")
	if code != kernerr.Success {
		t.Fatalf("Resolve failed: %v", code)
	}
	if r.mount.fs != fs {
		t.Errorf("expected .. to ascend back to the root mount")
	}
}

func TestMountBlockDeviceAutoDetect(t *testing.T) {
	v := New()
	root := &fakeFS{name: "root-fs", accepts: true}
	v.MountFilesystem(root, fakeBlockDevice{}, "/")

	rejecting := &fakeFS{name: "rejecting", accepts: false}
	accepting := &fakeFS{name: "accepting", accepts: true}
	v.RegisterFilesystem(rejecting)
	v.RegisterFilesystem(accepting)

	if _, code := v.MountBlockDevice(fakeBlockDevice{}, "/mnt/auto"); code != kernerr.Success {
		t.Fatalf("MountBlockDevice failed: %v", code)
	}

	r, _ := v.Resolve("/mnt/auto/x")
	if r.mount.fs != accepting {
		t.Errorf("expected the accepting filesystem to be mounted, not %s", r.mount.fs.Name())
	}
}

func TestAllocateMountIDReusesLowestFree(t *testing.T) {
	v := New()
	root := &fakeFS{name: "root-fs", accepts: true}
	id0, _ := v.MountFilesystem(root, fakeBlockDevice{}, "/")
	if id0 != 0 {
		t.Fatalf("expected the root mount to get id 0, got %d", id0)
	}

	id1, _ := v.MountFilesystem(&fakeFS{name: "a", accepts: true}, fakeBlockDevice{}, "/a")
	id2, _ := v.MountFilesystem(&fakeFS{name: "b", accepts: true}, fakeBlockDevice{}, "/b")
	if id1 == id2 {
		t.Fatal("expected distinct mount ids")
	}
}

func TestReaddirPrefixesMountPath(t *testing.T) {
	v := New()
	fs := &fakeFS{name: "root-fs", accepts: true, children: []string{"/foo.txt"}}
	v.MountFilesystem(fs, fakeBlockDevice{}, "/")
	sub := &fakeFS{name: "sub-fs", accepts: true, children: []string{"/bar.txt"}}
	v.MountFilesystem(sub, fakeBlockDevice{}, "/mnt/usb")

	_, m, _ := v.Open("/mnt/usb/anything", OpenRead)
	d, code := v.Readdir(nil, m, 0)
	if code != kernerr.Success {
		t.Fatalf("Readdir failed: %v", code)
	}
	if d.Path != "/mnt/usb/bar.txt" {
		t.Errorf("Readdir path = %q, want /mnt/usb/bar.txt", d.Path)
	}
}

func TestDeviceMountNameCountsPriorSameType(t *testing.T) {
	name, code := deviceMountName(device.TypeBlock, 2)
	if code != kernerr.Success {
		t.Fatalf("deviceMountName failed: %v", code)
	}
	if name != "block2" {
		t.Errorf("name = %q, want block2", name)
	}
}

func TestDeviceMountNameOverflowsPastNine(t *testing.T) {
	if _, code := deviceMountName(device.TypeBlock, 10); code != kernerr.Overflow {
		t.Errorf("expected Overflow for a double-digit index, got %v", code)
	}
}
