package fuseserve

import (
	"context"
	"log/slog"
	"math"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/absfs/layerfs"
)

// DefaultTimeout is the entry and attribute cache lifetime handed to the
// kernel when Options leaves them unset.
const DefaultTimeout = time.Second

// Bridge serves a layerfs.FS as a fuse.RawFileSystem. Entries created
// through it are owned by the calling guest process. Operations the engine
// does not support, such as locks and ioctls, fall through to the embedded
// default implementation and answer ENOSYS.
type Bridge struct {
	fuse.RawFileSystem

	fs           *layerfs.FS
	logger       *slog.Logger
	entryTimeout time.Duration
	attrTimeout  time.Duration
}

var _ fuse.RawFileSystem = (*Bridge)(nil)

// NewBridge returns a bridge over options.FS. Only FS, Logger and the
// timeouts are consulted.
func NewBridge(options Options) *Bridge {
	options.setDefaults()
	return &Bridge{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            options.FS,
		logger:        options.Logger,
		entryTimeout:  options.EntryTimeout,
		attrTimeout:   options.AttrTimeout,
	}
}

func (b *Bridge) String() string {
	return b.fs.Name()
}

// status converts an engine error into a reply code. Errors the engine
// could not classify surface as EIO and are logged at error level.
func (b *Bridge) status(op string, ino uint64, err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	errno := layerfs.ToErrno(err)
	level := slog.LevelDebug
	if errno == syscall.EIO {
		level = slog.LevelError
	}
	b.logger.Log(context.Background(), level, "operation failed", "op", op, "ino", ino, "error", err)
	return fuse.Status(errno)
}

func fillAttr(out *fuse.Attr, a *layerfs.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Rdev = uint32(a.Rdev)
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

// caller names the guest process behind a request.
func caller(header *fuse.InHeader) *layerfs.Caller {
	return &layerfs.Caller{Uid: header.Uid, Gid: header.Gid}
}

func (b *Bridge) fillEntry(out *fuse.EntryOut, e layerfs.Entry) {
	out.NodeId = e.Ino
	fillAttr(&out.Attr, &e.Attr)
	out.SetEntryTimeout(b.entryTimeout)
	out.SetAttrTimeout(b.attrTimeout)
}

func (b *Bridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	e, err := b.fs.Lookup(header.NodeId, name)
	if err != nil {
		return b.status("lookup", header.NodeId, err)
	}
	b.fillEntry(out, e)
	return fuse.OK
}

func (b *Bridge) Forget(nodeid, nlookup uint64) {
	b.fs.Forget(nodeid, nlookup)
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	attr, err := b.fs.GetAttr(input.NodeId, input.Fh())
	if err != nil {
		return b.status("getattr", input.NodeId, err)
	}
	fillAttr(&out.Attr, &attr)
	out.SetTimeout(b.attrTimeout)
	return fuse.OK
}

// setAttrIn translates the kernel's valid mask. Times that the kernel
// sends as "now" arrive from the getters already resolved.
func setAttrIn(input *fuse.SetAttrIn) (layerfs.SetAttrIn, uint64) {
	var in layerfs.SetAttrIn
	if mode, ok := input.GetMode(); ok {
		in.Valid |= layerfs.SetMode
		in.Mode = mode
	}
	if uid, ok := input.GetUID(); ok {
		in.Valid |= layerfs.SetUid
		in.Uid = uid
	}
	if gid, ok := input.GetGID(); ok {
		in.Valid |= layerfs.SetGid
		in.Gid = gid
	}
	if size, ok := input.GetSize(); ok {
		in.Valid |= layerfs.SetSize
		in.Size = size
	}
	if atime, ok := input.GetATime(); ok {
		in.Valid |= layerfs.SetAtime
		in.Atime = atime
	}
	if mtime, ok := input.GetMTime(); ok {
		in.Valid |= layerfs.SetMtime
		in.Mtime = mtime
	}
	fh, _ := input.GetFh()
	return in, fh
}

func (b *Bridge) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	in, fh := setAttrIn(input)
	attr, err := b.fs.SetAttr(input.NodeId, fh, in)
	if err != nil {
		return b.status("setattr", input.NodeId, err)
	}
	fillAttr(&out.Attr, &attr)
	out.SetTimeout(b.attrTimeout)
	return fuse.OK
}

func (b *Bridge) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	_, err := b.fs.GetAttr(input.NodeId, 0)
	return b.status("access", input.NodeId, err)
}

func (b *Bridge) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	e, err := b.fs.Mkdir(input.NodeId, name, input.Mode, input.Umask, caller(&input.InHeader))
	if err != nil {
		return b.status("mkdir", input.NodeId, err)
	}
	b.fillEntry(out, e)
	return fuse.OK
}

func (b *Bridge) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return b.status("unlink", header.NodeId, b.fs.Unlink(header.NodeId, name))
}

func (b *Bridge) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return b.status("rmdir", header.NodeId, b.fs.Rmdir(header.NodeId, name))
}

func (b *Bridge) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	err := b.fs.Rename(input.NodeId, oldName, input.Newdir, newName, input.Flags)
	return b.status("rename", input.NodeId, err)
}

func (b *Bridge) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	e, err := b.fs.Symlink(header.NodeId, linkName, pointedTo, caller(header))
	if err != nil {
		return b.status("symlink", header.NodeId, err)
	}
	b.fillEntry(out, e)
	return fuse.OK
}

func (b *Bridge) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	e, err := b.fs.Mknod(input.NodeId, name, input.Mode, input.Umask, input.Rdev, caller(&input.InHeader))
	if err != nil {
		return b.status("mknod", input.NodeId, err)
	}
	b.fillEntry(out, e)
	return fuse.OK
}

func (b *Bridge) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	e, err := b.fs.Link(input.Oldnodeid, input.NodeId, filename)
	if err != nil {
		return b.status("link", input.Oldnodeid, err)
	}
	b.fillEntry(out, e)
	return fuse.OK
}

func (b *Bridge) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	target, err := b.fs.Readlink(header.NodeId)
	if err != nil {
		return nil, b.status("readlink", header.NodeId, err)
	}
	return []byte(target), fuse.OK
}

// GetXAttr follows the size-query protocol: a destination too small for
// the value returns the needed size with ERANGE.
func (b *Bridge) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	value, err := b.fs.GetXattr(header.NodeId, attr)
	if err != nil {
		return 0, b.status("getxattr", header.NodeId, err)
	}
	if len(dest) < len(value) {
		return uint32(len(value)), fuse.ERANGE
	}
	return uint32(copy(dest, value)), fuse.OK
}

func (b *Bridge) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	names, err := b.fs.ListXattr(header.NodeId)
	if err != nil {
		return 0, b.status("listxattr", header.NodeId, err)
	}
	var list []byte
	for _, name := range names {
		list = append(list, name...)
		list = append(list, 0)
	}
	if len(dest) < len(list) {
		return uint32(len(list)), fuse.ERANGE
	}
	return uint32(copy(dest, list)), fuse.OK
}

func (b *Bridge) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	err := b.fs.SetXattr(input.NodeId, attr, data, int(input.Flags))
	return b.status("setxattr", input.NodeId, err)
}

func (b *Bridge) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	return b.status("removexattr", header.NodeId, b.fs.RemoveXattr(header.NodeId, attr))
}

// openFlags lets the kernel keep the page cache of the injected file
// across opens; its content never changes.
func openFlags(ino uint64) uint32 {
	if ino == layerfs.VirtualIno {
		return fuse.FOPEN_KEEP_CACHE
	}
	return 0
}

func (b *Bridge) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	e, fh, err := b.fs.Create(input.NodeId, name, int(input.Flags), input.Mode, input.Umask, caller(&input.InHeader))
	if err != nil {
		return b.status("create", input.NodeId, err)
	}
	b.fillEntry(&out.EntryOut, e)
	out.Fh = fh
	return fuse.OK
}

func (b *Bridge) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fh, err := b.fs.Open(input.NodeId, int(input.Flags))
	if err != nil {
		return b.status("open", input.NodeId, err)
	}
	out.Fh = fh
	out.OpenFlags = openFlags(input.NodeId)
	return fuse.OK
}

func (b *Bridge) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	if uint32(len(buf)) > input.Size {
		buf = buf[:input.Size]
	}
	n, err := b.fs.Read(input.NodeId, input.Fh, buf, int64(input.Offset))
	if err != nil {
		return nil, b.status("read", input.NodeId, err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (b *Bridge) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	n, err := b.fs.Write(input.NodeId, input.Fh, data, int64(input.Offset))
	if err != nil {
		return uint32(n), b.status("write", input.NodeId, err)
	}
	return uint32(n), fuse.OK
}

func (b *Bridge) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return b.status("flush", input.NodeId, b.fs.Flush(input.NodeId, input.Fh))
}

func (b *Bridge) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	datasync := input.FsyncFlags&1 != 0
	return b.status("fsync", input.NodeId, b.fs.Fsync(input.NodeId, input.Fh, datasync))
}

func (b *Bridge) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	err := b.fs.Fallocate(input.NodeId, input.Fh, int64(input.Offset), int64(input.Length), input.Mode)
	return b.status("fallocate", input.NodeId, err)
}

func (b *Bridge) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	off, err := b.fs.Lseek(in.NodeId, in.Fh, int64(in.Offset), int(in.Whence))
	if err != nil {
		return b.status("lseek", in.NodeId, err)
	}
	out.Offset = uint64(off)
	return fuse.OK
}

// CopyFileRange answers with at most what fits the 32-bit reply.
func (b *Bridge) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	length := min(input.Len, math.MaxUint32)
	n, err := b.fs.CopyFileRange(input.NodeId, input.FhIn, int64(input.OffIn),
		input.NodeIdOut, input.FhOut, int64(input.OffOut), int(length))
	if err != nil {
		return uint32(n), b.status("copy_file_range", input.NodeId, err)
	}
	return uint32(n), fuse.OK
}

// Release has no reply; failures are only logged.
func (b *Bridge) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	b.status("release", input.NodeId, b.fs.Release(input.NodeId, input.Fh))
}

func (b *Bridge) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fh, err := b.fs.OpenDir(input.NodeId, int(input.Flags))
	if err != nil {
		return b.status("opendir", input.NodeId, err)
	}
	out.Fh = fh
	return fuse.OK
}

func dirEntry(e layerfs.DirEntry) fuse.DirEntry {
	return fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode, Off: e.Off}
}

func (b *Bridge) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, err := b.fs.ReadDir(input.NodeId, input.Fh, input.Offset)
	if err != nil {
		return b.status("readdir", input.NodeId, err)
	}
	for _, e := range entries {
		if !out.AddDirEntry(dirEntry(e)) {
			break
		}
	}
	return fuse.OK
}

// ReadDirPlus returns entries together with their lookups. Every entry
// that carries a node id counts as a lookup the kernel will later forget.
func (b *Bridge) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, err := b.fs.ReadDir(input.NodeId, input.Fh, input.Offset)
	if err != nil {
		return b.status("readdirplus", input.NodeId, err)
	}
	for _, e := range entries {
		entryOut := out.AddDirLookupEntry(dirEntry(e))
		if entryOut == nil {
			break
		}
		child, err := b.fs.Lookup(input.NodeId, e.Name)
		if err != nil {
			// Removed since the listing was taken.
			*entryOut = fuse.EntryOut{}
			continue
		}
		b.fillEntry(entryOut, child)
	}
	return fuse.OK
}

func (b *Bridge) ReleaseDir(input *fuse.ReleaseIn) {
	b.status("releasedir", input.NodeId, b.fs.ReleaseDir(input.NodeId, input.Fh))
}

func (b *Bridge) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	st, err := b.fs.StatFs(header.NodeId)
	if err != nil {
		return b.status("statfs", header.NodeId, err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = st.Bsize
	out.Frsize = st.Frsize
	out.NameLen = st.NameLen
	return fuse.OK
}
