/*
Package layerfs merges a stack of host directories into a single namespace
with copy-on-write semantics, for serving a virtual machine guest.

# Overview

An FS is built from an ordered list of host directories. Index 0 is the
bottom of the stack and the last directory is the writable upper layer.
Reads fall through to the highest layer that has a path; writes and
structural changes always land in the upper layer; deletions of lower
entries are recorded as whiteout markers instead of touching the lower
layer.

The operation surface is inode and handle based, the shape a guest
transport such as FUSE or virtio-fs expects:

	fsys, err := layerfs.New([]string{"/images/base", "/images/app", "/run/vm1/upper"},
	    layerfs.WithVirtualFile("init.krun", initBinary),
	    layerfs.WithXattr(true),
	)
	if err != nil {
	    return err
	}
	defer fsys.Close()

	entry, err := fsys.Lookup(layerfs.RootIno, "etc")
	...
	fh, err := fsys.Open(entry.Ino, os.O_RDONLY)
	n, err := fsys.Read(entry.Ino, fh, buf, 0)
	err = fsys.Release(entry.Ino, fh)

Every error is an *os.PathError wrapping a syscall.Errno; ToErrno extracts
the number to hand back to the guest.

The fuseserve subpackage mounts an FS through go-fuse, and FileSystem
returns an absfs.FileSystem view for Go callers that want paths instead of
inodes.

# Copy-Up

The first write-intent access to an entry that lives below the upper
layer copies it up: missing parent directories are recreated in the upper
layer with their original mode, owner and timestamps, then the entry
itself is copied. Regular files are reflinked when the host supports it
and copied byte for byte otherwise. Content is staged under a hidden name
and renamed into place, so a crash never exposes a half-written file.
Directories are created empty; their children stay in the lower layers
until they are copied up themselves.

Mode, owner, extended attributes and timestamps are copied on a best
effort basis: a failure is logged and the copy-up still succeeds.

Copy-up happens at most once per inode. Concurrent writers of the same
inode serialize on a per-inode lock; writers of different inodes never
wait for each other.

# Whiteout Files

Removing an entry that a lower layer supplies writes a zero-length marker
named ".wh.<name>" into the upper layer. The marker hides the name in
every lower layer. A directory containing ".wh..wh..opq" hides the whole
same-named directory of every lower layer; mkdir over a whited-out name
creates such an opaque directory.

Names starting with ".wh." are reserved and cannot be created through the
namespace.

# Virtual File

WithVirtualFile injects one read-only regular file, mode 0755, into every
directory. It is served from memory, wins over any real entry of the same
name, and cannot be written, removed or renamed.

# Caching

Path resolutions can be cached with WithStatCache or WithCacheConfig.
Every mutation through the FS invalidates the affected paths; changes
made to the layer directories behind its back are only seen once entries
expire or InvalidateCache drops them.

# Limitations

  - Directories whose contents partly come from lower layers cannot be
    renamed; Rename fails with EXDEV and callers fall back to copying.
  - Link copies its source up first, and the new name gets an inode
    number of its own; only the host sees the two names as one file.
  - New entries are handed to the caller by chown after creation. An
    unprivileged host process keeps them under its own uid and gid.
  - The layer stack is fixed for the lifetime of an FS.
*/
package layerfs
