// Package fuseserve exposes a layerfs.FS to a guest kernel over the FUSE
// protocol.
//
// The engine already speaks in inode numbers and file handles, so the
// bridge is a thin translation layer: it implements fuse.RawFileSystem
// from github.com/hanwen/go-fuse/v2 and hands every request straight to
// the matching layerfs operation. FUSE node ids are layerfs inode numbers
// (the root is 1) and FUSE file handles are layerfs handle ids.
//
// # Mounting
//
// Mount creates the mountpoint if needed, starts the request loop and
// waits for the kernel to complete the INIT handshake:
//
//	server, err := fuseserve.Mount(fuseserve.Options{
//		Mountpoint: "/mnt/guest",
//		FS:         fsys,
//	})
//	if err != nil {
//		return err
//	}
//	defer server.Unmount()
//
// # Other transports
//
// A virtio-fs device or vhost-user backend that decodes FUSE messages on
// its own can use NewBridge directly and drive the RawFileSystem methods
// without a kernel mount.
//
// # Errors
//
// Failed operations reply with the POSIX code returned by
// layerfs.ToErrno. Lookups of missing names are ordinary and are logged
// only at debug level.
package fuseserve
