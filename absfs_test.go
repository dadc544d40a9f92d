package layerfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"syscall"
	"testing"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/fstesting"
	"github.com/absfs/memfs"
)

// readView reads a whole file through an absfs view
func readView(fsys absfs.FileSystem, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return string(data), err
}

// writeView writes a whole file through an absfs view
func writeView(fsys absfs.FileSystem, name, data string, perm os.FileMode) error {
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write([]byte(data))
	return err
}

// TestAbsFSInterface verifies FS can provide absfs.FileSystem
func TestAbsFSInterface(t *testing.T) {
	fsys := mustNew(t, newLayerDirs(t, 2))
	var _ absfs.FileSystem = fsys.FileSystem()
}

// TestFileSystem verifies FileSystem() returns a working view
func TestFileSystem(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "etc/config.yml", "base: config", 0o644)
	view := mustNew(t, layers).FileSystem()

	if err := view.Chdir("/etc"); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	cwd, err := view.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if cwd != "/etc" {
		t.Errorf("Expected cwd=/etc, got %s", cwd)
	}

	content, err := readView(view, "config.yml")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if content != "base: config" {
		t.Errorf("Expected 'base: config', got '%s'", content)
	}
}

// TestSeparators tests Separator and ListSeparator methods
func TestSeparators(t *testing.T) {
	view := mustNew(t, newLayerDirs(t, 1)).FileSystem()

	type separatorProvider interface {
		Separator() uint8
		ListSeparator() uint8
	}
	sp, ok := view.(separatorProvider)
	if !ok {
		t.Fatal("FileSystem doesn't provide Separator methods")
	}
	if sp.Separator() != '/' {
		t.Errorf("Separator() = %c, want /", sp.Separator())
	}
	if sp.ListSeparator() != ':' {
		t.Errorf("ListSeparator() = %c, want :", sp.ListSeparator())
	}
}

// TestViewWriteGoesToUpper tests that files created through the view land
// in the writable layer
func TestViewWriteGoesToUpper(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "app/config.yml", "app: settings", 0o644)
	view := mustNew(t, layers).FileSystem()

	if err := view.Chdir("/app"); err != nil {
		t.Fatal(err)
	}
	file, err := view.Create("custom.yml")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	file.Write([]byte("custom: config"))
	file.Close()

	info, err := view.Stat("custom.yml")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 14 {
		t.Errorf("File size = %d, want 14", info.Size())
	}
	if !hostExists(layers[1], "app/custom.yml") {
		t.Error("File not in upper layer")
	}
	if hostExists(layers[0], "app/custom.yml") {
		t.Error("File should not be in base layer")
	}
}

// TestViewOverwriteCopiesUp tests O_TRUNC on a lower file
func TestViewOverwriteCopiesUp(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "f.txt", "long original content", 0o644)
	view := mustNew(t, layers).FileSystem()

	if err := writeView(view, "/f.txt", "short", 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := readView(view, "/f.txt")
	if err != nil || got != "short" {
		t.Errorf("expected 'short', got %q, %v", got, err)
	}
	lower, _ := os.ReadFile(filepath.Join(layers[0], "f.txt"))
	if string(lower) != "long original content" {
		t.Errorf("lower layer modified: %q", lower)
	}
}

// TestViewOpenExclusive tests O_CREATE|O_EXCL on an existing name
func TestViewOpenExclusive(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "f", "", 0o644)
	view := mustNew(t, layers).FileSystem()

	_, err := view.OpenFile("/f", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("expected ErrExist, got %v", err)
	}
	_, err = view.Open("/missing")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

// TestViewAppend tests O_APPEND writes
func TestViewAppend(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "log", "one\n", 0o644)
	view := mustNew(t, layers).FileSystem()

	f, err := view.OpenFile("/log", os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("two\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, _ := readView(view, "/log")
	if got != "one\ntwo\n" {
		t.Errorf("expected appended content, got %q", got)
	}
}

// TestTruncate tests the Truncate method via the view
func TestTruncate(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "base.txt", "Base layer content", 0o644)
	view := mustNew(t, layers).FileSystem()

	if err := view.Truncate("/base.txt", 4); err != nil {
		t.Fatalf("Truncate with copy-up failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(layers[1], "base.txt"))
	if err != nil {
		t.Fatalf("File not in upper layer after truncate: %v", err)
	}
	if info.Size() != 4 {
		t.Errorf("Truncated size = %d, want 4", info.Size())
	}
	baseInfo, _ := os.Stat(filepath.Join(layers[0], "base.txt"))
	if baseInfo.Size() != 18 {
		t.Errorf("Base layer modified! Size = %d, want 18", baseInfo.Size())
	}
	if got, _ := readView(view, "/base.txt"); got != "Base" {
		t.Errorf("Truncated content = '%s', want 'Base'", got)
	}
}

// TestTruncateDirectory verifies truncate fails on directories
func TestTruncateDirectory(t *testing.T) {
	view := mustNew(t, newLayerDirs(t, 2)).FileSystem()
	if err := view.Mkdir("/testdir", 0o755); err != nil {
		t.Fatal(err)
	}

	err := view.Truncate("/testdir", 0)
	if err == nil {
		t.Fatal("Truncate on directory should fail")
	}
	if _, ok := err.(*os.PathError); !ok {
		t.Errorf("Expected PathError, got: %T: %v", err, err)
	}
}

// TestExtendFilerPattern verifies each view keeps its own working directory
func TestExtendFilerPattern(t *testing.T) {
	fsys := mustNew(t, newLayerDirs(t, 2))
	view := fsys.FileSystem()
	if err := view.MkdirAll("/tmp/a", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := view.MkdirAll("/etc", 0o755); err != nil {
		t.Fatal(err)
	}

	if err := view.Chdir("/tmp"); err != nil {
		t.Errorf("Chdir failed: %v", err)
	}
	view2 := fsys.FileSystem()
	if err := view2.Chdir("/etc"); err != nil {
		t.Errorf("Second Chdir failed: %v", err)
	}
	if cwd, _ := view.Getwd(); cwd != "/tmp" {
		t.Errorf("First view cwd changed! Got %s, want /tmp", cwd)
	}
	if cwd, _ := view2.Getwd(); cwd != "/etc" {
		t.Errorf("Second view cwd = %s, want /etc", cwd)
	}
}

// TestViewReadDir tests merged listings through the view
func TestViewReadDir(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "d/a", "", 0o644)
	writeHost(t, layers[0], "d/sub/x", "", 0o644)
	writeHost(t, layers[1], "d/b", "", 0o644)
	writeHost(t, layers[1], "d/.wh.a", "", 0o644)
	view := mustNew(t, layers, WithVirtualFile("", []byte("v"))).FileSystem()

	f, err := view.Open("/d")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	infos, err := f.Readdir(-1)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool)
	for _, info := range infos {
		got[info.Name()] = info.IsDir()
	}
	want := map[string]bool{"b": false, "sub": true, DefaultVirtualFileName: false}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for name, isDir := range want {
		if d, ok := got[name]; !ok || d != isDir {
			t.Errorf("entry %s: got present=%v dir=%v", name, ok, d)
		}
	}

	// Rewind and read names in batches.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	names, err := f.Readdirnames(2)
	if err != nil || len(names) != 2 {
		t.Fatalf("expected 2 names, got %v, %v", names, err)
	}
	rest, err := f.Readdirnames(2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("expected 1 remaining name, got %v, %v", rest, err)
	}
	if _, err := f.Readdirnames(2); err != io.EOF {
		t.Errorf("expected io.EOF at end, got %v", err)
	}
}

// TestViewRemoveAndRename tests Remove, RemoveAll and Rename via the view
func TestViewRemoveAndRename(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "tree/a/1", "", 0o644)
	writeHost(t, layers[0], "tree/b", "", 0o644)
	writeHost(t, layers[0], "move.txt", "m", 0o644)
	view := mustNew(t, layers).FileSystem()

	if err := view.RemoveAll("/tree"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := view.Stat("/tree"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected tree gone, got %v", err)
	}
	if !hostExists(layers[0], "tree/a/1") {
		t.Error("lower layer must stay untouched")
	}

	if err := view.Rename("/move.txt", "/moved.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got, _ := readView(view, "/moved.txt"); got != "m" {
		t.Errorf("expected 'm', got %q", got)
	}
	if err := view.Remove("/moved.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := view.Stat("/moved.txt"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected removed, got %v", err)
	}
}

// TestViewMetadata tests Chmod, Chtimes and Chown via the view
func TestViewMetadata(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "f", "", 0o644)
	view := mustNew(t, layers).FileSystem()

	if err := view.Chmod("/f", 0o600); err != nil {
		t.Fatal(err)
	}
	info, err := view.Stat("/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %o", info.Mode().Perm())
	}

	mtime := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := view.Chtimes("/f", mtime, mtime); err != nil {
		t.Fatal(err)
	}
	info, _ = view.Stat("/f")
	if !info.ModTime().Equal(mtime) {
		t.Errorf("expected mtime %v, got %v", mtime, info.ModTime())
	}

	// Changing to the current owner is always permitted.
	if err := view.Chown("/f", os.Getuid(), os.Getgid()); err != nil {
		t.Errorf("Chown: %v", err)
	}
	if err := view.Chown("/f", -1, -1); err != nil {
		t.Errorf("Chown no-op: %v", err)
	}
}

// TestViewSymlinks tests symlink creation and following
func TestViewSymlinks(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "real/target.txt", "through link", 0o644)
	fsys := mustNew(t, layers)
	view := fsys.FileSystem()
	adapter := &absFSAdapter{fsys: fsys}

	if err := adapter.Symlink("/real/target.txt", "/abs"); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Symlink("real/target.txt", "/rel"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"/abs", "/rel"} {
		if got, err := readView(view, name); err != nil || got != "through link" {
			t.Errorf("%s: expected content through link, got %q, %v", name, got, err)
		}
		info, err := adapter.Lstat(name)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			t.Errorf("%s: Lstat must not follow the link", name)
		}
	}
	if target, _ := adapter.Readlink("/rel"); target != "real/target.txt" {
		t.Errorf("expected relative target, got %q", target)
	}

	if err := adapter.Symlink("/loop2", "/loop1"); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Symlink("/loop1", "/loop2"); err != nil {
		t.Fatal(err)
	}
	if _, err := view.Stat("/loop1"); !errors.Is(err, syscall.ELOOP) {
		t.Errorf("expected ELOOP, got %v", err)
	}
}

// TestViewFileCursor tests Seek, ReadAt and WriteAt on view files
func TestViewFileCursor(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "f", "0123456789", 0o644)
	view := mustNew(t, layers).FileSystem()

	f, err := view.OpenFile("/f", os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if pos, err := f.Seek(-3, io.SeekEnd); err != nil || pos != 7 {
		t.Fatalf("Seek end: %d, %v", pos, err)
	}
	buf := make([]byte, 3)
	if n, err := f.Read(buf); err != nil || string(buf[:n]) != "789" {
		t.Errorf("expected '789', got %q, %v", buf[:n], err)
	}
	if n, err := f.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("expected EOF, got %d, %v", n, err)
	}
	if _, err := f.WriteAt([]byte("AB"), 2); err != nil {
		t.Fatal(err)
	}
	if n, err := f.ReadAt(buf, 1); err != nil || string(buf[:n]) != "1AB" {
		t.Errorf("expected '1AB', got %q, %v", buf[:n], err)
	}
	if _, err := f.ReadAt(make([]byte, 5), 8); err != io.EOF {
		t.Errorf("expected EOF on short ReadAt, got %v", err)
	}
	if _, err := f.Seek(-1, io.SeekStart); err == nil {
		t.Error("expected error seeking before start")
	}
	if err := f.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
	if f.Name() != "/f" {
		t.Errorf("Name() = %q", f.Name())
	}
}

// TestViewClosedFile tests operations on a closed file
func TestViewClosedFile(t *testing.T) {
	layers := newLayerDirs(t, 1)
	writeHost(t, layers[0], "f", "x", 0o644)
	view := mustNew(t, layers).FileSystem()

	f, err := view.Open("/f")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected ErrClosed on double close, got %v", err)
	}
	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected ErrClosed on read, got %v", err)
	}
}

// TestViewDirectoryFile tests file operations on a directory handle
func TestViewDirectoryFile(t *testing.T) {
	layers := newLayerDirs(t, 1)
	writeHost(t, layers[0], "d/x", "", 0o644)
	view := mustNew(t, layers).FileSystem()

	if _, err := view.OpenFile("/d", os.O_RDWR, 0); !errors.Is(err, syscall.EISDIR) {
		t.Errorf("expected EISDIR opening directory for write, got %v", err)
	}
	d, err := view.Open("/d")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if _, err := d.Read(make([]byte, 1)); !errors.Is(err, syscall.EISDIR) {
		t.Errorf("expected EISDIR reading a directory, got %v", err)
	}
	if _, err := d.Seek(5, io.SeekStart); err == nil {
		t.Error("directories only rewind")
	}
	info, err := d.Stat()
	if err != nil || !info.IsDir() {
		t.Errorf("expected directory info, got %v, %v", info, err)
	}
}

// TestSubFS tests the io/fs view of a subtree
func TestSubFS(t *testing.T) {
	layers := newLayerDirs(t, 2)
	writeHost(t, layers[0], "srv/www/index.html", "<html>", 0o644)
	fsys := mustNew(t, layers)
	adapter := &absFSAdapter{fsys: fsys}

	sub, err := adapter.Sub("/srv/www")
	if err != nil {
		t.Fatal(err)
	}
	data, err := fs.ReadFile(sub, "index.html")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "<html>" {
		t.Errorf("expected '<html>', got %q", data)
	}

	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if !slices.Contains(names, "index.html") {
		t.Errorf("expected index.html in %v", names)
	}

	if _, err := fs.ReadFile(sub, "../www/index.html"); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("expected ErrInvalid for a path leaving the root, got %v", err)
	}
	if _, err := fs.Stat(sub, "missing.html"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if _, err := adapter.Sub("/srv/www/index.html"); err == nil {
		t.Error("expected Sub on a file to fail")
	}

	nested, err := fs.Sub(fs.FS(&subFS{adapter: adapter, dir: "/srv"}), "www")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat(nested, "index.html"); err != nil {
		t.Errorf("nested sub: %v", err)
	}
}

// TestExportToMemFS copies the merged view into an in-memory absfs tree,
// checking that the view composes with other absfs filesystems.
func TestExportToMemFS(t *testing.T) {
	layers := newLayerDirs(t, 3)
	writeHost(t, layers[0], "etc/hostname", "base", 0o644)
	writeHost(t, layers[0], "etc/passwd", "root:x:0:0", 0o644)
	writeHost(t, layers[1], "etc/hostname", "app", 0o644)
	writeHost(t, layers[2], "etc/.wh.passwd", "", 0o644)
	writeHost(t, layers[2], "var/log/boot", "ok", 0o644)
	view := mustNew(t, layers).FileSystem()

	mem, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create memfs: %v", err)
	}

	var copyTree func(dir string) error
	copyTree = func(dir string) error {
		f, err := view.Open(dir)
		if err != nil {
			return err
		}
		infos, err := f.Readdir(-1)
		f.Close()
		if err != nil {
			return err
		}
		for _, info := range infos {
			p := path.Join(dir, info.Name())
			if info.IsDir() {
				if err := mem.MkdirAll(p, 0o755); err != nil {
					return err
				}
				if err := copyTree(p); err != nil {
					return err
				}
				continue
			}
			data, err := readView(view, p)
			if err != nil {
				return err
			}
			if err := writeView(mem, p, data, info.Mode().Perm()); err != nil {
				return err
			}
		}
		return nil
	}
	if err := copyTree("/"); err != nil {
		t.Fatalf("export: %v", err)
	}

	if got, err := readView(mem, "/etc/hostname"); err != nil || got != "app" {
		t.Errorf("expected 'app', got %q, %v", got, err)
	}
	if got, err := readView(mem, "/var/log/boot"); err != nil || got != "ok" {
		t.Errorf("expected 'ok', got %q, %v", got, err)
	}
	if _, err := mem.Stat("/etc/passwd"); err == nil {
		t.Error("whited-out file must not be exported")
	}
}

// BenchmarkFileSystemVsDirectAccess compares the view with inode lookups
func BenchmarkFileSystemVsDirectAccess(b *testing.B) {
	base, upper := b.TempDir(), b.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "bench"), 0o755); err != nil {
		b.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "bench", "file.txt"), []byte("benchmark data"), 0o644); err != nil {
		b.Fatal(err)
	}
	fsys, err := New([]string{base, upper}, WithLogger(discardLogger()))
	if err != nil {
		b.Fatal(err)
	}
	defer fsys.Close()

	b.Run("DirectAccess", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			dir, err := fsys.Lookup(RootIno, "bench")
			if err != nil {
				b.Fatal(err)
			}
			e, err := fsys.Lookup(dir.Ino, "file.txt")
			if err != nil {
				b.Fatal(err)
			}
			fsys.Forget(e.Ino, 1)
			fsys.Forget(dir.Ino, 1)
		}
	})

	b.Run("FileSystemAccess", func(b *testing.B) {
		view := fsys.FileSystem()
		view.Chdir("/bench")

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := view.Stat("file.txt"); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// TestFileSystemSuite runs the absfs conformance suite against the merged
// view of two host layers.
func TestFileSystemSuite(t *testing.T) {
	fsys := mustNew(t, newLayerDirs(t, 2))

	suite := &fstesting.Suite{
		FS: fsys.FileSystem(),
		Features: fstesting.Features{
			Symlinks:      false, // the extended view does not carry the SymLinker methods
			HardLinks:     false,
			Permissions:   true,
			Timestamps:    true,
			CaseSensitive: true,
			AtomicRename:  true,
			SparseFiles:   false,
			LargeFiles:    true,
		},
	}

	suite.Run(t)
}
