// Package fsutil copies, moves and removes the directory trees stages work
// on.
package fsutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

const modeMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// CopyTree copies the contents of src into dst, which must not exist yet
// or be an empty directory.
//
// Directories, regular files and symlinks are copied with their permission
// bits and extended attributes; symlink targets are copied verbatim and
// hard links within src stay hard links. Ownership is preserved when
// running as root. Timestamps are not preserved. Other file types are an
// error.
func CopyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	c := &copier{
		chown: os.Geteuid() == 0,
		links: make(map[inode]string),
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case rel == ".":
			if err := mkdirEmpty(target); err != nil {
				return err
			}
			return c.dir(path, target, info)
		case d.IsDir():
			// directories stay writable until everything below them is copied
			if err := os.Mkdir(target, 0700); err != nil {
				return err
			}
			return c.dir(path, target, info)
		case d.Type()&fs.ModeSymlink != 0:
			return c.symlink(path, target, info)
		case d.Type().IsRegular():
			return c.file(path, target, info)
		default:
			return fmt.Errorf("cannot copy %s: unsupported file type %s", path, d.Type())
		}
	})
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	for i := len(c.dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(c.dirs[i].path, c.dirs[i].mode); err != nil {
			return err
		}
	}
	return nil
}

type inode struct {
	dev, ino uint64
}

type dirMode struct {
	path string
	mode fs.FileMode
}

type copier struct {
	chown bool
	// first copy of every multiply linked file
	links map[inode]string
	dirs  []dirMode
}

func (c *copier) dir(src, dst string, info fs.FileInfo) error {
	if err := c.metadata(src, dst, info); err != nil {
		return err
	}
	c.dirs = append(c.dirs, dirMode{dst, info.Mode() & modeMask})
	return nil
}

func (c *copier) symlink(src, dst string, info fs.FileInfo) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.Symlink(link, dst); err != nil {
		return err
	}
	return c.metadata(src, dst, info)
}

func (c *copier) file(src, dst string, info fs.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if ok && st.Nlink > 1 {
		id := inode{dev: uint64(st.Dev), ino: st.Ino}
		if first, seen := c.links[id]; seen {
			return os.Link(first, dst)
		}
		c.links[id] = dst
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := c.metadata(src, dst, info); err != nil {
		return err
	}
	// Chmod instead of the create mode, which is subject to the umask
	return os.Chmod(dst, info.Mode()&modeMask)
}

// metadata copies ownership and extended attributes. Ownership goes first:
// changing it drops file capabilities.
func (c *copier) metadata(src, dst string, info fs.FileInfo) error {
	if st, ok := info.Sys().(*syscall.Stat_t); ok && c.chown {
		if err := os.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil {
			return err
		}
	}
	return copyXattrs(src, dst)
}

func mkdirEmpty(dir string) error {
	err := os.Mkdir(dir, 0700)
	if !errors.Is(err, fs.ErrExist) {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s is not empty", dir)
	}
	return os.Chmod(dir, 0700)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyXattrs copies the extended attributes of src to dst, neither of
// which is followed if it is a symlink. Attributes in namespaces the
// caller may not write, and filesystems without xattr support, are
// skipped.
func copyXattrs(src, dst string) error {
	names, err := listXattrs(src)
	if errors.Is(err, unix.ENOTSUP) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot list extended attributes of %s: %w", src, err)
	}

	for _, name := range names {
		value, err := getXattr(src, name)
		if errors.Is(err, unix.ENODATA) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cannot read extended attribute %s of %s: %w", name, src, err)
		}
		err = unix.Lsetxattr(dst, name, value, 0)
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.ENOTSUP) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cannot set extended attribute %s on %s: %w", name, dst, err)
		}
	}
	return nil
}

func listXattrs(path string) ([]string, error) {
	for {
		size, err := unix.Llistxattr(path, nil)
		if err != nil || size == 0 {
			return nil, err
		}
		buf := make([]byte, size)
		n, err := unix.Llistxattr(path, buf)
		if errors.Is(err, unix.ERANGE) {
			// grew in between
			continue
		}
		if err != nil {
			return nil, err
		}

		var names []string
		for _, name := range bytes.Split(buf[:n], []byte{0}) {
			if len(name) > 0 {
				names = append(names, string(name))
			}
		}
		return names, nil
	}
}

func getXattr(path, name string) ([]byte, error) {
	for {
		size, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		n, err := unix.Lgetxattr(path, name, buf)
		if errors.Is(err, unix.ERANGE) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

// MoveTree renames src to dst, falling back to a copy when they live on
// different filesystems.
func MoveTree(src, dst string) error {
	err := os.Rename(src, dst)
	if !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := CopyTree(src, dst); err != nil {
		return err
	}
	return RemoveAll(src)
}

// RemoveAll removes path and everything below it, including directories a
// stage made read-only.
func RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
