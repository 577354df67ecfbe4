package fsutil_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jbtrystram/osbuild/internal/digest"
	"github.com/jbtrystram/osbuild/internal/fsutil"
)

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "usr/lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "usr/lib/os-release"), []byte("ID=fedora\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "usr/bin-tool"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.Symlink("../usr/lib/os-release", filepath.Join(src, "usr/os-release")))
	require.NoError(t, os.Symlink("dangling", filepath.Join(src, "broken")))
	require.NoError(t, os.Mkdir(filepath.Join(src, "ro"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "ro/file"), []byte("x"), 0444))
	require.NoError(t, os.Chmod(filepath.Join(src, "ro"), 0555))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(src, "ro"), 0755) })

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, fsutil.CopyTree(src, dst))

	srcDigest, err := digest.Tree(src)
	require.NoError(t, err)
	dstDigest, err := digest.Tree(dst)
	require.NoError(t, err)
	assert.Equal(t, srcDigest, dstDigest)

	target, err := os.Readlink(filepath.Join(dst, "broken"))
	require.NoError(t, err)
	assert.Equal(t, "dangling", target)

	info, err := os.Stat(filepath.Join(dst, "ro"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0555), info.Mode().Perm())

	require.NoError(t, fsutil.RemoveAll(dst))
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyTreeErrors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	assert.Error(t, fsutil.CopyTree(file, filepath.Join(dir, "dst")))
	assert.Error(t, fsutil.CopyTree(filepath.Join(dir, "missing"), filepath.Join(dir, "dst")))
	// destination must not exist or be empty
	assert.Error(t, fsutil.CopyTree(t.TempDir(), dir))
	assert.NoError(t, fsutil.CopyTree(dir, t.TempDir()))
}

func TestRemoveAllMissing(t *testing.T) {
	assert.NoError(t, fsutil.RemoveAll(filepath.Join(t.TempDir(), "missing")))
}

func TestCopyTreeHardlinks(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("shared"), 0644))
	require.NoError(t, os.Link(filepath.Join(src, "a"), filepath.Join(src, "b")))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, fsutil.CopyTree(src, dst))

	a, err := os.Stat(filepath.Join(dst, "a"))
	require.NoError(t, err)
	b, err := os.Stat(filepath.Join(dst, "b"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(a, b))

	orig, err := os.Stat(filepath.Join(src, "a"))
	require.NoError(t, err)
	assert.False(t, os.SameFile(orig, a))
}

func TestCopyTreeXattrs(t *testing.T) {
	src := t.TempDir()
	file := filepath.Join(src, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	if err := unix.Setxattr(file, "user.osbuild.test", []byte("value"), 0); err != nil {
		t.Skipf("no user xattrs on this filesystem: %v", err)
	}
	require.NoError(t, os.Chmod(file, 0444))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, fsutil.CopyTree(src, dst))

	buf := make([]byte, 64)
	n, err := unix.Getxattr(filepath.Join(dst, "file"), "user.osbuild.test", buf)
	require.NoError(t, err)
	assert.Equal(t, "value", string(buf[:n]))

	info, err := os.Stat(filepath.Join(dst, "file"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())
}

func TestCopyTreeOwnership(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("changing ownership requires root")
	}

	src := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(src, "home"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "home/file"), nil, 0600))
	require.NoError(t, os.Symlink("file", filepath.Join(src, "home/link")))
	for _, p := range []string{"home", "home/file", "home/link"} {
		require.NoError(t, os.Lchown(filepath.Join(src, p), 1000, 1001))
	}

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, fsutil.CopyTree(src, dst))

	for _, p := range []string{"home", "home/file", "home/link"} {
		info, err := os.Lstat(filepath.Join(dst, p))
		require.NoError(t, err)
		st := info.Sys().(*syscall.Stat_t)
		assert.Equal(t, uint32(1000), st.Uid, p)
		assert.Equal(t, uint32(1001), st.Gid, p)
	}

	srcDigest, err := digest.Tree(src)
	require.NoError(t, err)
	dstDigest, err := digest.Tree(dst)
	require.NoError(t, err)
	assert.Equal(t, srcDigest, dstDigest)
}

func TestMoveTree(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.Mkdir(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file"), []byte("x"), 0644))
	expected, err := digest.Tree(src)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, fsutil.MoveTree(src, dst))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	d, err := digest.Tree(dst)
	require.NoError(t, err)
	assert.Equal(t, expected, d)
}
