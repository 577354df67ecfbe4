package digest

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

const (
	entryDirectory byte = 'd'
	entryFile      byte = 'f'
	entrySymlink   byte = 'l'
	entryOther     byte = 'o'
)

// Tree computes the content digest of the tree rooted at root.
//
// Entries are visited in lexical order. For each entry the relative path,
// the entry type, the owner and the permission bits are hashed, plus the
// literal target for symlinks and the content digest for regular files.
// Timestamps are ignored, so two trees with equal content have equal
// digests regardless of when they were built.
func Tree(root string) (Digest, error) {
	h := newHasher(treeDomainKey)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		writeField(h, []byte(filepath.ToSlash(rel)))
		writeField(h, owner(info))

		var mode [4]byte
		binary.BigEndian.PutUint32(mode[:], uint32(info.Mode().Perm()|(info.Mode()&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky))))

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			writeField(h, []byte{entrySymlink})
			writeField(h, []byte(target))
		case d.IsDir():
			writeField(h, []byte{entryDirectory})
			writeField(h, mode[:])
		case d.Type().IsRegular():
			fd, err := File(path)
			if err != nil {
				return err
			}
			writeField(h, []byte{entryFile})
			writeField(h, mode[:])
			writeField(h, fd[:])
		default:
			writeField(h, []byte{entryOther})
			writeField(h, mode[:])
		}
		return nil
	})
	if err != nil {
		return Digest{}, fmt.Errorf("cannot digest tree %s: %w", root, err)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// File computes the content digest of a regular file, streaming it through
// the hash.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	h := newHasher(fileDomainKey)
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

func owner(info fs.FileInfo) []byte {
	var b [8]byte
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		binary.BigEndian.PutUint32(b[:4], st.Uid)
		binary.BigEndian.PutUint32(b[4:], st.Gid)
	}
	return b[:]
}
