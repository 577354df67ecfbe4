// Package archive exports filesystem trees as reproducible tarballs.
//
// Entries are written in lexical order with zeroed timestamps and root
// ownership, so two trees with equal content digests export to identical
// bytes.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// CompressionFromPath picks the compression from the file extension of an
// export target.
func CompressionFromPath(path string) Compression {
	if strings.HasSuffix(path, ".zst") || strings.HasSuffix(path, ".tzst") {
		return CompressionZstd
	}
	return CompressionNone
}

var epoch = time.Unix(0, 0).UTC()

// Export writes the tree at root to w.
func Export(root string, w io.Writer, compression Compression) error {
	switch compression {
	case CompressionNone, "":
		return writeTar(root, w)
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return err
		}
		if err := writeTar(root, zw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	return fmt.Errorf("unsupported compression: %s", compression)
}

// ExportFile writes the tree at root to a new file at path.
func ExportFile(root, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Export(root, f, CompressionFromPath(path)); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("cannot export %s: %w", root, err)
	}
	return f.Close()
}

func writeTar(root string, w io.Writer) error {
	tw := tar.NewWriter(w)
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

		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    tarMode(info.Mode()),
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}
		switch {
		case info.Mode().IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		case info.Mode()&fs.ModeSymlink != 0:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Mode = 0777
			if hdr.Linkname, err = os.Readlink(path); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			hdr.Typeflag = tar.TypeReg
			hdr.Size = info.Size()
		default:
			return fmt.Errorf("cannot archive %s: unsupported file type %s", rel, info.Mode().Type())
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			return copyFile(tw, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func tarMode(mode fs.FileMode) int64 {
	m := int64(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= 04000
	}
	if mode&fs.ModeSetgid != 0 {
		m |= 02000
	}
	if mode&fs.ModeSticky != 0 {
		m |= 01000
	}
	return m
}
