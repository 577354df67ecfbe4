package treecache

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errLocked = errors.New("locked")

// fileLock is a flock(2) lock on a file in the cache directory. Locks are
// held per open file, so they exclude other processes sharing the cache as
// well as other goroutines of this one.
type fileLock struct {
	path string
	f    *os.File
}

// lockFile opens path, creating it when needed, and locks it with how
// (unix.LOCK_SH or unix.LOCK_EX, optionally with unix.LOCK_NB). With
// LOCK_NB, errLocked reports that someone else holds a conflicting lock.
//
// Lock files are removed by drop while locked. A lock obtained on a file
// that has since been removed is retried on the new file.
func lockFile(path string, how int) (*fileLock, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, err
		}

		if err := flock(f, how); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, errLocked
			}
			return nil, err
		}

		var held, current unix.Stat_t
		if err := unix.Fstat(int(f.Fd()), &held); err != nil {
			f.Close()
			return nil, err
		}
		err = unix.Stat(path, &current)
		if err == nil && held.Dev == current.Dev && held.Ino == current.Ino {
			return &fileLock{path: path, f: f}, nil
		}
		f.Close()
		if err != nil && !errors.Is(err, unix.ENOENT) {
			return nil, err
		}
	}
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (l *fileLock) unlock() {
	l.f.Close()
}

// drop removes the lock file and releases the lock. Only the holder of an
// exclusive lock may drop it.
func (l *fileLock) drop() {
	_ = os.Remove(l.path)
	l.f.Close()
}
