// Package treecache implements a content-addressed cache of stage output
// trees.
//
// Entries are keyed by the cache key of the stage invocation that produced
// them. On disk, the cache root holds:
//
//	objects/<key>/tree   the cached tree
//	objects/<key>.json   entry metadata
//	objects/<key>.lock   serializes changes to the entry
//	objects/<key>.pin    held shared by every user of the entry
//	tmp/                 staging area for trees being built
//
// An entry becomes visible only once its metadata has been written, which
// happens after the tree has been renamed into place. Readers therefore
// never observe a half-written tree. All locks are file locks, so several
// processes may share one cache directory.
package treecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/jbtrystram/osbuild/internal/digest"
	"github.com/jbtrystram/osbuild/internal/fsutil"
	"github.com/jbtrystram/osbuild/internal/jsondb"
	"github.com/jbtrystram/osbuild/internal/prometheus"
	"github.com/jbtrystram/osbuild/internal/stage"
)

// Entry is the metadata of a cached tree.
type Entry struct {
	Key        digest.Digest `json:"key"`
	TreeDigest digest.Digest `json:"tree_digest"`
	Stage      string        `json:"stage"`
	Created    time.Time     `json:"created"`
	LastUsed   time.Time     `json:"last_used"`

	// Output is what the stage reported when it built the tree.
	Output *stage.Output `json:"output,omitempty"`

	// Path of the cached tree. Stages must never write to it.
	Path string `json:"-"`
}

var errInUse = errors.New("entry is in use")

type Cache struct {
	root   string
	db     *jsondb.JSONDatabase
	logger logrus.FieldLogger

	group singleflight.Group

	// pins of this process; each key holds its pin file locked shared
	// while it is pinned at least once
	pinsMu sync.Mutex
	pins   map[digest.Digest]*pin

	now func() time.Time
}

type pin struct {
	count int
	lock  *fileLock
}

// New opens the cache rooted at root, creating it when needed.
func New(root string, logger logrus.FieldLogger) (*Cache, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	for _, dir := range []string{"objects", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, fmt.Errorf("cannot create cache directory: %w", err)
		}
	}

	return &Cache{
		root:   root,
		db:     jsondb.New(filepath.Join(root, "objects"), 0600),
		logger: logger,
		pins:   make(map[digest.Digest]*pin),
		now:    time.Now,
	}, nil
}

func (c *Cache) Root() string {
	return c.root
}

// TempDir creates a staging directory on the cache's filesystem. Trees built
// there can be moved into the cache by Put without copying.
func (c *Cache) TempDir(pattern string) (string, error) {
	return os.MkdirTemp(filepath.Join(c.root, "tmp"), pattern)
}

// lock takes the exclusive lock of key. It must be held to create, read
// and verify, pin or remove the entry.
func (c *Cache) lock(key digest.Digest) (*fileLock, error) {
	l, err := lockFile(c.objectPath(key, ".lock"), unix.LOCK_EX)
	if err != nil {
		return nil, fmt.Errorf("cannot lock cache entry %s: %w", key, err)
	}
	return l, nil
}

func (c *Cache) objectPath(key digest.Digest, suffix string) string {
	return filepath.Join(c.root, "objects", key.String()+suffix)
}

func (c *Cache) objectDir(key digest.Digest) string {
	return c.objectPath(key, "")
}

func (c *Cache) treePath(key digest.Digest) string {
	return filepath.Join(c.objectDir(key), "tree")
}

// Get looks up key. It returns nil when there is no usable entry. A
// returned entry is pinned and must be released with Unpin.
func (c *Cache) Get(key digest.Digest) (*Entry, error) {
	l, err := c.lock(key)
	if err != nil {
		return nil, err
	}
	defer l.unlock()

	entry, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		prometheus.CacheLookup(prometheus.CacheMiss)
		return nil, nil
	}

	if err := c.pin(key); err != nil {
		return nil, err
	}
	prometheus.CacheLookup(prometheus.CacheHit)
	return entry, nil
}

// lookup reads and verifies the entry for key. Corrupt entries are logged,
// removed and reported as a miss. The caller holds the key's lock.
func (c *Cache) lookup(key digest.Digest) (*Entry, error) {
	var entry Entry
	exists, err := c.db.Read(key.String(), &entry)
	if err != nil {
		c.discard(&CorruptionError{Key: key, Reason: "unreadable metadata", Err: err})
		return nil, nil
	}
	if !exists {
		return nil, nil
	}

	if entry.Key != key {
		c.discard(&CorruptionError{Key: key, Reason: fmt.Sprintf("metadata describes entry %s", entry.Key)})
		return nil, nil
	}

	entry.Path = c.treePath(key)
	treeDigest, err := digest.Tree(entry.Path)
	if err != nil {
		c.discard(&CorruptionError{Key: key, Reason: "unreadable tree", Err: err})
		return nil, nil
	}
	if treeDigest != entry.TreeDigest {
		c.discard(&CorruptionError{Key: key, Reason: fmt.Sprintf("tree digest is %s, expected %s", treeDigest, entry.TreeDigest)})
		return nil, nil
	}

	entry.LastUsed = c.now()
	if err := c.db.Write(key.String(), &entry); err != nil {
		c.logger.WithError(err).WithField("key", key.String()).Warn("Cannot update cache entry access time")
	}

	return &entry, nil
}

func (c *Cache) discard(cerr *CorruptionError) {
	prometheus.CacheLookup(prometheus.CacheCorrupt)
	c.logger.WithError(cerr).WithField("key", cerr.Key.String()).Warn("Discarding corrupt cache entry")
	if err := c.remove(cerr.Key); err != nil {
		c.logger.WithError(err).WithField("key", cerr.Key.String()).Error("Cannot remove corrupt cache entry")
	}
}

// remove deletes the entry for key unless it is pinned by anyone, in which
// case errInUse is returned. The metadata goes first so that the entry
// stops being visible before its tree goes away. The caller holds the
// key's lock.
func (c *Cache) remove(key digest.Digest) error {
	pinLock, err := lockFile(c.objectPath(key, ".pin"), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, errLocked) {
		return errInUse
	}
	if err != nil {
		return err
	}
	defer pinLock.drop()

	if err := c.db.Delete(key.String()); err != nil {
		return err
	}
	return fsutil.RemoveAll(c.objectDir(key))
}

// Put moves the finished tree in src into the cache under key and returns
// the pinned entry. output is stored with the entry. src is consumed: on
// success it no longer exists. If a valid entry for key already exists it
// is kept and src is removed.
func (c *Cache) Put(key digest.Digest, stageName string, src string, output *stage.Output) (*Entry, error) {
	l, err := c.lock(key)
	if err != nil {
		return nil, err
	}
	defer l.unlock()

	existing, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := fsutil.RemoveAll(src); err != nil {
			c.logger.WithError(err).Warn("Cannot remove duplicate tree")
		}
		if err := c.pin(key); err != nil {
			return nil, err
		}
		return existing, nil
	}

	treeDigest, err := digest.Tree(src)
	if err != nil {
		return nil, err
	}

	// a tree without metadata is left over from an interrupted Put
	if err := c.remove(key); err != nil {
		return nil, fmt.Errorf("cannot replace cache entry %s: %w", key, err)
	}

	staging, err := c.TempDir("object-")
	if err != nil {
		return nil, err
	}
	if err := fsutil.MoveTree(src, filepath.Join(staging, "tree")); err != nil {
		_ = fsutil.RemoveAll(staging)
		return nil, fmt.Errorf("cannot move tree into the cache: %w", err)
	}
	if err := os.Rename(staging, c.objectDir(key)); err != nil {
		_ = fsutil.RemoveAll(staging)
		return nil, fmt.Errorf("cannot commit cache entry: %w", err)
	}

	now := c.now()
	entry := Entry{
		Key:        key,
		TreeDigest: treeDigest,
		Stage:      stageName,
		Created:    now,
		LastUsed:   now,
		Output:     output,
	}
	if err := c.db.Write(key.String(), &entry); err != nil {
		_ = fsutil.RemoveAll(c.objectDir(key))
		return nil, fmt.Errorf("cannot write cache metadata: %w", err)
	}
	entry.Path = c.treePath(key)

	if err := c.pin(key); err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{"key": key.String(), "stage": stageName}).Debug("Stored tree in cache")
	return &entry, nil
}

// BuildFunc produces the tree for a missing entry and returns its
// directory, which should have been created with TempDir, along with the
// output of the stage that built it.
type BuildFunc func(ctx context.Context) (string, *stage.Output, error)

type buildResult struct {
	entry *Entry
	built bool
}

// canceledBuild is the error callers sharing a build get when the caller
// running it went away before it finished.
type canceledBuild struct {
	err error
}

func (e *canceledBuild) Error() string {
	return e.err.Error()
}

func (e *canceledBuild) Unwrap() error {
	return e.err
}

// Build returns the entry for key, calling build to produce it on a miss.
// Concurrent calls for the same key share a single build: later callers
// wait for the first one and receive its entry, or its error if it failed.
// Every caller is only canceled by its own ctx: when the caller running
// the build is canceled, the others start over. The returned entry is
// pinned. built reports whether this call ran build.
func (c *Cache) Build(ctx context.Context, key digest.Digest, stageName string, build BuildFunc) (*Entry, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		// set by whoever comes first: the build of this caller starting, or
		// this caller giving up on it
		var claimed atomic.Bool
		ch := c.group.DoChan(key.String(), func() (interface{}, error) {
			if !claimed.CompareAndSwap(false, true) {
				return nil, &canceledBuild{err: context.Canceled}
			}
			res, err := c.getOrBuild(ctx, key, stageName, build)
			if err != nil && ctx.Err() != nil {
				return nil, &canceledBuild{err: err}
			}
			return res, err
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			if claimed.CompareAndSwap(false, true) {
				return nil, false, ctx.Err()
			}
			// the build runs on ctx and is about to stop
			res = <-ch
		}
		ran := claimed.Load()

		if res.Err != nil {
			var canceled *canceledBuild
			if errors.As(res.Err, &canceled) {
				if ran {
					return nil, false, canceled.err
				}
				continue
			}
			return nil, false, res.Err
		}

		r := res.Val.(*buildResult)
		if ran {
			return r.entry, r.built, nil
		}

		// others take their own reference
		entry, err := c.pinIfPresent(key)
		if err != nil {
			return nil, false, err
		}
		if entry != nil {
			return entry, false, nil
		}
		// evicted before we could pin it; try again
	}
}

func (c *Cache) getOrBuild(ctx context.Context, key digest.Digest, stageName string, build BuildFunc) (*buildResult, error) {
	entry, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &buildResult{entry: entry}, nil
	}

	dir, output, err := build(ctx)
	if err != nil {
		return nil, err
	}
	entry, err = c.Put(key, stageName, dir, output)
	if err != nil {
		return nil, err
	}
	return &buildResult{entry: entry, built: true}, nil
}

// pin takes a reference on key. The caller holds the key's lock, so the
// entry cannot be removed in between.
func (c *Cache) pin(key digest.Digest) error {
	c.pinsMu.Lock()
	defer c.pinsMu.Unlock()

	if p, ok := c.pins[key]; ok {
		p.count++
		return nil
	}
	l, err := lockFile(c.objectPath(key, ".pin"), unix.LOCK_SH)
	if err != nil {
		return fmt.Errorf("cannot pin cache entry %s: %w", key, err)
	}
	c.pins[key] = &pin{count: 1, lock: l}
	return nil
}

func (c *Cache) pinIfPresent(key digest.Digest) (*Entry, error) {
	l, err := c.lock(key)
	if err != nil {
		return nil, err
	}
	defer l.unlock()

	var entry Entry
	exists, err := c.db.Read(key.String(), &entry)
	if err != nil || !exists {
		return nil, nil
	}
	if err := c.pin(key); err != nil {
		return nil, err
	}
	entry.Path = c.treePath(key)
	return &entry, nil
}

// Pin protects the entry for key from eviction, by this and any other
// process. Every Pin must be matched by an Unpin.
func (c *Cache) Pin(key digest.Digest) error {
	l, err := c.lock(key)
	if err != nil {
		return err
	}
	defer l.unlock()

	exists, err := c.db.Read(key.String(), &Entry{})
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("cache entry %s does not exist", key)
	}
	return c.pin(key)
}

func (c *Cache) Unpin(key digest.Digest) {
	c.pinsMu.Lock()
	defer c.pinsMu.Unlock()

	p, ok := c.pins[key]
	if !ok {
		return
	}
	p.count--
	if p.count == 0 {
		p.lock.unlock()
		delete(c.pins, key)
	}
}

// Entries lists the metadata of all entries, least recently used first.
// Entries with unreadable metadata are skipped.
func (c *Cache) Entries() ([]Entry, error) {
	names, err := c.db.List()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		var entry Entry
		exists, err := c.db.Read(name, &entry)
		if err != nil || !exists {
			continue
		}
		entry.Path = c.treePath(entry.Key)
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastUsed.Equal(entries[j].LastUsed) {
			return entries[i].Key.String() < entries[j].Key.String()
		}
		return entries[i].LastUsed.Before(entries[j].LastUsed)
	})
	return entries, nil
}

// Prune evicts entries until at most maxEntries remain and none is older
// than maxAge (by last use). Zero disables either bound. Entries pinned by
// any process are never evicted. Leftovers of interrupted builds are
// removed as well. Returns the number of evicted entries.
func (c *Cache) Prune(maxEntries int, maxAge time.Duration) (int, error) {
	entries, err := c.Entries()
	if err != nil {
		return 0, err
	}

	now := c.now()
	remaining := len(entries)
	evicted := 0
	for _, entry := range entries {
		tooMany := maxEntries > 0 && remaining > maxEntries
		tooOld := maxAge > 0 && now.Sub(entry.LastUsed) > maxAge
		if !tooMany && !tooOld {
			continue
		}

		ok, err := c.evict(entry.Key)
		if err != nil {
			return evicted, err
		}
		if ok {
			evicted++
			remaining--
			prometheus.CacheEvictions.Inc()
			c.logger.WithFields(logrus.Fields{"key": entry.Key.String(), "stage": entry.Stage}).Debug("Evicted cache entry")
		}
	}

	if err := c.removeOrphans(); err != nil {
		return evicted, err
	}
	return evicted, nil
}

func (c *Cache) evict(key digest.Digest) (bool, error) {
	l, err := c.lock(key)
	if err != nil {
		return false, err
	}

	err = c.remove(key)
	if errors.Is(err, errInUse) {
		l.unlock()
		return false, nil
	}
	if err != nil {
		l.unlock()
		return false, err
	}
	l.drop()
	return true, nil
}

// removeOrphans removes object directories without metadata. Directories
// that are being committed are protected by their key's lock.
func (c *Cache) removeOrphans() error {
	dirents, err := os.ReadDir(filepath.Join(c.root, "objects"))
	if err != nil {
		return err
	}

	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		key, err := digest.Parse(d.Name())
		if err != nil {
			continue
		}

		l, err := c.lock(key)
		if err != nil {
			return err
		}
		_, err = os.Stat(c.objectPath(key, ".json"))
		if !errors.Is(err, os.ErrNotExist) {
			l.unlock()
			continue
		}
		err = c.remove(key)
		if errors.Is(err, errInUse) {
			l.unlock()
			continue
		}
		if err != nil {
			l.unlock()
			return err
		}
		l.drop()
	}
	return nil
}
