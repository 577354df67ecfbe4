package treecache

import (
	"fmt"

	"github.com/jbtrystram/osbuild/internal/digest"
)

// CorruptionError describes a cache entry that cannot be served: its
// metadata is unreadable or does not match the tree on disk. Corrupt
// entries are discarded and the lookup is reported as a miss.
type CorruptionError struct {
	Key    digest.Digest
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache entry %s is corrupt: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("cache entry %s is corrupt: %s", e.Key, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}
