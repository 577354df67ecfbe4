package stage

import (
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const treeScheme = "tree://"

// ResolveLocation maps a location used in stage options to a path on the
// host. Locations are always relative to the tree root: "tree:///etc/foo",
// "/etc/foo" and "etc/foo" all resolve to <tree>/etc/foo. A location that
// would escape the tree is an error.
//
// Symlinks in the directories leading up to the location are resolved as
// if the tree were the root filesystem, so they never lead outside of it.
// The last component is not resolved: callers that create or replace it
// see the link itself, and must not follow it when writing.
func ResolveLocation(tree, location string) (string, error) {
	p := strings.TrimPrefix(location, treeScheme)
	if p == "" {
		return "", fmt.Errorf("empty location %q", location)
	}
	if strings.Contains(p, "://") {
		return "", fmt.Errorf("unsupported location scheme in %q", location)
	}

	rel := filepath.Clean("/" + p)
	// Clean of a rooted path never yields "..", but a ".." component in
	// the original path means the author expected to leave the tree.
	for _, component := range strings.Split(filepath.ToSlash(p), "/") {
		if component == ".." {
			return "", fmt.Errorf("location %q escapes the tree", location)
		}
	}
	if rel == "/" {
		return filepath.Clean(tree), nil
	}

	dir, err := securejoin.SecureJoin(tree, filepath.Dir(rel))
	if err != nil {
		return "", fmt.Errorf("cannot resolve location %q: %w", location, err)
	}
	return filepath.Join(dir, filepath.Base(rel)), nil
}

// TreePath returns the path of hostPath relative to the tree root, starting
// with "/". It is the inverse of ResolveLocation.
func TreePath(tree, hostPath string) string {
	rel, err := filepath.Rel(tree, hostPath)
	if err != nil {
		return hostPath
	}
	if rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}
