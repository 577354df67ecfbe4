package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultEnvAllow is the set of host variables passed into a sandbox when
// the configuration does not name any.
var DefaultEnvAllow = []string{"LANG", "LC_*", "TZ"}

const defaultPath = "PATH=/usr/sbin:/usr/bin:/sbin:/bin"

type envFilter struct {
	patterns []glob.Glob
}

func newEnvFilter(allow []string) (*envFilter, error) {
	f := &envFilter{}
	for _, pattern := range allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid environment pattern %q: %w", pattern, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

func (f *envFilter) allowed(name string) bool {
	for _, g := range f.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// filter returns the sorted subset of environ whose names are allowed, plus
// a fixed PATH. The host PATH is never passed through.
func (f *envFilter) filter(environ []string) []string {
	env := []string{defaultPath}
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || name == "PATH" || !f.allowed(name) {
			continue
		}
		env = append(env, kv)
	}
	sort.Strings(env[1:])
	return env
}
