package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

var (
	BwrapCommand = bwrapCommand
	NewEnvFilter = newEnvFilter
)

type WrappedCommand = wrappedCommand

func NewProcessGroup(cmd *exec.Cmd) *processGroup { return &processGroup{cmd: cmd} }

func (g *processGroup) Signal(sig unix.Signal) error { return g.signal(sig) }
func (g *processGroup) Reap()                        { g.reap() }

func (w *wrappedCommand) Argv() []string              { return w.argv }
func (w *wrappedCommand) Tree() string                { return w.tree }
func (w *wrappedCommand) Inputs() map[string]string   { return w.inputs }
func (f *envFilter) Filter(environ []string) []string { return f.filter(environ) }

// MockStageHost writes script to an executable file and returns the
// command line to use as Config.StageHost.
func MockStageHost(t *testing.T, script string) []string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-stage-host")
	/* #nosec G306 */
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return []string{path}
}

func MockBwrapBinary(path string) (restore func()) {
	saved := bwrapBinary
	bwrapBinary = path
	return func() {
		bwrapBinary = saved
	}
}

// MachinePath returns the states a fresh machine passes through when
// driven to the given states, or panics on an illegal transition.
func MachinePath(states ...State) []State {
	m := newMachine()
	for _, s := range states {
		m.to(s)
	}
	return m.path
}
