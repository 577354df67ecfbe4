package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
)

const (
	bwrapTree      = "/run/osbuild/tree"
	bwrapInputs    = "/run/osbuild/inputs"
	bwrapStageHost = "/run/osbuild/bin/stage-host"
)

// bwrapBinary is looked up in PATH when empty.
var bwrapBinary = ""

// bwrapCommand wraps the stage host in bubblewrap. The stage sees a
// read-only /usr, the tree it may modify at /run/osbuild/tree and its
// inputs read-only below /run/osbuild/inputs. All namespaces are unshared,
// the network one only when network access is not granted.
func bwrapCommand(stageHost []string, req *Request, network bool) (*wrappedCommand, error) {
	bwrap := bwrapBinary
	if bwrap == "" {
		var err error
		bwrap, err = exec.LookPath("bwrap")
		if err != nil {
			return nil, fmt.Errorf("bubblewrap is not available: %w", err)
		}
	}

	host, err := filepath.Abs(stageHost[0])
	if err != nil {
		return nil, err
	}
	tree, err := filepath.Abs(req.Tree)
	if err != nil {
		return nil, err
	}

	args := []string{
		bwrap,
		"--unshare-all",
	}
	if network {
		args = append(args, "--share-net")
	}
	args = append(args,
		"--die-with-parent",
		"--new-session",
		"--ro-bind", "/usr", "/usr",
		"--symlink", "usr/bin", "/bin",
		"--symlink", "usr/sbin", "/sbin",
		"--symlink", "usr/lib", "/lib",
		"--symlink", "usr/lib64", "/lib64",
		"--ro-bind-try", "/etc/alternatives", "/etc/alternatives",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--ro-bind", host, bwrapStageHost,
		"--bind", tree, bwrapTree,
	)

	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	inputs := make(map[string]string, len(names))
	for _, name := range names {
		if name == "" || name != path.Base(name) || name == "." || name == ".." {
			return nil, fmt.Errorf("invalid input name %q", name)
		}
		src, err := filepath.Abs(req.Inputs[name])
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(src); err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		dst := path.Join(bwrapInputs, name)
		args = append(args, "--ro-bind", src, dst)
		inputs[name] = dst
	}

	args = append(args, "--chdir", bwrapTree, "--", bwrapStageHost)
	args = append(args, stageHost[1:]...)

	return &wrappedCommand{argv: args, tree: bwrapTree, inputs: inputs}, nil
}
