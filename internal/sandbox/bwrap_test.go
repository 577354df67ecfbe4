package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbtrystram/osbuild/internal/sandbox"
	"github.com/jbtrystram/osbuild/internal/stages"
)

func TestBwrapCommand(t *testing.T) {
	defer sandbox.MockBwrapBinary("/usr/bin/bwrap")()

	tree := t.TempDir()
	input := t.TempDir()
	req := &sandbox.Request{
		Stage:  stages.NewSymlinkStage(),
		Tree:   tree,
		Inputs: map[string]string{"packages": input},
	}

	w, err := sandbox.BwrapCommand([]string{"/usr/libexec/osbuild-pipeline", "stage-host"}, req, false)
	require.NoError(t, err)

	argv := strings.Join(w.Argv(), " ")
	assert.True(t, strings.HasPrefix(argv, "/usr/bin/bwrap --unshare-all --die-with-parent"))
	assert.NotContains(t, argv, "--share-net")
	assert.Contains(t, argv, "--ro-bind /usr /usr")
	assert.Contains(t, argv, "--bind "+tree+" /run/osbuild/tree")
	assert.Contains(t, argv, "--ro-bind "+input+" /run/osbuild/inputs/packages")
	assert.Contains(t, argv, "--ro-bind /usr/libexec/osbuild-pipeline /run/osbuild/bin/stage-host")
	assert.True(t, strings.HasSuffix(argv, "-- /run/osbuild/bin/stage-host stage-host"))

	assert.Equal(t, "/run/osbuild/tree", w.Tree())
	assert.Equal(t, map[string]string{"packages": "/run/osbuild/inputs/packages"}, w.Inputs())

	w, err = sandbox.BwrapCommand([]string{"/usr/libexec/osbuild-pipeline", "stage-host"}, req, true)
	require.NoError(t, err)
	assert.Contains(t, w.Argv(), "--share-net")
}

func TestBwrapCommandRejectsBadInputs(t *testing.T) {
	defer sandbox.MockBwrapBinary("/usr/bin/bwrap")()

	req := &sandbox.Request{
		Stage:  stages.NewSymlinkStage(),
		Tree:   t.TempDir(),
		Inputs: map[string]string{"../escape": t.TempDir()},
	}
	_, err := sandbox.BwrapCommand([]string{"/usr/bin/true"}, req, false)
	assert.Error(t, err)

	req.Inputs = map[string]string{"missing": filepath.Join(t.TempDir(), "nope")}
	_, err = sandbox.BwrapCommand([]string{"/usr/bin/true"}, req, false)
	assert.Error(t, err)
}

func TestBwrapRunsMockedBwrap(t *testing.T) {
	// a fake bwrap that ignores its arguments and plays the stage host
	dir := t.TempDir()
	fake := filepath.Join(dir, "bwrap")
	/* #nosec G306 */
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho \"$@\" > "+dir+"/args\necho '{}' >&3\n"), 0755))
	defer sandbox.MockBwrapBinary(fake)()

	r, tracker, _ := newRunner(t, sandbox.Config{
		Type:      sandbox.TypeBwrap,
		StageHost: []string{"/usr/libexec/osbuild-pipeline", "stage-host"},
	})

	res, err := r.Run(context.Background(), &sandbox.Request{Stage: stages.NewSymlinkStage(), Tree: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, sandbox.Succeeded, res.State)
	assert.Equal(t, 0, tracker.Live())

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--unshare-all")
}
