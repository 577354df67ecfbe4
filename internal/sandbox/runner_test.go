package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jbtrystram/osbuild/internal/sandbox"
	"github.com/jbtrystram/osbuild/internal/stage"
	"github.com/jbtrystram/osbuild/internal/stages"
)

type funcStage struct {
	name string
	run  func(ctx context.Context, args *stage.Args) (*stage.Output, error)
}

func (f *funcStage) Name() string               { return f.name }
func (f *funcStage) Schema() *jsonschema.Schema { return nil }
func (f *funcStage) Mutates() bool              { return true }
func (f *funcStage) Deterministic() bool        { return true }

func (f *funcStage) Run(ctx context.Context, args *stage.Args) (*stage.Output, error) {
	return f.run(ctx, args)
}

func newRunner(t *testing.T, config sandbox.Config) (sandbox.Runner, *sandbox.Tracker, *logrusTest.Hook) {
	t.Helper()
	logger, hook := logrusTest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	tracker := sandbox.NewTracker()
	config.Logger = logger
	config.Tracker = tracker
	r, err := sandbox.New(config)
	require.NoError(t, err)
	return r, tracker, hook
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := sandbox.New(sandbox.Config{Type: "chroot"})
	assert.EqualError(t, err, "unknown sandbox type: chroot")

	_, err = sandbox.New(sandbox.Config{Type: sandbox.TypeInProcess, Timeout: -time.Second})
	assert.Error(t, err)
}

func TestInProcessSymlinkStage(t *testing.T) {
	r, tracker, _ := newRunner(t, sandbox.Config{Type: sandbox.TypeInProcess})

	tree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tree, "target"), nil, 0644))

	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage: stages.NewSymlinkStage(),
		Tree:  tree,
		Options: json.RawMessage(`{"paths":[
			{"source":"target","link":"tree:///link_to_target"},
			{"source":"/etc/os-release","link":"tree:///abs_link"},
			{"source":"relative_target","link":"relative_link"}]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, sandbox.Succeeded, res.State)
	assert.Equal(t, []sandbox.State{sandbox.Idle, sandbox.Preparing, sandbox.Running, sandbox.Succeeded}, res.Transitions)
	require.Len(t, res.Output.Changes, 3)
	assert.Contains(t, string(res.Log), "symlink relative_link -> relative_target\n")

	for link, target := range map[string]string{
		"link_to_target": "target",
		"abs_link":       "/etc/os-release",
		"relative_link":  "relative_target",
	} {
		got, err := os.Readlink(filepath.Join(tree, link))
		require.NoError(t, err)
		assert.Equal(t, target, got)
	}
	assert.Equal(t, 0, tracker.Live())
}

func TestInProcessFailureKeepsDiagnostics(t *testing.T) {
	r, _, hook := newRunner(t, sandbox.Config{Type: sandbox.TypeInProcess})

	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage: &funcStage{name: "org.osbuild.fail", run: func(ctx context.Context, args *stage.Args) (*stage.Output, error) {
			args.Printf("step 1 of 2")
			args.Printf("  café: permission denied")
			return nil, errors.New("exit status 1")
		}},
		Tree: t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, sandbox.Failed, res.State)

	var execErr *sandbox.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "org.osbuild.fail", execErr.Stage)
	assert.Equal(t, "step 1 of 2\n  café: permission denied\n", execErr.Diagnostics)
	assert.Equal(t, -1, execErr.ExitCode)

	var lines []string
	for _, e := range hook.AllEntries() {
		if e.Data["stream"] == "stdout" {
			lines = append(lines, e.Message)
			assert.Equal(t, "org.osbuild.fail", e.Data["stage"])
		}
	}
	assert.Equal(t, []string{"step 1 of 2", "  café: permission denied"}, lines)
}

func TestInProcessPanic(t *testing.T) {
	r, _, _ := newRunner(t, sandbox.Config{Type: sandbox.TypeInProcess})

	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage: &funcStage{name: "org.osbuild.panic", run: func(ctx context.Context, args *stage.Args) (*stage.Output, error) {
			panic("oops")
		}},
		Tree: t.TempDir(),
	})
	assert.Equal(t, sandbox.Failed, res.State)
	assert.ErrorContains(t, err, "stage panicked: oops")
}

func TestInProcessTimeout(t *testing.T) {
	r, tracker, _ := newRunner(t, sandbox.Config{
		Type:        sandbox.TypeInProcess,
		GracePeriod: time.Second,
	})

	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage: &funcStage{name: "org.osbuild.hang", run: func(ctx context.Context, args *stage.Args) (*stage.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		Tree:    t.TempDir(),
		Timeout: 50 * time.Millisecond,
	})
	assert.Equal(t, sandbox.TimedOut, res.State)
	assert.Equal(t, []sandbox.State{sandbox.Idle, sandbox.Preparing, sandbox.Running, sandbox.TimedOut}, res.Transitions)

	var timeoutErr *sandbox.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.Equal(t, 0, tracker.Live())
}

func TestCanceled(t *testing.T) {
	r, _, _ := newRunner(t, sandbox.Config{Type: sandbox.TypeInProcess})

	ctx, cancel := context.WithCancel(context.Background())
	res, err := r.Run(ctx, &sandbox.Request{
		Stage: &funcStage{name: "org.osbuild.cancel", run: func(ctx context.Context, args *stage.Args) (*stage.Output, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		Tree: t.TempDir(),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, sandbox.Failed, res.State)
}

func TestSetupFailure(t *testing.T) {
	r, tracker, _ := newRunner(t, sandbox.Config{Type: sandbox.TypeInProcess})

	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage: stages.NewSymlinkStage(),
		Tree:  filepath.Join(t.TempDir(), "missing"),
	})
	var setupErr *sandbox.SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, "org.osbuild.symlink", setupErr.Stage)
	assert.Equal(t, []sandbox.State{sandbox.Idle, sandbox.Preparing, sandbox.Failed}, res.Transitions)
	assert.Equal(t, 0, tracker.Live())
}

func TestHostStageHost(t *testing.T) {
	dir := t.TempDir()
	host := sandbox.MockStageHost(t, fmt.Sprintf(`#!/bin/sh
cat > %[1]s/request.json
env > %[1]s/env
echo "hello from stage"
echo "warning: careful" >&2
echo '{"changes":[{"path":"/link","kind":"symlink","target":"target"}]}' >&3
`, dir))

	r, tracker, _ := newRunner(t, sandbox.Config{
		Type:         sandbox.TypeHost,
		StageHost:    host,
		AllowNetwork: true,
		EnvAllow:     []string{"OSBUILD_TEST_*"},
	})

	t.Setenv("OSBUILD_TEST_VALUE", "kept")
	t.Setenv("OSBUILD_SECRET", "dropped")

	tree := t.TempDir()
	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage:   stages.NewSymlinkStage(),
		Tree:    tree,
		Options: json.RawMessage(`{"paths":[]}`),
		Meta:    map[string]string{"id": "1234"},
	})
	require.NoError(t, err)
	assert.Equal(t, sandbox.Succeeded, res.State)
	assert.Equal(t, []stage.Change{{Path: "/link", Kind: stage.ChangeSymlink, Target: "target"}}, res.Output.Changes)
	assert.Contains(t, string(res.Log), "hello from stage\n")
	assert.Contains(t, string(res.Log), "warning: careful\n")

	data, err := os.ReadFile(filepath.Join(dir, "request.json"))
	require.NoError(t, err)
	var req stage.HostRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "org.osbuild.symlink", req.Stage)
	assert.Equal(t, tree, req.Args.Tree)
	assert.JSONEq(t, `{"paths":[]}`, string(req.Args.Options))
	assert.Equal(t, "1234", req.Args.Meta["id"])

	env, err := os.ReadFile(filepath.Join(dir, "env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "OSBUILD_TEST_VALUE=kept")
	assert.NotContains(t, string(env), "OSBUILD_SECRET")
	assert.Contains(t, string(env), "PATH=/usr/sbin:/usr/bin:/sbin:/bin")

	assert.Equal(t, 0, tracker.Live())
}

func TestHostFailure(t *testing.T) {
	host := sandbox.MockStageHost(t, `#!/bin/sh
echo "Traceback (most recent call last):"
echo "  error: cannot create /usr/bin/foo" >&2
exit 2
`)
	r, tracker, _ := newRunner(t, sandbox.Config{
		Type:         sandbox.TypeHost,
		StageHost:    host,
		AllowNetwork: true,
	})

	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage: stages.NewSymlinkStage(),
		Tree:  t.TempDir(),
	})
	assert.Equal(t, sandbox.Failed, res.State)

	var execErr *sandbox.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Contains(t, execErr.Diagnostics, "Traceback (most recent call last):\n")
	assert.Contains(t, execErr.Diagnostics, "  error: cannot create /usr/bin/foo\n")
	assert.Equal(t, 0, tracker.Live())
}

func TestHostMissingOutput(t *testing.T) {
	host := sandbox.MockStageHost(t, "#!/bin/sh\nexit 0\n")
	r, _, _ := newRunner(t, sandbox.Config{Type: sandbox.TypeHost, StageHost: host, AllowNetwork: true})

	_, err := r.Run(context.Background(), &sandbox.Request{Stage: stages.NewSymlinkStage(), Tree: t.TempDir()})
	assert.ErrorContains(t, err, "stage host did not return any output")
}

func TestHostMissingBinary(t *testing.T) {
	r, tracker, _ := newRunner(t, sandbox.Config{
		Type:         sandbox.TypeHost,
		StageHost:    []string{filepath.Join(t.TempDir(), "missing")},
		AllowNetwork: true,
	})

	res, err := r.Run(context.Background(), &sandbox.Request{Stage: stages.NewSymlinkStage(), Tree: t.TempDir()})
	var setupErr *sandbox.SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, sandbox.Failed, res.State)
	assert.Equal(t, 0, tracker.Live())
}

// processAlive reports whether pid exists and is not a zombie.
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}

func TestHostTimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	host := sandbox.MockStageHost(t, fmt.Sprintf(`#!/bin/sh
trap '' TERM
sleep 60 &
echo $! > %s/child.pid
echo "started"
wait
`, dir))

	r, tracker, _ := newRunner(t, sandbox.Config{
		Type:         sandbox.TypeHost,
		StageHost:    host,
		AllowNetwork: true,
		GracePeriod:  200 * time.Millisecond,
	})

	started := time.Now()
	res, err := r.Run(context.Background(), &sandbox.Request{
		Stage:   stages.NewSymlinkStage(),
		Tree:    t.TempDir(),
		Timeout: 500 * time.Millisecond,
	})
	assert.Less(t, time.Since(started), 10*time.Second)
	assert.Equal(t, sandbox.TimedOut, res.State)

	var timeoutErr *sandbox.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Contains(t, timeoutErr.Diagnostics, "started\n")

	assert.Equal(t, 0, tracker.Live(), "leaked: %v", tracker.Resources())

	data, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 50*time.Millisecond)
}

func TestHostKillsLeftoverChildren(t *testing.T) {
	dir := t.TempDir()
	host := sandbox.MockStageHost(t, fmt.Sprintf(`#!/bin/sh
sleep 60 >/dev/null 2>&1 3>&- &
echo $! > %s/child.pid
echo '{}' >&3
`, dir))

	r, tracker, _ := newRunner(t, sandbox.Config{
		Type:         sandbox.TypeHost,
		StageHost:    host,
		AllowNetwork: true,
		GracePeriod:  200 * time.Millisecond,
	})

	res, err := r.Run(context.Background(), &sandbox.Request{Stage: stages.NewSymlinkStage(), Tree: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, sandbox.Succeeded, res.State)
	assert.Equal(t, 0, tracker.Live(), "leaked: %v", tracker.Resources())

	data, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 50*time.Millisecond)
}

func TestProcessGroupNotSignaledOnceReaped(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	g := sandbox.NewProcessGroup(cmd)
	assert.ErrorIs(t, g.Signal(unix.SIGKILL), os.ErrProcessDone)

	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	require.NoError(t, g.Signal(unix.Signal(0)))
	g.Reap()
	assert.ErrorIs(t, g.Signal(unix.SIGKILL), os.ErrProcessDone)
	assert.True(t, processAlive(cmd.Process.Pid))
}

func TestHostLimits(t *testing.T) {
	request := filepath.Join(t.TempDir(), "request.json")
	host := sandbox.MockStageHost(t, fmt.Sprintf(`#!/bin/sh
cat > %s
echo '{}' >&3
`, request))
	limits := sandbox.Limits{CPUSeconds: 120, MemoryBytes: 4 << 30}
	r, _, _ := newRunner(t, sandbox.Config{
		Type:         sandbox.TypeHost,
		StageHost:    host,
		AllowNetwork: true,
		Limits:       limits,
	})

	_, err := r.Run(context.Background(), &sandbox.Request{Stage: stages.NewSymlinkStage(), Tree: t.TempDir()})
	require.NoError(t, err)

	data, err := os.ReadFile(request)
	require.NoError(t, err)
	var req stage.HostRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "org.osbuild.symlink", req.Stage)
	assert.Equal(t, limits, req.Limits)
}
