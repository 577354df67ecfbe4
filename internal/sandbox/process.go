package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jbtrystram/osbuild/internal/stage"
)

// resultFD is the file descriptor the stage host writes its output to.
// Stdout and stderr are reserved for diagnostics.
const resultFD = 3

// processBackend runs stages through a stage host subprocess, in its own
// process group, with a filtered environment. The stage host applies the
// resource limits to itself. With
// wrap set, the stage host is started inside the command wrap builds.
type processBackend struct {
	stageHost    []string
	gracePeriod  time.Duration
	allowNetwork bool
	env          *envFilter
	limits       Limits
	tracker      *Tracker
	wrap         func(argv []string, req *Request, network bool) (*wrappedCommand, error)
}

// wrappedCommand is the command line running the stage host inside an
// isolation tool, with the paths the stage sees inside it.
type wrappedCommand struct {
	argv   []string
	tree   string
	inputs map[string]string
}

type processExecution struct {
	backend *processBackend
	name    string
	argv    []string
	env     []string
	network bool
	payload []byte

	stdout, stderr *lineWriter

	resultR, resultW *os.File
	releasePipe      func()
}

func (b *processBackend) prepare(req *Request, log *capture) (execution, error) {
	network := req.Network || b.allowNetwork

	argv := b.stageHost
	args := stage.Args{
		Tree:    req.Tree,
		Options: req.Options,
		Inputs:  req.Inputs,
		Meta:    req.Meta,
	}
	if b.wrap != nil {
		w, err := b.wrap(b.stageHost, req, network)
		if err != nil {
			return nil, err
		}
		argv = w.argv
		args.Tree = w.tree
		args.Inputs = w.inputs
	}

	payload, err := json.Marshal(stage.HostRequest{
		Stage:  req.Stage.Name(),
		Args:   args,
		Limits: b.limits,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot encode stage request: %w", err)
	}

	// the stage host writes its result to a pipe passed as fd 3
	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("cannot create pipe for stage result: %w", err)
	}

	return &processExecution{
		backend:     b,
		name:        req.Stage.Name(),
		argv:        argv,
		env:         b.env.filter(os.Environ()),
		network:     network,
		payload:     payload,
		stdout:      log.stream("stdout"),
		stderr:      log.stream("stderr"),
		resultR:     resultR,
		resultW:     resultW,
		releasePipe: b.tracker.Acquire("pipe", req.Stage.Name()),
	}, nil
}

func (e *processExecution) run(ctx context.Context) (*stage.Output, error) {
	defer e.releasePipe()
	defer e.resultR.Close()
	defer e.resultW.Close()

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Dir = "/"
	cmd.Env = e.env
	cmd.Stdin = bytes.NewReader(e.payload)
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr
	cmd.ExtraFiles = []*os.File{e.resultW}
	cmd.SysProcAttr = e.sysProcAttr()

	// signal the whole process group, so that no child of the stage
	// survives it
	group := &processGroup{cmd: cmd}
	gracePeriod := e.backend.gracePeriod
	var killTimer *time.Timer
	cmd.Cancel = func() error {
		if err := group.signal(unix.SIGTERM); err != nil {
			return group.signal(unix.SIGKILL)
		}
		killTimer = time.AfterFunc(gracePeriod, func() {
			_ = group.signal(unix.SIGKILL)
		})
		return nil
	}
	// bounds the wait for a stage that ignores SIGTERM or leaves its
	// output pipes open
	cmd.WaitDelay = gracePeriod

	if err := cmd.Start(); err != nil {
		return nil, &SetupError{Stage: e.name, Err: fmt.Errorf("cannot start stage host: %w", err)}
	}
	pid := cmd.Process.Pid
	releaseGroup := e.backend.tracker.Acquire("process-group", strconv.Itoa(pid))
	defer releaseGroup()

	// only the child keeps the write end open
	e.resultW.Close()

	resultCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(e.resultR)
		resultCh <- data
	}()

	// the unreaped stage host keeps its pid, and with it the group id,
	// from being reused
	if err := waitExited(pid); err == nil {
		// whatever the stage left behind in its group
		_ = group.signal(unix.SIGKILL)
	}
	group.reap()
	waitErr := cmd.Wait()
	if killTimer != nil {
		killTimer.Stop()
	}
	e.stdout.Flush()
	e.stderr.Flush()

	var data []byte
	select {
	case data = <-resultCh:
	case <-time.After(gracePeriod):
		// a process outside the group still holds the pipe
		e.resultR.Close()
		data = <-resultCh
	}

	if waitErr != nil {
		return nil, waitErr
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("stage host did not return any output")
	}
	var out stage.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("error decoding stage output: %w\nraw output:\n%s", err, data)
	}
	return &out, nil
}

// processGroup signals the process group led by a stage host. The group
// id is the pid of the stage host, which is free for reuse once the stage
// host has been reaped: from then on signals are not sent.
type processGroup struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	reaped bool
}

func (g *processGroup) signal(sig unix.Signal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reaped || g.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return unix.Kill(-g.cmd.Process.Pid, sig)
}

// reap must be called before the stage host is waited for.
func (g *processGroup) reap() {
	g.mu.Lock()
	g.reaped = true
	g.mu.Unlock()
}

// waitExited blocks until the process pid has exited, leaving it
// unreaped.
func waitExited(pid int) error {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (e *processExecution) sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if e.network || e.backend.wrap != nil {
		// wrapped commands set up their own namespaces
		return attr
	}

	// a fresh network namespace has nothing but a loopback device that is
	// down; creating one requires a user namespace when unprivileged
	uid, gid := os.Getuid(), os.Getgid()
	attr.Cloneflags = unix.CLONE_NEWUSER | unix.CLONE_NEWNET
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	return attr
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
