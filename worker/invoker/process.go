package invoker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-sessions/common/proto"
	"github.com/scusemua/distributed-sessions/common/utils"
)

// ProcessInvoker runs a backend as a plain child process on the worker host.
// Mostly useful for development and tests, where a container runtime is more
// machinery than the job needs.
type ProcessInvoker struct {
	command       string
	advertiseHost string

	cmd      *exec.Cmd
	doneChan chan struct{}
	exitErr  error

	started int32
	closed  int32

	log logger.Logger
}

// NewProcessInvoker creates a new ProcessInvoker struct and returns a pointer
// to it. The command is the executable launched per backend; the advertise
// host is how the gateway reaches the backend's port on this machine.
func NewProcessInvoker(command string, advertiseHost string) (Invoker, error) {
	if command == "" {
		return nil, errors.New("the process invoker requires a backend command")
	}

	ivk := &ProcessInvoker{
		command:       command,
		advertiseHost: advertiseHost,
		doneChan:      make(chan struct{}),
	}
	config.InitLogger(&ivk.log, ivk)

	return ivk, nil
}

func (ivk *ProcessInvoker) InvokeWithContext(_ context.Context, spec *proto.BackendSpec, port int) (string, error) {
	if !atomic.CompareAndSwapInt32(&ivk.started, 0, 1) {
		return "", ErrAlreadyStarted
	}

	cmd := exec.Command(ivk.command)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("BACKEND_ID=%s", spec.BackendID),
		fmt.Sprintf("SESSION_KEY=%s", spec.Key),
		fmt.Sprintf("PORT=%d", port))
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "failed to launch backend %s via \"%s\"", spec.BackendID, ivk.command)
	}

	ivk.cmd = cmd

	go func() {
		ivk.exitErr = cmd.Wait()
		close(ivk.doneChan)
	}()

	address := utils.JoinHostPort(ivk.advertiseHost, port)
	ivk.log.Info("Launched backend %s as pid %d; serving at %s.", spec.BackendID, cmd.Process.Pid, address)

	return address, nil
}

func (ivk *ProcessInvoker) Status(_ context.Context) (BackendStatus, error) {
	if atomic.LoadInt32(&ivk.started) == 0 {
		return StatusInitializing, ErrNotStarted
	}

	select {
	case <-ivk.doneChan:
		if ivk.exitErr != nil {
			return StatusFailed, nil
		}
		return StatusExited, nil
	default:
		return StatusRunning, nil
	}
}

func (ivk *ProcessInvoker) Shutdown(_ context.Context, grace time.Duration) error {
	if atomic.LoadInt32(&ivk.started) == 0 {
		return ErrNotStarted
	}

	if err := ivk.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	select {
	case <-ivk.doneChan:
		return nil
	case <-time.After(grace):
		ivk.log.Warn("Backend process %d ignored SIGTERM for %v.", ivk.cmd.Process.Pid, grace)
		return nil
	}
}

func (ivk *ProcessInvoker) Close() error {
	if !atomic.CompareAndSwapInt32(&ivk.closed, 0, 1) {
		return nil
	}

	if atomic.LoadInt32(&ivk.started) == 1 {
		select {
		case <-ivk.doneChan:
			// Already exited.
		default:
			_ = ivk.cmd.Process.Kill()
		}
	}

	return nil
}
