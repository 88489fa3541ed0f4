// Package lifecycle implements the Lifecycle Executor: a per-pod,
// FIFO-serialized state machine that supervises exactly one child process
// and answers check/on/off/ok/kill/signal requests from the Control Surface
// and, indirectly, the leader's rollout protocol.
package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/agent/pkg/actor"
	"github.com/ochopod/agent/pkg/callback"
	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/log"
	"github.com/ochopod/agent/pkg/metrics"
)

// Task names accepted on the command queue, matching the Control Surface's
// /control/<task> routes.
type Task string

const (
	TaskCheck  Task = "check"
	TaskOn     Task = "on"
	TaskOff    Task = "off"
	TaskOk     Task = "ok"
	TaskKill   Task = "kill"
	TaskSignal Task = "signal"
)

// Reply is what a Command's Latch receives once the Executor has processed
// it.
type Reply struct {
	Code int
	Body []byte
}

// Command is one FIFO queue entry.
type Command struct {
	Task    Task
	View    hints.ClusterView
	Payload []byte
	Latch   chan Reply
}

// defaultSanityInterval is the once-a-minute cadence used when a callback
// doesn't otherwise dictate one.
const defaultSanityInterval = 60 * time.Second

// defaultCredit is how many consecutive sanity_check() failures it takes
// before the Executor enqueues "off" for the child.
const defaultCredit = 3

// Options configures an Executor.
type Options struct {
	LifeCycle      callback.LifeCycle
	Grace          time.Duration // how long tear_down() is given before a forceful kill
	Soft           bool          // if true, a child that outlives Grace is leaked rather than force-killed
	Start          bool          // ochopod_start: if false, "on" runs configure() but spawns no child unless one was spawned before
	Strict         bool          // if true, an "on" always resets a running child
	Shell          bool          // if true, the configured command line runs through /bin/sh -c instead of being exec'd directly
	SanityInterval time.Duration
	Credit         int
}

// Executor drives the child-process state machine.
type Executor struct {
	opts    Options
	hints   *hints.Hints
	queue   chan Command
	machine *actor.Machine
	logger  zerolog.Logger

	cmd             *exec.Cmd
	initialized     bool
	everSpawned     bool
	lastDeps        map[string]map[string]hints.Breadcrumbs
	credit          int
	nextSanityCheck time.Time
	terminating     bool

	pendingCmd    *Command
	pendingResume func(Command) actor.Step
}

// New creates an Executor for a given pod's callbacks and Hints record.
func New(h *hints.Hints, opts Options) *Executor {
	if opts.Grace <= 0 {
		opts.Grace = 60 * time.Second
	}
	if opts.SanityInterval <= 0 {
		opts.SanityInterval = defaultSanityInterval
	}
	if opts.Credit <= 0 {
		opts.Credit = defaultCredit
	}
	return &Executor{
		opts:    opts,
		hints:   h,
		queue:   make(chan Command, 64),
		machine: actor.NewMachine(),
		logger:  log.WithComponent("lifecycle"),
		credit:  opts.Credit,
	}
}

// Enqueue submits a command and returns its reply channel. The caller reads
// exactly one Reply from the returned channel, or times out waiting for one.
func (e *Executor) Enqueue(task Task, view hints.ClusterView, payload []byte) chan Reply {
	latch := make(chan Reply, 1)
	e.queue <- Command{Task: task, View: view, Payload: payload, Latch: latch}
	metrics.ExecutorQueueDepth.Set(float64(len(e.queue)))
	return latch
}

// Terminate requests the machine exit once its current child is torn down.
func (e *Executor) Terminate() {
	e.terminating = true
}

// Run drives the Executor until ctx is cancelled or the machine reaches its
// terminal state.
func (e *Executor) Run(ctx context.Context) error {
	e.hints.SetProcess(hints.ProcessStopped)
	metrics.UpdateComponent("executor", true, "running")
	err := e.machine.Run(ctx, e.spin)
	metrics.UpdateComponent("executor", false, "stopped")
	return err
}

func (e *Executor) enqueueSelf(task Task) {
	e.queue <- Command{Task: task, Latch: make(chan Reply, 1)}
}

func (e *Executor) spin(ctx context.Context) (actor.Step, time.Duration, error) {
	if e.terminating && e.cmd == nil {
		return nil, 0, nil
	}

	select {
	case cmd := <-e.queue:
		metrics.ExecutorQueueDepth.Set(float64(len(e.queue)))
		return e.dispatch(cmd), 0, nil
	default:
	}

	if e.cmd == nil {
		return e.spin, 250 * time.Millisecond, nil
	}

	exited, code, err := e.poll()
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed polling child process")
	}
	if exited {
		if code == 0 {
			e.logger.Info().Msg("child exited cleanly, pod terminating")
			e.enqueueSelf(TaskKill)
			return e.spin, 0, nil
		}
		e.logger.Warn().Int("code", code).Msg("child exited non-zero, recycling")
		metrics.ChildRestartsTotal.Inc()
		e.cmd = nil
		e.hints.SetProcess(hints.ProcessStopped)
		e.enqueueSelf(TaskOff)
		e.enqueueSelf(TaskOn)
		return e.spin, 0, nil
	}

	if e.opts.LifeCycle != nil && !time.Now().Before(e.nextSanityCheck) {
		e.runSanityCheck()
	}

	return e.spin, 250 * time.Millisecond, nil
}

func (e *Executor) poll() (exited bool, code int, err error) {
	if e.cmd == nil || e.cmd.Process == nil {
		return false, 0, nil
	}

	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(e.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if err != nil {
		return false, 0, err
	}
	if pid == 0 {
		return false, 0, nil
	}
	return true, ws.ExitStatus(), nil
}

func (e *Executor) runSanityCheck() {
	e.nextSanityCheck = time.Now().Add(e.opts.SanityInterval)
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}

	m, err := e.opts.LifeCycle.SanityCheck(e.cmd.Process.Pid)
	if err != nil {
		metrics.SanityCheckFailuresTotal.Inc()
		e.credit--
		metrics.HealthCreditRemaining.Set(float64(e.credit))
		e.logger.Warn().Err(err).Int("credit", e.credit).Msg("sanity check unhealthy")
		metrics.UpdateComponent("executor", false, "sanity check failing")
		if e.credit <= 0 {
			e.credit = e.opts.Credit
			e.enqueueSelf(TaskOff)
		}
		return
	}

	metrics.UpdateComponent("executor", true, "running")

	e.credit = e.opts.Credit
	metrics.HealthCreditRemaining.Set(float64(e.credit))
	e.hints.SetMetrics(m)
}

func (e *Executor) dispatch(cmd Command) actor.Step {
	switch cmd.Task {
	case TaskCheck:
		return e.handleCheck(cmd)
	case TaskOn:
		return e.handleOn(cmd)
	case TaskOff:
		return e.handleOff(cmd)
	case TaskOk:
		return e.handleOk(cmd)
	case TaskKill:
		return e.handleKill(cmd)
	case TaskSignal:
		return e.handleSignal(cmd)
	default:
		reply(cmd, 400, nil)
		return e.spin
	}
}

func (e *Executor) handleCheck(cmd Command) actor.Step {
	if e.opts.LifeCycle == nil {
		reply(cmd, 200, nil)
		return e.spin
	}
	if err := e.opts.LifeCycle.CanConfigure(cmd.View); err != nil {
		reply(cmd, 406, []byte(err.Error()))
	} else {
		reply(cmd, 200, nil)
	}
	return e.spin
}

func (e *Executor) handleOn(cmd Command) actor.Step {
	depsChanged := !sameDeps(e.lastDeps, cmd.View.Dependencies)

	if e.cmd != nil {
		if e.opts.Strict || depsChanged {
			return e.resetThen(cmd, func(c Command) actor.Step { return e.handleOn(c) })
		}
		reply(cmd, 200, nil)
		return e.spin
	}

	if e.opts.LifeCycle == nil {
		reply(cmd, 406, []byte("no lifecycle configured"))
		return e.spin
	}

	if !e.initialized {
		if err := e.opts.LifeCycle.Initialize(); err != nil {
			reply(cmd, 406, []byte(err.Error()))
			e.enqueueSelf(TaskKill)
			return e.spin
		}
		e.initialized = true
	}

	command, env, err := e.opts.LifeCycle.Configure(cmd.View)
	if err != nil {
		reply(cmd, 406, []byte(err.Error()))
		e.enqueueSelf(TaskKill)
		return e.spin
	}

	e.lastDeps = cmd.View.Dependencies

	if !e.opts.Start && !e.everSpawned {
		reply(cmd, 200, nil)
		return e.spin
	}

	if err := e.spawn(command, env); err != nil {
		reply(cmd, 406, []byte(err.Error()))
		e.enqueueSelf(TaskKill)
		return e.spin
	}

	e.everSpawned = true
	reply(cmd, 200, nil)
	return e.spin
}

func (e *Executor) handleOff(cmd Command) actor.Step {
	if e.cmd == nil {
		reply(cmd, 200, nil)
		return e.spin
	}
	return e.resetThen(cmd, func(c Command) actor.Step {
		reply(c, 200, nil)
		return e.spin
	})
}

func (e *Executor) handleOk(cmd Command) actor.Step {
	if e.opts.LifeCycle == nil {
		reply(cmd, 200, nil)
		return e.spin
	}
	if err := e.opts.LifeCycle.Configured(cmd.View); err != nil {
		reply(cmd, 500, []byte(err.Error()))
	} else {
		reply(cmd, 200, nil)
	}
	return e.spin
}

func (e *Executor) handleKill(cmd Command) actor.Step {
	if e.cmd != nil {
		return e.resetThen(cmd, func(c Command) actor.Step {
			e.finalize(c)
			return e.spin
		})
	}
	e.finalize(cmd)
	return e.spin
}

func (e *Executor) finalize(cmd Command) {
	if e.opts.LifeCycle != nil {
		_ = e.opts.LifeCycle.Finalize()
	}
	e.hints.SetProcess(hints.ProcessDead)
	e.terminating = true
	reply(cmd, 200, nil)
}

func (e *Executor) handleSignal(cmd Command) actor.Step {
	if e.opts.LifeCycle == nil {
		reply(cmd, 500, []byte("no lifecycle configured"))
		return e.spin
	}
	body, err := e.opts.LifeCycle.Signaled(cmd.Payload, e.cmd)
	if err != nil {
		reply(cmd, 500, []byte(err.Error()))
		return e.spin
	}
	reply(cmd, 200, body)
	return e.spin
}

// resetThen tears the running child down and, once its exit is observed (or
// the grace period elapses), hands cmd to onDone to finish processing. It
// implements every "off; <something>" chain: off's own reply, on's
// reconfigure-after-kill, and kill's finalize.
func (e *Executor) resetThen(cmd Command, onDone func(Command) actor.Step) actor.Step {
	e.hints.SetProcess(hints.ProcessTerminating)

	if e.opts.LifeCycle != nil {
		if err := e.opts.LifeCycle.TearDown(e.cmd); err != nil {
			e.logger.Warn().Err(err).Msg("tear_down failed")
		}
	}

	e.pendingCmd = &cmd
	e.pendingResume = onDone
	return e.waitForTermination(time.Now().Add(e.opts.Grace))
}

func (e *Executor) waitForTermination(deadline time.Time) actor.Step {
	return func(ctx context.Context) (actor.Step, time.Duration, error) {
		exited, _, err := e.poll()
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed polling terminating child")
		}

		if !exited && time.Now().After(deadline) {
			if e.opts.Soft {
				e.logger.Warn().Msg("grace period elapsed, leaking child per soft termination")
				exited = true
			} else if e.cmd != nil && e.cmd.Process != nil {
				_ = e.cmd.Process.Signal(syscall.SIGKILL)
			}
		}

		if !exited {
			return e.waitForTermination(deadline), 200 * time.Millisecond, nil
		}

		e.cmd = nil
		e.hints.SetProcess(hints.ProcessStopped)

		cmd := *e.pendingCmd
		resume := e.pendingResume
		e.pendingCmd = nil
		e.pendingResume = nil
		return resume(cmd), 0, nil
	}
}

func (e *Executor) spawn(command string, env map[string]string) error {
	var cmd *exec.Cmd
	if e.opts.Shell {
		if strings.TrimSpace(command) == "" {
			return fmt.Errorf("lifecycle: empty command line")
		}
		cmd = exec.Command("/bin/sh", "-c", command)
	} else {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			return fmt.Errorf("lifecycle: empty command line")
		}
		cmd = exec.Command(parts[0], parts[1:]...)
	}

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("lifecycle: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("lifecycle: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("lifecycle: spawn: %w", err)
	}

	go pipeOutput(e.logger, "stdout", stdout)
	go pipeOutput(e.logger, "stderr", stderr)

	e.cmd = cmd
	e.credit = e.opts.Credit
	e.hints.SetProcess(hints.ProcessRunning)
	e.nextSanityCheck = time.Now().Add(e.opts.SanityInterval)
	return nil
}

// pipeOutput forwards the child's stdout/stderr into our own log stream
// line by line, so nothing is lost even though we never attach a terminal.
func pipeOutput(logger zerolog.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug().Str("stream", stream).Msg(scanner.Text())
	}
}

func sameDeps(a, b map[string]map[string]hints.Breadcrumbs) bool {
	if len(a) != len(b) {
		return false
	}
	for dep, pods := range a {
		other, ok := b[dep]
		if !ok || len(other) != len(pods) {
			return false
		}
		for uuid := range pods {
			if _, ok := other[uuid]; !ok {
				return false
			}
		}
	}
	return true
}

func reply(cmd Command, code int, body []byte) {
	select {
	case cmd.Latch <- Reply{Code: code, Body: body}:
	default:
	}
}
