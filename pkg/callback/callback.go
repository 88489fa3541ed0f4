// Package callback defines the user-extensible capability set a pod script
// implements: a clustering Model hook (Probe) and a LifeCycle hook set
// (Configure, CanConfigure, Configured, SanityCheck, Signaled, Initialize,
// Finalize, TearDown). Only Configure is mandatory; every other method has
// a default no-op implementation embedders can leave untouched.
package callback

import (
	"os/exec"

	"github.com/ochopod/agent/pkg/hints"
)

// Model is the clustering-model capability: assessing overall cluster
// health once it is configured.
type Model interface {
	// Probe is invoked at regular intervals by the leader. Returning a
	// non-empty string sets the pod's status to it; an error sets the
	// status to "* <error>".
	Probe(view hints.ClusterView) (string, error)
}

// LifeCycle is the per-pod capability set driving the supervised child
// process.
type LifeCycle interface {
	// Initialize runs once, the first time the pod is ever configured.
	Initialize() error

	// CanConfigure gates the pre-check phase; returning an error makes this
	// pod answer HTTP 406, which aborts the leader's whole rollout attempt.
	CanConfigure(view hints.ClusterView) error

	// Configure is the only mandatory callback: it returns the command
	// line to run and a set of environment variable overrides.
	Configure(view hints.ClusterView) (command string, env map[string]string, err error)

	// Configured runs once configuration succeeded on every pod.
	Configured(view hints.ClusterView) error

	// SanityCheck runs periodically against the live child process pid.
	// Returning metrics replaces the pod's published metrics map;
	// returning an error consumes one health credit.
	SanityCheck(pid int) (map[string]any, error)

	// Finalize runs once, right before the pod idles after /control/kill.
	Finalize() error

	// Signaled handles an arbitrary /control/signal request.
	Signaled(payload []byte, proc *exec.Cmd) (response []byte, err error)

	// TearDown terminates the running child process. The default
	// implementation sends a polite termination signal (SIGTERM);
	// embedders may override for a different shutdown protocol.
	TearDown(proc *exec.Cmd) error
}

// DefaultModel implements Probe as a pass-through no-op.
type DefaultModel struct{}

func (DefaultModel) Probe(hints.ClusterView) (string, error) { return "", nil }

// DefaultLifeCycle implements every optional LifeCycle method as a no-op
// (or, for TearDown, the default SIGTERM). Embed it and override Configure
// and whichever other hooks matter.
type DefaultLifeCycle struct{}

func (DefaultLifeCycle) Initialize() error                                    { return nil }
func (DefaultLifeCycle) CanConfigure(hints.ClusterView) error                  { return nil }
func (DefaultLifeCycle) Configured(hints.ClusterView) error                   { return nil }
func (DefaultLifeCycle) SanityCheck(int) (map[string]any, error)              { return nil, nil }
func (DefaultLifeCycle) Finalize() error                                      { return nil }
func (DefaultLifeCycle) Signaled([]byte, *exec.Cmd) ([]byte, error)           { return nil, nil }

func (DefaultLifeCycle) TearDown(proc *exec.Cmd) error {
	if proc == nil || proc.Process == nil {
		return nil
	}
	return proc.Process.Signal(terminationSignal)
}
