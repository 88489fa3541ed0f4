// Package coordinator implements the per-pod Coordinator: the actor that
// owns the ephemeral pod registration, contends for cluster leadership, and
// starts/stops a Clustering Model instance while it holds the lock.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/ochopod/agent/pkg/actor"
	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/log"
	"github.com/ochopod/agent/pkg/metrics"
	"github.com/ochopod/agent/pkg/zkstore"
)

// lockTimeout bounds each attempt at the /coordinator lock.
const lockTimeout = 5 * time.Second

// resetPause is how long reset() waits before looping back to initial.
const resetPause = 2 * time.Second

// ModelFactory starts a Clustering Model bound to a live store and hints
// record. It returns a channel that receives one value (nil or an error)
// when the Model terminates, and a stop function the Coordinator
// calls to tear it down deliberately.
type ModelFactory func(ctx context.Context, store *zkstore.Store, h *hints.Hints) (done <-chan error, stop func())

// resetRequest is posted to the Machine's Inbox by the control surface's
// /reset handler.
type resetRequest struct{}

// Coordinator drives one pod's registration and leadership lifecycle.
type Coordinator struct {
	ensemble       []string
	sessionTimeout time.Duration
	namespace      string
	cluster        string
	uuid           string
	template       hints.Breadcrumbs
	hints          *hints.Hints
	startModel     ModelFactory
	machine        *actor.Machine
	logger         zerolog.Logger

	clusterPath string
	podsPath    string
	hashPath    string
	lockPath    string

	store       *zkstore.Store
	conn        zkstore.Listener
	lock        *zkstore.Lock
	seq         int
	seqAssigned bool
	podPath     string
	modelStop   func()
	modelDone   <-chan error
}

// New creates a Coordinator for the given pod identity. template carries
// every Breadcrumbs field except Seq, which the Coordinator assigns itself
// on first successful registration and preserves across resets.
func New(ensemble []string, sessionTimeout time.Duration, uuid string, template hints.Breadcrumbs, h *hints.Hints, startModel ModelFactory) *Coordinator {
	clusterPath := fmt.Sprintf("%s/%s.%s", zkstore.Root, template.Namespace, template.Cluster)
	return &Coordinator{
		ensemble:       ensemble,
		sessionTimeout: sessionTimeout,
		namespace:      template.Namespace,
		cluster:        template.Cluster,
		uuid:           uuid,
		template:       template,
		hints:          h,
		startModel:     startModel,
		machine:        actor.NewMachine(),
		logger:         log.WithCluster(template.Namespace, template.Cluster),
		clusterPath:    clusterPath,
		podsPath:       clusterPath + "/pods",
		hashPath:       clusterPath + "/hash",
		lockPath:       clusterPath + "/coordinator",
	}
}

// Run drives the state machine until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.machine.Run(ctx, c.initial)
}

// Reset requests the machine tear down and rejoin, as the /reset control
// endpoint does. It does not block for the reset to complete.
func (c *Coordinator) Reset() {
	c.machine.Post(resetRequest{}, 100*time.Millisecond)
}

func (c *Coordinator) initial(ctx context.Context) (actor.Step, time.Duration, error) {
	store, err := zkstore.Connect(c.ensemble, c.sessionTimeout)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to open zookeeper session")
		metrics.UpdateComponent("zookeeper", false, err.Error())
		return c.reset, resetPause, nil
	}

	c.store = store
	c.conn = store.Subscribe()
	return c.waitForCnx, 0, nil
}

func (c *Coordinator) waitForCnx(ctx context.Context) (actor.Step, time.Duration, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case t, ok := <-c.conn:
			if !ok {
				return c.reset, 0, nil
			}
			if t.State != zkstore.StateConnected {
				continue
			}
		}
		break
	}

	if err := c.store.EnsurePath(c.podsPath); err != nil {
		c.logger.Warn().Err(err).Msg("could not ensure /pods path")
		return c.reset, 0, nil
	}
	if err := c.store.EnsurePath(c.hashPath); err != nil {
		c.logger.Warn().Err(err).Msg("could not ensure /hash path")
		return c.reset, 0, nil
	}

	if err := c.register(); err != nil {
		if errors.Is(err, errRegistrationCollision) {
			c.logger.Debug().Msg("registration node still held by prior session, retrying")
			return c.waitForCnxRetry, 500 * time.Millisecond, nil
		}
		c.logger.Warn().Err(err).Msg("registration failed")
		metrics.UpdateComponent("zookeeper", false, err.Error())
		return c.reset, 0, nil
	}

	metrics.UpdateComponent("zookeeper", true, "connected")
	c.hints.SetState(hints.StateFollower)
	return c.spin, 0, nil
}

// waitForCnxRetry re-attempts registration without re-waiting on a fresh
// "connected" transition, since the session is already up; it only exists
// to retry past a stale ephemeral node left by a not-yet-expired prior
// session.
func (c *Coordinator) waitForCnxRetry(ctx context.Context) (actor.Step, time.Duration, error) {
	if err := c.register(); err != nil {
		if errors.Is(err, errRegistrationCollision) {
			return c.waitForCnxRetry, 500 * time.Millisecond, nil
		}
		c.logger.Warn().Err(err).Msg("registration failed")
		metrics.UpdateComponent("zookeeper", false, err.Error())
		return c.reset, 0, nil
	}
	metrics.UpdateComponent("zookeeper", true, "connected")
	c.hints.SetState(hints.StateFollower)
	return c.spin, 0, nil
}

var errRegistrationCollision = errors.New("coordinator: registration node still present")

// register creates (or re-creates) this pod's ephemeral node. The first
// registration ever performed uses an ephemeral-sequential node so ZooKeeper
// assigns the seq; every later registration -- across Coordinator resets --
// reuses that seq at a deterministic path, so a peer that depends on pod
// ordinality never sees it change.
func (c *Coordinator) register() error {
	bc := c.template
	bc.Seq = c.seq
	data, err := json.Marshal(bc)
	if err != nil {
		return fmt.Errorf("coordinator: marshal breadcrumbs: %w", err)
	}

	if !c.seqAssigned {
		path, err := c.store.CreateEphemeralSequential(c.podsPath+"/"+c.uuid+".", data)
		if err != nil {
			return fmt.Errorf("coordinator: create registration: %w", err)
		}
		seq, err := parseSeqSuffix(path, c.podsPath+"/"+c.uuid+".")
		if err != nil {
			return err
		}
		c.seq = seq
		c.seqAssigned = true
		c.podPath = path
		c.hints.SetSeq(seq)
		return nil
	}

	path := regPath(c.podsPath, c.uuid, c.seq)
	if err := c.store.CreateEphemeralExclusive(path, data); err != nil {
		if errors.Is(err, zk.ErrNodeExists) {
			return errRegistrationCollision
		}
		return fmt.Errorf("coordinator: create registration: %w", err)
	}
	c.podPath = path
	return nil
}

func regPath(podsPath, uuid string, seq int) string {
	return fmt.Sprintf("%s/%s.%010d", podsPath, uuid, seq)
}

func parseSeqSuffix(path, prefix string) (int, error) {
	if !strings.HasPrefix(path, prefix) {
		return 0, fmt.Errorf("coordinator: unexpected registration path %q", path)
	}
	suffix := path[len(prefix):]
	seq, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("coordinator: parsing sequence from %q: %w", path, err)
	}
	return seq, nil
}

func (c *Coordinator) spin(ctx context.Context) (actor.Step, time.Duration, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case msg := <-c.machine.Inbox:
		if _, ok := msg.(resetRequest); ok {
			return c.reset, 0, nil
		}
	default:
	}

	lock := c.store.NewLock(c.lockPath)
	err := lock.Acquire(lockTimeout)
	switch {
	case err == nil:
		c.lock = lock
		return c.startController, 0, nil
	case errors.Is(err, zkstore.ErrLockTimeout):
		return c.spin, 0, nil
	case errors.Is(err, zkstore.ErrDisconnected):
		return c.reset, 0, nil
	default:
		c.logger.Warn().Err(err).Msg("lock acquisition failed")
		return c.reset, time.Second, nil
	}
}

func (c *Coordinator) startController(ctx context.Context) (actor.Step, time.Duration, error) {
	done, stop := c.startModel(ctx, c.store, c.hints)
	c.modelDone = done
	c.modelStop = stop
	c.hints.SetState(hints.StateLeader)
	c.logger.Info().Msg("acquired coordinator lock, clustering model started")
	return c.lockState, 0, nil
}

// lockState (named to avoid colliding with the Lock field) blocks on the
// Model's termination, an external reset request, or a connection event
// other than "connected".
func (c *Coordinator) lockState(ctx context.Context) (actor.Step, time.Duration, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case err := <-c.modelDone:
		if err != nil {
			c.logger.Warn().Err(err).Msg("clustering model terminated with error")
		}
		return c.reset, 0, nil
	case msg := <-c.machine.Inbox:
		if _, ok := msg.(resetRequest); ok {
			return c.reset, 0, nil
		}
		return c.lockState, 0, nil
	case t, ok := <-c.conn:
		if !ok || t.State != zkstore.StateConnected {
			return c.reset, 0, nil
		}
		return c.lockState, 0, nil
	}
}

func (c *Coordinator) reset(ctx context.Context) (actor.Step, time.Duration, error) {
	metrics.UpdateComponent("zookeeper", false, "resetting")
	if c.modelStop != nil {
		c.modelStop()
		c.modelStop = nil
	}
	if c.lock != nil {
		_ = c.lock.Release()
		c.lock = nil
	}
	if c.store != nil {
		if c.conn != nil {
			c.store.Unsubscribe(c.conn)
			c.conn = nil
		}
		c.store.Close()
		c.store = nil
	}
	c.hints.SetState(hints.StateFollower)
	c.podPath = ""
	return c.initial, resetPause, nil
}
