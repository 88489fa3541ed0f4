// Package cluster implements the Clustering Model: the leader-only actor
// that aggregates local and dependency pod snapshots, damps transient
// churn, and drives the check/off/on/ok rollout protocol across every peer
// in the cluster.
package cluster

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/ochopod/agent/pkg/callback"
	"github.com/ochopod/agent/pkg/config"
	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/log"
	"github.com/ochopod/agent/pkg/metrics"
	"github.com/ochopod/agent/pkg/watch"
	"github.com/ochopod/agent/pkg/zkstore"
)

// mainTick is the Model's 1s decision loop cadence.
const mainTick = time.Second

// source is anything the Model listens to for snapshot updates: the Local
// Watcher and each Remote Watcher.
type source interface {
	Updates() <-chan watch.Update
	Failures() <-chan string
	Run(ctx context.Context) error
}

// Model is the leader-only rollout engine.
type Model struct {
	store      *zkstore.Store
	hints      *hints.Hints
	callback   callback.Model
	cfg        config.Model
	clusterKey string // "namespace.cluster"
	selfKey    string // this pod's uuid
	client     *http.Client
	logger     zerolog.Logger

	local   *watch.Local
	remotes []*watch.Remote

	snapshots map[string]map[string]hints.Breadcrumbs
	dirty     bool
	last      *hints.ClusterView
	nextProbe time.Time
	next      time.Time

	podsPath string
	hashPath string
	snapPath string

	done chan error
}

// New builds a Model bound to one pod's store session, ready to Run.
// clusterPath is the ZooKeeper path (zkstore.Root/namespace.cluster);
// namespace/clusterName identify the owning cluster for logging and for
// glob self-exclusion; selfKey is this pod's uuid.
func New(store *zkstore.Store, h *hints.Hints, cb callback.Model, cfg config.Model, clusterPath, namespace, clusterName, selfKey string) *Model {
	if cb == nil {
		cb = callback.DefaultModel{}
	}

	m := &Model{
		store:      store,
		hints:      h,
		callback:   cb,
		cfg:        cfg,
		clusterKey: namespace + "." + clusterName,
		selfKey:    selfKey,
		client:     cleanhttp.DefaultPooledClient(),
		logger:     log.WithCluster(namespace, clusterName),
		podsPath:   clusterPath + "/pods",
		hashPath:   clusterPath + "/hash",
		snapPath:   clusterPath + "/snapshot",
		snapshots:  map[string]map[string]hints.Breadcrumbs{"local": {}},
		done:       make(chan error, 1),
	}

	m.local = watch.NewLocal(store, m.podsPath)
	for _, dep := range cfg.DependsOn {
		m.snapshots[dep] = map[string]hints.Breadcrumbs{}
	}

	return m
}

// AddRemote registers a Remote Watcher for one depends_on entry. Callers
// construct the watcher (since it needs the pod's own namespace/cluster to
// resolve specifiers) and hand it to the Model.
func (m *Model) AddRemote(r *watch.Remote) {
	m.remotes = append(m.remotes, r)
}

// Done returns a channel that receives the error Run returned once the
// Model terminates (nil after a Stop()). The channel is never closed.
func (m *Model) Done() <-chan error { return m.done }

// Stop terminates the Model. Safe to call multiple times.
func (m *Model) Stop() {
	select {
	case m.done <- nil:
	default:
	}
}

// Run drives the watchers and the main decision loop until ctx is
// cancelled or a watcher failure forces a terminal error.
func (m *Model) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sources := append([]source{m.local}, remotesAsSources(m.remotes)...)
	for _, s := range sources {
		s := s
		go func() {
			if err := s.Run(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("watcher terminated")
			}
		}()
	}

	updates := mergeUpdates(sources)
	failures := mergeFailures(sources)

	m.nextProbe = time.Now()

	ticker := time.NewTicker(mainTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.done:
			return err
		case <-failures:
			return errWatcherFailure
		case u := <-updates:
			m.snapshots[u.Key] = u.Pods
			m.onSnapshotUpdate()
		case <-ticker.C:
			m.tick()
		}
	}
}

func remotesAsSources(rs []*watch.Remote) []source {
	out := make([]source, 0, len(rs))
	for _, r := range rs {
		out = append(out, r)
	}
	return out
}

func mergeUpdates(sources []source) <-chan watch.Update {
	out := make(chan watch.Update, 16)
	for _, s := range sources {
		s := s
		go func() {
			for u := range s.Updates() {
				out <- u
			}
		}()
	}
	return out
}

func mergeFailures(sources []source) <-chan string {
	out := make(chan string, 16)
	for _, s := range sources {
		s := s
		go func() {
			for f := range s.Failures() {
				out <- f
			}
		}()
	}
	return out
}

func (m *Model) onSnapshotUpdate() {
	hash, err := m.currentHash()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed computing snapshot hash")
		return
	}

	stored, err := m.store.Get(m.hashPath)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed reading stored hash")
		return
	}

	if hash == string(stored) {
		if m.dirty {
			m.dirty = false
			m.hints.SetStatus("reverted")
			return
		}
		// benign resync after a reconnect: the hash already matches, so no
		// rollout is needed, but probe() still needs a fresh view to work
		// with since the reconnect may have replaced m.snapshots wholesale.
		_ = m.publishSnapshot()
		if view, err := hints.NewClusterView(m.selfKey, m.snapshots["local"], m.dependencies()); err == nil {
			m.last = &view
		}
		return
	}

	if !m.dirty {
		m.dirty = true
		m.next = time.Now().Add(damperDuration(m.cfg.Damper))
		m.hints.SetStatus("reconfiguring")
	}
}

func damperDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func (m *Model) tick() {
	if !m.dirty && !time.Now().Before(m.nextProbe) {
		m.probe()
	}
	if m.dirty && !time.Now().Before(m.next) {
		if err := m.rollout(); err != nil {
			m.logger.Warn().Err(err).Msg("rollout failed, rescheduling")
			metrics.RolloutsTotal.WithLabelValues("failed").Inc()
			m.next = time.Now().Add(damperDuration(m.cfg.Damper))
		}
	}
}

func (m *Model) probe() {
	interval := m.cfg.ProbeEvery
	if interval <= 0 {
		interval = 60
	}
	m.nextProbe = time.Now().Add(damperDuration(interval))

	if m.last == nil {
		return
	}

	status, err := m.callback.Probe(*m.last)
	switch {
	case err != nil:
		m.hints.SetStatus("* " + err.Error())
	case status != "":
		m.hints.SetStatus(status)
	}
}

var errWatcherFailure = errors.New("cluster: watcher failure, coordinator must reset")
