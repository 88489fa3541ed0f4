package watch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/log"
	"github.com/ochopod/agent/pkg/metrics"
	"github.com/ochopod/agent/pkg/zkstore"
)

// Remote maintains pod-snapshot visibility into one declared dependency,
// which may resolve to a single cluster or, for a glob specifier, several.
type Remote struct {
	store      *zkstore.Store
	spec       string // as declared in depends_on
	pattern    string // "namespace.cluster", possibly containing glob metacharacters
	glob       bool
	ownCluster string // this pod's own "namespace.cluster" key, excluded from glob matches

	updates  chan Update
	failures chan string
	logger   zerolog.Logger

	dirty atomic.Bool
	last  map[string]hints.Breadcrumbs
}

// NewRemote builds a Remote watcher for one depends_on entry. spec is one
// of: an absolute cluster path ("/namespace.cluster"), a bare cluster name
// resolved within ownNamespace, or a glob over either form.
func NewRemote(store *zkstore.Store, spec, ownNamespace, ownCluster string) *Remote {
	pattern, isGlob := resolveDependencySpec(spec, ownNamespace)
	return &Remote{
		store:      store,
		spec:       spec,
		pattern:    pattern,
		glob:       isGlob,
		ownCluster: ownNamespace + "." + ownCluster,
		updates:    make(chan Update, 4),
		failures:   make(chan string, 4),
		logger:     log.WithTag(spec),
	}
}

// resolveDependencySpec turns a depends_on entry into a "namespace.cluster"
// match pattern and whether it should be treated as a glob.
func resolveDependencySpec(spec, ownNamespace string) (pattern string, isGlob bool) {
	isGlob = strings.ContainsAny(spec, "*?[")
	if strings.HasPrefix(spec, "/") {
		return spec[1:], isGlob
	}
	return ownNamespace + "." + spec, isGlob
}

func (r *Remote) Updates() <-chan Update  { return r.updates }
func (r *Remote) Failures() <-chan string { return r.failures }

// Run polls at a 1s cadence, re-arming ZooKeeper watches as they fire, until
// ctx is cancelled.
func (r *Remote) Run(ctx context.Context) error {
	r.dirty.Store(true)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.dirty.Swap(false) {
				r.refresh(ctx)
			}
		}
	}
}

func (r *Remote) refresh(ctx context.Context) {
	var merged map[string]hints.Breadcrumbs
	var err error

	if r.glob {
		merged, err = r.refreshGlob(ctx)
	} else {
		merged, err = r.refreshSingle(ctx, r.pattern)
	}

	if err != nil {
		r.logger.Warn().Err(err).Msg("remote watcher refresh failed")
		metrics.WatcherFailuresTotal.WithLabelValues(r.spec).Inc()
		nonBlockingSend(r.failures, r.spec)
		r.dirty.Store(true)
		return
	}

	if sameBreadcrumbs(r.last, merged) {
		return
	}

	r.last = merged
	nonBlockingSendUpdate(r.updates, Update{Key: r.spec, Pods: merged})
}

func (r *Remote) refreshSingle(ctx context.Context, clusterKey string) (map[string]hints.Breadcrumbs, error) {
	path := zkstore.Root + "/" + clusterKey + "/snapshot"
	data, events, err := r.store.GetW(path)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return map[string]hints.Breadcrumbs{}, nil
		}
		return nil, err
	}
	r.armWatch(events)

	var pods map[string]hints.Breadcrumbs
	if len(data) > 0 {
		if err := json.Unmarshal(data, &pods); err != nil {
			return nil, err
		}
	}
	return pods, nil
}

func (r *Remote) refreshGlob(ctx context.Context) (map[string]hints.Breadcrumbs, error) {
	keys, events, err := r.store.ChildrenW(zkstore.Root)
	if err != nil {
		return nil, err
	}
	r.armWatch(events)

	merged := map[string]hints.Breadcrumbs{}
	for _, key := range keys {
		if key == r.ownCluster {
			continue
		}
		match, err := filepath.Match(r.pattern, key)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}

		pods, err := r.refreshSingle(ctx, key)
		if err != nil {
			r.logger.Warn().Err(err).Str("cluster", key).Msg("failed reading matched dependency snapshot")
			continue
		}
		for k, v := range pods {
			merged[k] = v
		}
	}
	return merged, nil
}

// armWatch spawns a goroutine that marks the watcher dirty the moment the
// one-shot event fires, so the next tick re-reads and re-arms.
func (r *Remote) armWatch(events <-chan zk.Event) {
	go func() {
		<-events
		r.dirty.Store(true)
	}()
}
