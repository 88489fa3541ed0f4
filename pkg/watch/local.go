// Package watch implements the Local and Remote Watchers: the two sources
// of pod-membership snapshots the Clustering Model reacts to.
package watch

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/log"
	"github.com/ochopod/agent/pkg/metrics"
	"github.com/ochopod/agent/pkg/zkstore"
)

// tick is the polling cadence for both local and remote watchers.
const tick = time.Second

// Update is emitted whenever a watcher's computed pod map differs from the
// last one it sent.
type Update struct {
	Key  string
	Pods map[string]hints.Breadcrumbs
}

// Local polls the owning cluster's own /pods children.
type Local struct {
	store    *zkstore.Store
	podsPath string
	updates  chan Update
	failures chan string
	logger   zerolog.Logger
	last     map[string]hints.Breadcrumbs
}

// NewLocal creates a Local watcher bound to a cluster's /pods node.
func NewLocal(store *zkstore.Store, podsPath string) *Local {
	return &Local{
		store:    store,
		podsPath: podsPath,
		updates:  make(chan Update, 4),
		failures: make(chan string, 4),
		logger:   log.WithComponent("local-watcher"),
	}
}

// Updates delivers a new snapshot whenever the computed pod map changes.
func (l *Local) Updates() <-chan Update { return l.updates }

// Failures delivers a notice whenever a read fails; the Model treats this as
// a signal to reset.
func (l *Local) Failures() <-chan string { return l.failures }

// Run polls at a 1s cadence until ctx is cancelled.
func (l *Local) Run(ctx context.Context) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.poll()
		}
	}
}

func (l *Local) poll() {
	children, err := l.store.Children(l.podsPath)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to list /pods")
		metrics.WatcherFailuresTotal.WithLabelValues("local").Inc()
		nonBlockingSend(l.failures, "local")
		return
	}

	pods := make(map[string]hints.Breadcrumbs, len(children))
	for _, child := range children {
		data, err := l.store.Get(l.podsPath + "/" + child)
		if err != nil {
			l.logger.Warn().Err(err).Str("child", child).Msg("failed to read pod node")
			metrics.WatcherFailuresTotal.WithLabelValues("local").Inc()
			nonBlockingSend(l.failures, "local")
			return
		}

		var bc hints.Breadcrumbs
		if err := json.Unmarshal(data, &bc); err != nil {
			l.logger.Warn().Err(err).Str("child", child).Msg("failed to parse pod breadcrumbs")
			metrics.WatcherFailuresTotal.WithLabelValues("local").Inc()
			nonBlockingSend(l.failures, "local")
			return
		}

		pods[uuidPrefix(child)] = bc
	}

	if sameBreadcrumbs(l.last, pods) {
		return
	}

	l.last = pods
	nonBlockingSendUpdate(l.updates, Update{Key: "local", Pods: pods})
}

// uuidPrefix strips a registration node's "<10-digit-seq>" suffix, leaving
// the pod's uuid.
func uuidPrefix(nodeName string) string {
	idx := strings.LastIndex(nodeName, ".")
	if idx < 0 {
		return nodeName
	}
	return nodeName[:idx]
}

func sameBreadcrumbs(a, b map[string]hints.Breadcrumbs) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !reflect.DeepEqual(v, other) {
			return false
		}
	}
	return true
}

func nonBlockingSend(ch chan string, v string) {
	select {
	case ch <- v:
	default:
	}
}

func nonBlockingSendUpdate(ch chan Update, v Update) {
	select {
	case ch <- v:
	default:
	}
}
