package cluster

import (
	"context"

	"github.com/ochopod/agent/pkg/callback"
	"github.com/ochopod/agent/pkg/config"
	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/watch"
	"github.com/ochopod/agent/pkg/zkstore"
)

// Factory adapts a fixed set of boot-time parameters into a
// coordinator.ModelFactory, so the Coordinator can start a Model without
// importing this package's construction details.
type Factory struct {
	Callback    callback.Model
	Config      config.Model
	ClusterPath string
	Namespace   string
	Cluster     string
}

// Start implements coordinator.ModelFactory.
func (f Factory) Start(ctx context.Context, store *zkstore.Store, h *hints.Hints) (<-chan error, func()) {
	selfKey := h.UUID()
	m := New(store, h, f.Callback, f.Config, f.ClusterPath, f.Namespace, f.Cluster, selfKey)

	for _, spec := range f.Config.DependsOn {
		m.AddRemote(watch.NewRemote(store, spec, f.Namespace, f.Cluster))
	}

	go func() {
		err := m.Run(ctx)
		select {
		case m.done <- err:
		default:
		}
	}()

	return m.Done(), m.Stop
}
