package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/metrics"
)

// phase names used in log fields and the /control/<task> routes they POST to.
const (
	phaseCheck = "check"
	phaseOff   = "off"
	phaseOn    = "on"
	phaseOk    = "ok"
)

// peer is one target of a rollout phase.
type peer struct {
	key string
	url string
}

func (m *Model) currentHash() (string, error) {
	return hints.MD5Hex(m.snapshots)
}

func (m *Model) publishSnapshot() error {
	data, err := json.Marshal(m.snapshots["local"])
	if err != nil {
		return fmt.Errorf("cluster: marshal snapshot: %w", err)
	}
	if err := m.store.CreateEphemeral(m.snapPath, data); err != nil {
		return fmt.Errorf("cluster: publish snapshot: %w", err)
	}
	return m.store.Set(m.snapPath, data)
}

// rollout runs the full check -> [off] -> on -> ok protocol exactly once.
// Any phase failure aborts the whole attempt; the caller reschedules after
// another damper period.
func (m *Model) rollout() error {
	timer := metrics.NewTimer()

	pods := m.snapshots["local"]
	peers, err := peersFor(pods)
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		return m.persist(pods, timer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.grace())
	defer cancel()

	peers, err = m.runPhase(ctx, phaseCheck, peers, pods, true)
	if err != nil {
		return err
	}

	if m.cfg.FullShutdown {
		if _, err := m.runPhase(ctx, phaseOff, peers, pods, false); err != nil {
			return err
		}
	}

	if _, err := m.runPhase(ctx, phaseOn, peers, pods, false); err != nil {
		return err
	}

	// ack phase is fire-and-forget: failures here do not abort the rollout.
	go func() {
		ackCtx, ackCancel := context.WithTimeout(context.Background(), m.grace())
		defer ackCancel()
		_, _ = m.runPhase(ackCtx, phaseOk, peers, pods, false)
	}()

	return m.persist(pods, timer)
}

func (m *Model) persist(pods map[string]hints.Breadcrumbs, timer *metrics.Timer) error {
	hash, err := m.currentHash()
	if err != nil {
		return err
	}
	if err := m.publishSnapshot(); err != nil {
		return err
	}
	if err := m.store.Set(m.hashPath, []byte(hash)); err != nil {
		return fmt.Errorf("cluster: persist hash: %w", err)
	}

	view, err := hints.NewClusterView(m.selfKey, pods, m.dependencies())
	if err == nil {
		m.last = &view
	}

	m.dirty = false
	m.nextProbe = time.Now()
	timer.ObserveDuration(metrics.RolloutDuration)
	metrics.RolloutsTotal.WithLabelValues("ok").Inc()
	m.hints.SetStatus("running")
	return nil
}

func (m *Model) dependencies() map[string]map[string]hints.Breadcrumbs {
	out := make(map[string]map[string]hints.Breadcrumbs, len(m.snapshots)-1)
	for k, v := range m.snapshots {
		if k == "local" {
			continue
		}
		out[k] = v
	}
	return out
}

func (m *Model) grace() time.Duration {
	return time.Duration(float64(m.graceSeconds()) * 1.25 * float64(time.Second))
}

// graceSeconds is the per-task timeout sent as /control/<task>/<grace>,
// bounding how long the peer's executor waits on its own latch.
func (m *Model) graceSeconds() int {
	seconds := m.cfg.Grace
	if seconds <= 0 {
		seconds = 60
	}
	return int(seconds)
}

// peersFor builds the sorted peer list and checks every pod exposes a
// control port, resolving the host-mapped port from Ports the same way
// ClusterView.Grep does rather than assuming the container port is reachable
// directly.
func peersFor(pods map[string]hints.Breadcrumbs) ([]peer, error) {
	keys := make([]string, 0, len(pods))
	for k := range pods {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	peers := make([]peer, 0, len(keys))
	for _, k := range keys {
		bc := pods[k]
		hostPort, ok := bc.Ports[strconv.Itoa(bc.Port)]
		if !ok {
			return nil, fmt.Errorf("cluster: pod %s does not expose a control port", k)
		}
		peers = append(peers, peer{key: k, url: fmt.Sprintf("http://%s:%d/control/%%s/%%d", bc.IP, hostPort)})
	}
	return peers, nil
}

// runPhase posts to every peer's /control/<phase> endpoint, sequentially or
// in parallel per configuration. It returns the surviving peer list (HTTP
// 410 responses never abort) or an error if any other non-200 response or
// transport failure occurred. dropGone selects whether a 410 removes the
// peer from the returned list (true only for check). rollout runs the ok
// phase in its own goroutine and discards its result.
func (m *Model) runPhase(ctx context.Context, phase string, peers []peer, pods map[string]hints.Breadcrumbs, dropGone bool) ([]peer, error) {
	if m.cfg.Sequential {
		return m.runPhaseSequential(ctx, phase, peers, pods, dropGone)
	}
	return m.runPhaseParallel(ctx, phase, peers, pods, dropGone)
}

func (m *Model) runPhaseSequential(ctx context.Context, phase string, peers []peer, pods map[string]hints.Breadcrumbs, dropGone bool) ([]peer, error) {
	survivors := make([]peer, 0, len(peers))
	for _, p := range peers {
		gone, err := m.post(ctx, phase, p, pods)
		if err != nil {
			metrics.RolloutPeersFailedTotal.Inc()
			return nil, err
		}
		if gone && dropGone {
			continue
		}
		survivors = append(survivors, p)
	}
	return survivors, nil
}

func (m *Model) runPhaseParallel(ctx context.Context, phase string, peers []peer, pods map[string]hints.Breadcrumbs, dropGone bool) ([]peer, error) {
	survivors := make([]bool, len(peers))
	g, ctx := errgroup.WithContext(ctx)

	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			gone, err := m.post(ctx, phase, p, pods)
			if err != nil {
				metrics.RolloutPeersFailedTotal.Inc()
				return err
			}
			survivors[i] = !(gone && dropGone)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]peer, 0, len(peers))
	for i, p := range peers {
		if survivors[i] {
			out = append(out, p)
		}
	}
	return out, nil
}

// post sends one phase request to one peer. It returns gone=true on a 410
// response (the pod is no longer a cluster member) and an error for any
// other non-200 response or transport failure.
func (m *Model) post(ctx context.Context, phase string, p peer, pods map[string]hints.Breadcrumbs) (gone bool, err error) {
	payload := struct {
		Pods         map[string]hints.Breadcrumbs            `json:"pods"`
		Dependencies map[string]map[string]hints.Breadcrumbs `json:"dependencies"`
		Key          string                                  `json:"key"`
	}{
		Pods:         pods,
		Dependencies: m.dependencies(),
		Key:          p.key,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf(p.url, phase, m.graceSeconds())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("cluster: %s -> %s: %w", phase, p.key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return false, nil
	case http.StatusGone:
		return true, nil
	default:
		return false, fmt.Errorf("cluster: %s -> %s: unexpected status %d", phase, p.key, resp.StatusCode)
	}
}
